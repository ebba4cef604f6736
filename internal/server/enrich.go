package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"leadline/internal/store"
)

var (
	emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phoneRe = regexp.MustCompile(`\(?([2-9][0-9]{2})\)?[-.\s]?([2-9][0-9]{2})[-.\s]?([0-9]{4})`)
)

// ContactInfo is what enrichment managed to discover.
type ContactInfo struct {
	Email  string
	Phone  string
	Source string
}

// EnrichJob asks for contact discovery on one target using profile hints.
type EnrichJob struct {
	TargetRef string
	Bio       string
	Link      string
}

// Enricher runs contact discovery on a single consumer goroutine fed by a
// bounded queue. A burst of outreach events can at worst drop jobs, never
// spawn unbounded fetches or block a response.
type Enricher struct {
	Store  *store.Store
	Client *http.Client
	Log    *logrus.Entry

	jobs chan EnrichJob
}

func NewEnricher(s *store.Store, log *logrus.Entry) *Enricher {
	return &Enricher{
		Store:  s,
		Client: &http.Client{Timeout: 10 * time.Second},
		Log:    log,
		jobs:   make(chan EnrichJob, 64),
	}
}

// Submit queues a job without blocking. When the queue is full the job is
// dropped and logged.
func (e *Enricher) Submit(job EnrichJob) {
	select {
	case e.jobs <- job:
	default:
		e.Log.WithField("target", job.TargetRef).Warn("enrichment queue full, dropping job")
	}
}

// Run consumes jobs until ctx is canceled. Individual failures are logged and
// discarded.
func (e *Enricher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-e.jobs:
			info := e.Discover(ctx, job)
			if info.Email == "" && info.Phone == "" {
				continue
			}
			if err := e.Store.SetTargetContact(ctx, job.TargetRef, info.Email, info.Phone, info.Source); err != nil {
				e.Log.WithError(err).WithField("target", job.TargetRef).Warn("store contact info")
			}
		}
	}
}

// Discover extracts contact details from the bio text first, then from the
// linked page when the bio yielded nothing.
func (e *Enricher) Discover(ctx context.Context, job EnrichJob) ContactInfo {
	if info := extractContact(job.Bio); info.Email != "" || info.Phone != "" {
		info.Source = "bio"
		return info
	}
	if job.Link == "" {
		return ContactInfo{}
	}
	body, err := e.fetch(ctx, unwrapRedirect(job.Link))
	if err != nil {
		e.Log.WithError(err).WithField("target", job.TargetRef).Debug("fetch profile link")
		return ContactInfo{}
	}
	info := extractContact(body)
	if info.Email != "" || info.Phone != "" {
		info.Source = "link"
	}
	return info
}

func (e *Enricher) fetch(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := e.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func extractContact(text string) ContactInfo {
	var info ContactInfo
	if m := emailRe.FindString(text); m != "" {
		info.Email = m
	}
	if m := phoneRe.FindStringSubmatch(text); m != nil {
		info.Phone = fmt.Sprintf("(%s) %s-%s", m[1], m[2], m[3])
	}
	return info
}

// unwrapRedirect resolves Instagram's outbound link wrapper back to the
// original URL.
func unwrapRedirect(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return link
	}
	if !strings.HasSuffix(u.Host, "l.instagram.com") {
		return link
	}
	if target := u.Query().Get("u"); target != "" {
		return target
	}
	return link
}
