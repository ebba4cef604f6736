package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"leadline/internal/domain"
	"leadline/internal/protocol"
	"leadline/internal/safety"
	"leadline/internal/store"
)

const (
	// DefaultAuthTimeout bounds the challenge handshake.
	DefaultAuthTimeout = 10 * time.Second
	// DefaultIdleTimeout is the steady-state read deadline. Hitting it is a
	// liveness tick, not an error.
	DefaultIdleTimeout = 30 * time.Second
)

// Config carries the server's runtime identity and tunables.
type Config struct {
	Port        int
	SharedKey   string
	OperatorRef string
	AuthTimeout time.Duration
	IdleTimeout time.Duration
}

type handlerFunc func(ctx context.Context, req protocol.Request) protocol.Response

// Server accepts framed JSON connections on loopback, authenticates them with
// a challenge handshake, and serves one request at a time per connection.
type Server struct {
	Config   Config
	Store    *store.Store
	Checker  *safety.Checker
	Liveness *Liveness
	Enricher *Enricher
	Log      *logrus.Entry

	limiter  *protocol.RateLimiter
	handlers map[protocol.RequestKind]handlerFunc

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	ln      net.Listener
	conns   map[*clientConn]struct{}
	closing bool
	wg      sync.WaitGroup
}

// clientConn serializes frame writes: responses and broadcasts share the
// socket.
type clientConn struct {
	conn net.Conn
	wmu  sync.Mutex
}

// countingReader tracks bytes consumed since the last reset so the read loop
// can tell an idle timeout from one that interrupted a frame in flight.
type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

func (c *clientConn) send(resp protocol.Response) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return protocol.WriteFrame(c.conn, payload)
}

func New(cfg Config, s *store.Store, checker *safety.Checker, log *logrus.Entry) *Server {
	if cfg.AuthTimeout == 0 {
		cfg.AuthTimeout = DefaultAuthTimeout
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	srv := &Server{
		Config:   cfg,
		Store:    s,
		Checker:  checker,
		Liveness: NewLiveness(),
		Log:      log,
		limiter:  protocol.NewRateLimiter(),
		conns:    make(map[*clientConn]struct{}),
	}
	srv.handlers = map[protocol.RequestKind]handlerFunc{
		protocol.KindLogOutreach:          srv.handleLogOutreach,
		protocol.KindCheckProspectStatus:  srv.handleCheckProspectStatus,
		protocol.KindUpdateProspectStatus: srv.handleUpdateProspectStatus,
		protocol.KindPing:                 srv.handlePing,
	}
	return srv
}

// Start binds the loopback listener and begins accepting connections.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.Config.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.Log.WithField("addr", ln.Addr().String()).Info("server listening")
	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Addr returns the bound listener address, useful when Port is 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop closes the listener, wakes idle readers so in-flight requests can
// finish, and waits for connection handlers until ctx expires, at which point
// remaining connections are closed.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	ln := s.ln
	for cc := range s.conns {
		cc.conn.SetReadDeadline(time.Now())
	}
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.mu.Lock()
		for cc := range s.conns {
			cc.conn.Close()
		}
		s.mu.Unlock()
		<-done
	}
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosing() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.Log.WithError(err).Warn("accept")
			continue
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	cc := &clientConn{conn: conn}
	addr := remoteHost(conn)
	log := s.Log.WithField("remote", conn.RemoteAddr().String())

	if !s.authenticate(cc, addr, log) {
		return
	}

	s.mu.Lock()
	s.conns[cc] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, cc)
		s.mu.Unlock()
	}()

	cr := &countingReader{r: conn}
	for {
		if s.isClosing() {
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.Config.IdleTimeout))
		cr.n = 0
		frame, err := protocol.ReadFrame(cr)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				// A timeout at a frame boundary is just an idle tick. After a
				// partial read the stream is desynced and cannot be resumed.
				if cr.n > 0 {
					log.Warn("timeout mid-frame, dropping connection")
					return
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				return
			}
			var perr *protocol.ProtocolError
			if errors.As(err, &perr) {
				log.WithError(perr).Warn("dropping connection")
			}
			return
		}
		var req protocol.Request
		if err := json.Unmarshal(frame, &req); err != nil {
			log.WithError(err).Warn("malformed request frame, dropping connection")
			return
		}
		resp := s.dispatch(s.ctx, req)
		resp.RequestID = req.RequestID
		if err := cc.send(resp); err != nil {
			return
		}
	}
}

// authenticate runs the challenge handshake. Every attempt is recorded
// before the verdict goes out on the wire.
func (s *Server) authenticate(cc *clientConn, addr string, log *logrus.Entry) bool {
	ctx := s.ctx
	if !s.limiter.Allow(addr) {
		s.recordAuth(ctx, addr, false, log)
		cc.send(protocol.Response{Error: (&protocol.AuthError{Reason: "too many failed attempts"}).Error()})
		log.Warn("handshake rate limited")
		return false
	}

	challenge, err := protocol.NewChallenge()
	if err != nil {
		log.WithError(err).Error("generate challenge")
		return false
	}
	data, _ := json.Marshal(protocol.ChallengePayload{Challenge: challenge})
	if err := cc.send(protocol.Response{Type: protocol.KindChallenge, Success: true, Data: data}); err != nil {
		return false
	}

	cc.conn.SetReadDeadline(time.Now().Add(s.Config.AuthTimeout))
	frame, err := protocol.ReadFrame(cc.conn)
	if err != nil {
		log.WithError(err).Debug("handshake read")
		return false
	}
	var req protocol.Request
	var auth protocol.AuthPayload
	ok := json.Unmarshal(frame, &req) == nil &&
		req.Kind() == protocol.KindAuth &&
		json.Unmarshal(req.Payload, &auth) == nil &&
		protocol.VerifyChallenge(s.Config.SharedKey, challenge, auth.Response)

	s.recordAuth(ctx, addr, ok, log)
	if !ok {
		s.limiter.RecordFailure(addr)
		cc.send(protocol.Response{
			RequestID: req.RequestID,
			Error:     (&protocol.AuthError{Reason: "authentication failed"}).Error(),
		})
		log.Warn("handshake failed")
		return false
	}
	s.limiter.Reset(addr)
	return cc.send(protocol.Response{Success: true, RequestID: req.RequestID}) == nil
}

func (s *Server) recordAuth(ctx context.Context, addr string, ok bool, log *logrus.Entry) {
	if err := s.Store.RecordAuthAttempt(ctx, addr, ok); err != nil {
		log.WithError(err).Error("record auth attempt")
	}
}

func (s *Server) dispatch(ctx context.Context, req protocol.Request) protocol.Response {
	h, ok := s.handlers[req.Kind()]
	if !ok {
		return failure(&protocol.ValidationError{Reason: fmt.Sprintf("unknown request type %q", req.Kind())})
	}
	return h(ctx, req)
}

func (s *Server) handleLogOutreach(ctx context.Context, req protocol.Request) protocol.Response {
	var p protocol.LogOutreachPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return failure(&protocol.ValidationError{Reason: "bad payload: " + err.Error()})
	}
	if err := domain.ValidateHandle(p.ActorRef); err != nil {
		return failure(&protocol.ValidationError{Field: "actor_ref", Reason: err.Error()})
	}
	if err := domain.ValidateHandle(p.TargetRef); err != nil {
		return failure(&protocol.ValidationError{Field: "target_ref", Reason: err.Error()})
	}

	check, err := s.Checker.Evaluate(ctx, p.ActorRef, s.Config.OperatorRef, domain.EventOutreach)
	if err != nil {
		return s.storeFailure("evaluate rules", err)
	}

	redacted := false
	target, err := s.Store.GetTarget(ctx, p.TargetRef)
	switch {
	case err == nil:
		redacted = target.Status.Protected()
	case errors.Is(err, store.ErrNotFound):
	default:
		return s.storeFailure("load target", err)
	}

	messageText := p.MessageText
	if redacted {
		messageText = nil
	}
	ev := domain.Event{
		Type:        domain.EventOutreach,
		ActorRef:    p.ActorRef,
		OperatorRef: s.Config.OperatorRef,
		TargetRef:   &p.TargetRef,
		Details:     p.Details,
	}
	id, err := s.Store.AppendEvent(ctx, ev, &domain.OutreachMessage{MessageText: messageText})
	if err != nil {
		return s.storeFailure("append outreach", err)
	}

	s.Liveness.Touch(p.ActorRef)
	if s.Enricher != nil && (p.ProfileBio != "" || p.ProfileLink != "") {
		s.Enricher.Submit(EnrichJob{TargetRef: p.TargetRef, Bio: p.ProfileBio, Link: p.ProfileLink})
	}

	resp := protocol.Response{Success: true}
	resp.Data, _ = json.Marshal(protocol.LogOutreachResult{
		EventID:  id,
		Redacted: redacted,
		Allowed:  check.Allowed,
		Severity: string(check.Severity),
	})
	if check.Reason != "" {
		resp.Warning = check.Reason
		resp.Severity = string(check.Severity)
	}
	return resp
}

func (s *Server) handleCheckProspectStatus(ctx context.Context, req protocol.Request) protocol.Response {
	var p protocol.CheckProspectStatusPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return failure(&protocol.ValidationError{Reason: "bad payload: " + err.Error()})
	}
	if err := domain.ValidateHandle(p.TargetRef); err != nil {
		return failure(&protocol.ValidationError{Field: "target_ref", Reason: err.Error()})
	}

	var result protocol.CheckProspectStatusResult
	target, err := s.Store.GetTarget(ctx, p.TargetRef)
	switch {
	case err == nil:
		result.Known = true
		result.Target = &target
	case errors.Is(err, store.ErrNotFound):
	default:
		return s.storeFailure("load target", err)
	}
	resp := protocol.Response{Success: true}
	resp.Data, _ = json.Marshal(result)
	return resp
}

func (s *Server) handleUpdateProspectStatus(ctx context.Context, req protocol.Request) protocol.Response {
	var p protocol.UpdateProspectStatusPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return failure(&protocol.ValidationError{Reason: "bad payload: " + err.Error()})
	}
	if err := domain.ValidateHandle(p.TargetRef); err != nil {
		return failure(&protocol.ValidationError{Field: "target_ref", Reason: err.Error()})
	}
	status := domain.TargetStatus(p.Status)
	if !domain.ValidTargetStatus(status) {
		return failure(&protocol.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", p.Status)})
	}
	actor := p.ActorRef
	if actor == "" {
		actor = s.Config.OperatorRef
	} else if err := domain.ValidateHandle(actor); err != nil {
		return failure(&protocol.ValidationError{Field: "actor_ref", Reason: err.Error()})
	}

	prev, err := s.Store.GetTarget(ctx, p.TargetRef)
	if errors.Is(err, store.ErrNotFound) {
		return failure(&protocol.ValidationError{Field: "target_ref", Reason: "unknown target"})
	}
	if err != nil {
		return s.storeFailure("load target", err)
	}
	if err := s.Store.UpdateTargetStatus(ctx, p.TargetRef, status, p.Notes); err != nil {
		return s.storeFailure("update status", err)
	}

	ev := domain.Event{
		Type:        domain.EventStatusChange,
		ActorRef:    actor,
		OperatorRef: s.Config.OperatorRef,
		TargetRef:   &p.TargetRef,
		Details:     fmt.Sprintf("%s -> %s", prev.Status, status),
	}
	id, err := s.Store.AppendEvent(ctx, ev, nil)
	if err != nil {
		return s.storeFailure("append status change", err)
	}

	// Moving into or out of Excluded changes the redaction boundary; that
	// transition gets its own ledger entry.
	if (prev.Status == domain.StatusExcluded) != (status == domain.StatusExcluded) {
		toggle := domain.Event{
			Type:        domain.EventExceptionToggle,
			ActorRef:    actor,
			OperatorRef: s.Config.OperatorRef,
			TargetRef:   &p.TargetRef,
			Details:     fmt.Sprintf("excluded=%t", status == domain.StatusExcluded),
		}
		if _, err := s.Store.AppendEvent(ctx, toggle, nil); err != nil {
			return s.storeFailure("append exception toggle", err)
		}
	}

	if p.ActorRef != "" {
		s.Liveness.Touch(p.ActorRef)
	}
	resp := protocol.Response{Success: true}
	resp.Data, _ = json.Marshal(protocol.UpdateProspectStatusResult{
		TargetRef: p.TargetRef,
		Status:    string(status),
		EventID:   id,
	})
	return resp
}

func (s *Server) handlePing(ctx context.Context, req protocol.Request) protocol.Response {
	resp := protocol.Response{Success: true}
	resp.Data, _ = json.Marshal(protocol.PingResult{
		Pong: true,
		Time: time.Now().UTC().Format(store.TimeFormat),
	})
	return resp
}

// Broadcast sends a sync notification to every authenticated connection.
func (s *Server) Broadcast(p protocol.SyncCompletePayload) {
	data, _ := json.Marshal(p)
	resp := protocol.Response{Type: protocol.KindSyncComplete, Success: true, Data: data}
	s.mu.Lock()
	conns := make([]*clientConn, 0, len(s.conns))
	for cc := range s.conns {
		conns = append(conns, cc)
	}
	s.mu.Unlock()
	for _, cc := range conns {
		if err := cc.send(resp); err != nil {
			s.Log.WithError(err).Debug("broadcast send")
		}
	}
}

func (s *Server) storeFailure(op string, err error) protocol.Response {
	s.Log.WithError(&protocol.StoreError{Op: op, Err: err}).Error("store failure")
	return protocol.Response{Error: "internal storage error"}
}

func failure(err error) protocol.Response {
	return protocol.Response{Error: err.Error()}
}

func remoteHost(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
