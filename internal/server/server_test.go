package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"leadline/internal/db"
	"leadline/internal/domain"
	"leadline/internal/migrate"
	"leadline/internal/protocol"
	"leadline/internal/safety"
	"leadline/internal/store"
	leadlinesdk "leadline/sdk/go"
)

const testKey = "test-shared-key"

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s := store.New(conn)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	srv := New(Config{Port: 0, SharedKey: testKey, OperatorRef: "op_main"}, s, safety.New(s), logrus.NewEntry(logger))
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Stop(ctx)
	})
	return srv, s
}

func dialClient(t *testing.T, srv *Server) *leadlinesdk.Client {
	t.Helper()
	c, err := leadlinesdk.Dial(srv.Addr(), testKey)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPingRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)
	c := dialClient(t, srv)

	res, err := c.Ping(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Pong {
		t.Error("no pong")
	}
}

func TestAuthWrongKeyRejected(t *testing.T) {
	srv, s := newTestServer(t)

	if _, err := leadlinesdk.Dial(srv.Addr(), "wrong-key"); err == nil {
		t.Fatal("dial with wrong key succeeded")
	}

	// The failed attempt was recorded before the verdict went out.
	var count int
	err := s.DB.QueryRow(`SELECT COUNT(*) FROM auth_attempts WHERE ok=0`).Scan(&count)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("recorded failures = %d, want 1", count)
	}
}

func TestStaleChallengeRejected(t *testing.T) {
	srv, _ := newTestServer(t)

	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Ignore the real challenge and answer one of our own making.
	if _, err := protocol.ReadFrame(conn); err != nil {
		t.Fatal(err)
	}
	stale, _ := protocol.NewChallenge()
	answer, _ := json.Marshal(protocol.AuthPayload{Response: protocol.SolveChallenge(testKey, stale)})
	req, _ := json.Marshal(protocol.Request{Type: protocol.KindAuth, Payload: answer})
	if err := protocol.WriteFrame(conn, req); err != nil {
		t.Fatal(err)
	}

	frame, err := protocol.ReadFrame(conn)
	if err != nil {
		t.Fatal(err)
	}
	var verdict protocol.Response
	if err := json.Unmarshal(frame, &verdict); err != nil {
		t.Fatal(err)
	}
	if verdict.Success {
		t.Fatal("stale challenge accepted")
	}
	if !strings.Contains(verdict.Error, "auth") {
		t.Errorf("error = %q, want auth error", verdict.Error)
	}

	// No further frames are processed on this connection.
	ping, _ := json.Marshal(protocol.Request{Type: protocol.KindPing})
	protocol.WriteFrame(conn, ping)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := protocol.ReadFrame(conn); err == nil {
		t.Error("connection still serving after failed handshake")
	}
}

func TestLogOutreachStoresEventAndMessage(t *testing.T) {
	srv, s := newTestServer(t)
	c := dialClient(t, srv)
	ctx := context.Background()

	msg := "hey, loved your last post"
	ack, err := c.LogOutreach(ctx, protocol.LogOutreachPayload{
		ActorRef:    "acct_a",
		TargetRef:   "prospect_1",
		MessageText: &msg,
	})
	if err != nil {
		t.Fatal(err)
	}
	if ack.EventID == 0 || ack.Redacted {
		t.Errorf("ack = %+v", ack)
	}

	events, err := s.LatestEvents(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Message == nil || events[0].Message.MessageText == nil {
		t.Fatalf("stored event = %+v, want message text", events)
	}
	if *events[0].Message.MessageText != msg {
		t.Errorf("message = %q", *events[0].Message.MessageText)
	}
}

func TestRedactionForExcludedTarget(t *testing.T) {
	srv, s := newTestServer(t)
	c := dialClient(t, srv)
	ctx := context.Background()

	msg := "first touch"
	if _, err := c.LogOutreach(ctx, protocol.LogOutreachPayload{ActorRef: "acct_a", TargetRef: "prospect_1", MessageText: &msg}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.UpdateProspectStatus(ctx, protocol.UpdateProspectStatusPayload{
		ActorRef: "acct_a", TargetRef: "prospect_1", Status: string(domain.StatusExcluded),
	}); err != nil {
		t.Fatal(err)
	}

	msg2 := "should never be stored"
	ack, err := c.LogOutreach(ctx, protocol.LogOutreachPayload{ActorRef: "acct_a", TargetRef: "prospect_1", MessageText: &msg2})
	if err != nil {
		t.Fatal(err)
	}
	if !ack.Redacted {
		t.Error("outreach to excluded target not marked redacted")
	}

	var text *string
	err = s.DB.QueryRow(`SELECT message_text FROM outreach_messages WHERE event_id=?`, ack.EventID).Scan(&text)
	if err != nil {
		t.Fatal(err)
	}
	if text != nil {
		t.Errorf("message_text = %q, want NULL", *text)
	}
}

func TestWarningPropagation(t *testing.T) {
	srv, s := newTestServer(t)
	c := dialClient(t, srv)
	ctx := context.Background()

	rule := domain.Rule{RuleID: "r1", Type: domain.RuleFrequencyCap, Metric: "Messages Sent",
		LimitValue: 1, TimeWindowSec: 3600, Severity: "Warning", Status: "Active"}
	if err := s.ReplaceRulesCache(ctx, []domain.Rule{rule}); err != nil {
		t.Fatal(err)
	}

	first, err := c.LogOutreach(ctx, protocol.LogOutreachPayload{ActorRef: "acct_a", TargetRef: "prospect_1"})
	if err != nil {
		t.Fatal(err)
	}
	if first.Warning != "" {
		t.Errorf("first log warned: %q", first.Warning)
	}

	second, err := c.LogOutreach(ctx, protocol.LogOutreachPayload{ActorRef: "acct_a", TargetRef: "prospect_2"})
	if err != nil {
		t.Fatal(err)
	}
	if !second.Allowed {
		t.Error("warn tier must still allow")
	}
	if !strings.Contains(second.Warning, "Frequency Cap: 1/1") {
		t.Errorf("warning = %q", second.Warning)
	}
}

func TestExceptionToggleEvents(t *testing.T) {
	srv, s := newTestServer(t)
	c := dialClient(t, srv)
	ctx := context.Background()

	if _, err := c.LogOutreach(ctx, protocol.LogOutreachPayload{ActorRef: "acct_a", TargetRef: "prospect_1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.UpdateProspectStatus(ctx, protocol.UpdateProspectStatusPayload{
		ActorRef: "acct_a", TargetRef: "prospect_1", Status: string(domain.StatusExcluded),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.UpdateProspectStatus(ctx, protocol.UpdateProspectStatusPayload{
		ActorRef: "acct_a", TargetRef: "prospect_1", Status: string(domain.StatusContacted),
	}); err != nil {
		t.Fatal(err)
	}

	var toggles int
	err := s.DB.QueryRow(`SELECT COUNT(*) FROM events WHERE event_type=?`, string(domain.EventExceptionToggle)).Scan(&toggles)
	if err != nil {
		t.Fatal(err)
	}
	if toggles != 2 {
		t.Errorf("toggle events = %d, want 2 (into and out of Excluded)", toggles)
	}
}

func TestCheckUnknownProspect(t *testing.T) {
	srv, _ := newTestServer(t)
	c := dialClient(t, srv)

	res, err := c.CheckProspectStatus(context.Background(), "never_contacted")
	if err != nil {
		t.Fatal(err)
	}
	if res.Known || res.Target != nil {
		t.Errorf("result = %+v, want unknown", res)
	}
}

func TestUpdateUnknownProspectIsValidationError(t *testing.T) {
	srv, _ := newTestServer(t)
	c := dialClient(t, srv)

	_, err := c.UpdateProspectStatus(context.Background(), protocol.UpdateProspectStatusPayload{
		TargetRef: "nobody", Status: string(domain.StatusExcluded),
	})
	if err == nil || !strings.Contains(err.Error(), "unknown target") {
		t.Errorf("err = %v, want unknown target", err)
	}

	// The connection survives a validation failure.
	if _, err := c.Ping(context.Background()); err != nil {
		t.Errorf("ping after validation error: %v", err)
	}
}

func TestMalformedFrameDropsOnlyThatConnection(t *testing.T) {
	srv, _ := newTestServer(t)
	healthy := dialClient(t, srv)

	bad, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer bad.Close()
	authRaw(t, bad)

	if err := protocol.WriteFrame(bad, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	bad.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := protocol.ReadFrame(bad); err == nil {
		t.Error("malformed sender still connected")
	}

	if _, err := healthy.Ping(context.Background()); err != nil {
		t.Errorf("healthy connection affected: %v", err)
	}
}

func TestMidFrameTimeoutDropsConnection(t *testing.T) {
	dbConn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { dbConn.Close() })
	if err := migrate.Migrate(dbConn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s := store.New(dbConn)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	srv := New(Config{
		Port:        0,
		SharedKey:   testKey,
		OperatorRef: "op_main",
		IdleTimeout: 150 * time.Millisecond,
	}, s, safety.New(s), logrus.NewEntry(logger))
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Stop(ctx)
	})

	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	authRaw(t, conn)

	// Announce a 16-byte frame but deliver only part of it, then stall.
	if _, err := conn.Write([]byte{0, 0, 0, 16, 'a', 'b'}); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := protocol.ReadFrame(conn); err == nil {
		t.Error("stalled sender still connected")
	}
}

func TestUnknownKindKeepsConnectionAlive(t *testing.T) {
	srv, _ := newTestServer(t)

	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	authRaw(t, conn)

	req, _ := json.Marshal(protocol.Request{Type: "REWIND_TIME", RequestID: "req-1"})
	if err := protocol.WriteFrame(conn, req); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame, err := protocol.ReadFrame(conn)
	if err != nil {
		t.Fatal(err)
	}
	var resp protocol.Response
	if err := json.Unmarshal(frame, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Success || !strings.Contains(resp.Error, "unknown request type") {
		t.Errorf("response = %+v", resp)
	}
	if resp.RequestID != "req-1" {
		t.Errorf("request id = %q, want echo", resp.RequestID)
	}

	ping, _ := json.Marshal(protocol.Request{Type: protocol.KindPing})
	if err := protocol.WriteFrame(conn, ping); err != nil {
		t.Fatal(err)
	}
	if _, err := protocol.ReadFrame(conn); err != nil {
		t.Errorf("connection dropped after unknown kind: %v", err)
	}
}

func TestBroadcastReachesClients(t *testing.T) {
	srv, _ := newTestServer(t)
	c := dialClient(t, srv)

	srv.Broadcast(protocol.SyncCompletePayload{CompletedAt: "2026-03-01T12:00:00.000000Z", Pushed: 3})

	select {
	case n := <-c.Notifications():
		if n.Pushed != 3 {
			t.Errorf("notification = %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no broadcast received")
	}
}

func TestLivenessFeedsActiveActor(t *testing.T) {
	srv, _ := newTestServer(t)
	c := dialClient(t, srv)

	if _, ok := srv.Liveness.ActiveActor(); ok {
		t.Fatal("active actor before any request")
	}
	if _, err := c.LogOutreach(context.Background(), protocol.LogOutreachPayload{ActorRef: "acct_a", TargetRef: "prospect_1"}); err != nil {
		t.Fatal(err)
	}
	actor, ok := srv.Liveness.ActiveActor()
	if !ok || actor != "acct_a" {
		t.Errorf("active actor = %q, %t", actor, ok)
	}
}

// authRaw performs the handshake on a raw connection.
func authRaw(t *testing.T, conn net.Conn) {
	t.Helper()
	frame, err := protocol.ReadFrame(conn)
	if err != nil {
		t.Fatal(err)
	}
	var challengeMsg protocol.Response
	if err := json.Unmarshal(frame, &challengeMsg); err != nil {
		t.Fatal(err)
	}
	var challenge protocol.ChallengePayload
	if err := json.Unmarshal(challengeMsg.Data, &challenge); err != nil {
		t.Fatal(err)
	}
	answer, _ := json.Marshal(protocol.AuthPayload{Response: protocol.SolveChallenge(testKey, challenge.Challenge)})
	req, _ := json.Marshal(protocol.Request{Type: protocol.KindAuth, Payload: answer})
	if err := protocol.WriteFrame(conn, req); err != nil {
		t.Fatal(err)
	}
	frame, err = protocol.ReadFrame(conn)
	if err != nil {
		t.Fatal(err)
	}
	var verdict protocol.Response
	if err := json.Unmarshal(frame, &verdict); err != nil {
		t.Fatal(err)
	}
	if !verdict.Success {
		t.Fatalf("handshake failed: %s", verdict.Error)
	}
}
