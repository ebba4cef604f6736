package leadlinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"leadline/internal/protocol"
)

// Client speaks the framed loopback protocol: dial, answer the challenge,
// then synchronous request/response. Broadcast notifications arrive on a
// separate channel.
type Client struct {
	conn net.Conn

	reqMu     sync.Mutex
	responses chan protocol.Response
	notices   chan protocol.SyncCompletePayload

	closeOnce sync.Once
	done      chan struct{}
}

// DialTimeout bounds the connection and handshake.
const DialTimeout = 10 * time.Second

// Dial connects to a server and completes the challenge handshake with the
// shared key.
func Dial(addr, sharedKey string) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, DialTimeout)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:      conn,
		responses: make(chan protocol.Response, 1),
		notices:   make(chan protocol.SyncCompletePayload, 8),
		done:      make(chan struct{}),
	}
	if err := c.handshake(sharedKey); err != nil {
		conn.Close()
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) handshake(sharedKey string) error {
	c.conn.SetDeadline(time.Now().Add(DialTimeout))
	defer c.conn.SetDeadline(time.Time{})

	frame, err := protocol.ReadFrame(c.conn)
	if err != nil {
		return fmt.Errorf("read challenge: %w", err)
	}
	var challengeMsg protocol.Response
	if err := json.Unmarshal(frame, &challengeMsg); err != nil {
		return fmt.Errorf("decode challenge: %w", err)
	}
	if challengeMsg.Type != protocol.KindChallenge {
		return fmt.Errorf("expected challenge, got %q", challengeMsg.Type)
	}
	var challenge protocol.ChallengePayload
	if err := json.Unmarshal(challengeMsg.Data, &challenge); err != nil {
		return fmt.Errorf("decode challenge payload: %w", err)
	}

	answer, _ := json.Marshal(protocol.AuthPayload{
		Response: protocol.SolveChallenge(sharedKey, challenge.Challenge),
	})
	if err := c.writeRequest(protocol.Request{
		Type:      protocol.KindAuth,
		RequestID: uuid.NewString(),
		Payload:   answer,
	}); err != nil {
		return err
	}

	frame, err = protocol.ReadFrame(c.conn)
	if err != nil {
		return fmt.Errorf("read auth verdict: %w", err)
	}
	var verdict protocol.Response
	if err := json.Unmarshal(frame, &verdict); err != nil {
		return err
	}
	if !verdict.Success {
		return errors.New(verdict.Error)
	}
	return nil
}

func (c *Client) writeRequest(req protocol.Request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return protocol.WriteFrame(c.conn, payload)
}

// readLoop demultiplexes server frames: broadcasts go to the notification
// channel, everything else answers the single outstanding request.
func (c *Client) readLoop() {
	defer close(c.responses)
	for {
		frame, err := protocol.ReadFrame(c.conn)
		if err != nil {
			return
		}
		var resp protocol.Response
		if err := json.Unmarshal(frame, &resp); err != nil {
			return
		}
		if resp.Type == protocol.KindSyncComplete {
			var p protocol.SyncCompletePayload
			if json.Unmarshal(resp.Data, &p) == nil {
				select {
				case c.notices <- p:
				default:
				}
			}
			continue
		}
		select {
		case c.responses <- resp:
		case <-c.done:
			return
		}
	}
}

// Notifications delivers sync-complete broadcasts. The channel is never
// closed; poll with select.
func (c *Client) Notifications() <-chan protocol.SyncCompletePayload {
	return c.notices
}

// Close shuts the connection down.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return c.conn.Close()
}

func (c *Client) roundTrip(ctx context.Context, kind protocol.RequestKind, payload any) (protocol.Response, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	req := protocol.Request{Type: kind, RequestID: uuid.NewString()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return protocol.Response{}, err
		}
		req.Payload = raw
	}
	if err := c.writeRequest(req); err != nil {
		return protocol.Response{}, err
	}
	select {
	case <-ctx.Done():
		return protocol.Response{}, ctx.Err()
	case resp, ok := <-c.responses:
		if !ok {
			return protocol.Response{}, errors.New("connection closed")
		}
		if !resp.Success {
			return resp, errors.New(resp.Error)
		}
		return resp, nil
	}
}

// OutreachAck is the acknowledgment for one logged outreach message.
type OutreachAck struct {
	EventID  int64
	Redacted bool
	Allowed  bool
	Severity string
	Warning  string
}

// LogOutreach records one outbound message.
func (c *Client) LogOutreach(ctx context.Context, p protocol.LogOutreachPayload) (OutreachAck, error) {
	resp, err := c.roundTrip(ctx, protocol.KindLogOutreach, p)
	if err != nil {
		return OutreachAck{}, err
	}
	var result protocol.LogOutreachResult
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return OutreachAck{}, err
	}
	return OutreachAck{
		EventID:  result.EventID,
		Redacted: result.Redacted,
		Allowed:  result.Allowed,
		Severity: result.Severity,
		Warning:  resp.Warning,
	}, nil
}

// CheckProspectStatus looks up a prospect's current projection.
func (c *Client) CheckProspectStatus(ctx context.Context, targetRef string) (protocol.CheckProspectStatusResult, error) {
	resp, err := c.roundTrip(ctx, protocol.KindCheckProspectStatus, protocol.CheckProspectStatusPayload{TargetRef: targetRef})
	if err != nil {
		return protocol.CheckProspectStatusResult{}, err
	}
	var result protocol.CheckProspectStatusResult
	err = json.Unmarshal(resp.Data, &result)
	return result, err
}

// UpdateProspectStatus moves a prospect to a new status.
func (c *Client) UpdateProspectStatus(ctx context.Context, p protocol.UpdateProspectStatusPayload) (protocol.UpdateProspectStatusResult, error) {
	resp, err := c.roundTrip(ctx, protocol.KindUpdateProspectStatus, p)
	if err != nil {
		return protocol.UpdateProspectStatusResult{}, err
	}
	var result protocol.UpdateProspectStatusResult
	err = json.Unmarshal(resp.Data, &result)
	return result, err
}

// Ping probes server liveness.
func (c *Client) Ping(ctx context.Context) (protocol.PingResult, error) {
	resp, err := c.roundTrip(ctx, protocol.KindPing, nil)
	if err != nil {
		return protocol.PingResult{}, err
	}
	var result protocol.PingResult
	err = json.Unmarshal(resp.Data, &result)
	return result, err
}
