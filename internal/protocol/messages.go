package protocol

import (
	"encoding/json"

	"leadline/internal/domain"
)

// RequestKind is the closed set of client message types.
type RequestKind string

const (
	KindLogOutreach          RequestKind = "LOG_OUTREACH"
	KindCheckProspectStatus  RequestKind = "CHECK_PROSPECT_STATUS"
	KindUpdateProspectStatus RequestKind = "UPDATE_PROSPECT_STATUS"
	KindPing                 RequestKind = "PING"
	KindAuth                 RequestKind = "AUTH"
)

// Server-initiated message types.
const (
	KindChallenge    = "CHALLENGE"
	KindSyncComplete = "SYNC_COMPLETE"
)

// Request is the client envelope. Older clients send the kind under "action";
// "type" wins when both are present.
type Request struct {
	Type      RequestKind     `json:"type,omitempty"`
	Action    RequestKind     `json:"action,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func (r Request) Kind() RequestKind {
	if r.Type != "" {
		return r.Type
	}
	return r.Action
}

// Response is the server envelope for request acknowledgments and
// server-initiated messages. RequestID echoes the request's id when one was
// sent.
type Response struct {
	Type      string          `json:"type,omitempty"`
	Success   bool            `json:"success"`
	RequestID string          `json:"requestId,omitempty"`
	Error     string          `json:"error,omitempty"`
	Warning   string          `json:"warning,omitempty"`
	Severity  string          `json:"severity,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ChallengePayload carries the server's random challenge to the client.
type ChallengePayload struct {
	Challenge string `json:"challenge"`
}

// AuthPayload carries the client's HMAC answer to the challenge.
type AuthPayload struct {
	Response string `json:"response"`
}

// LogOutreachPayload records one outbound message to a target.
type LogOutreachPayload struct {
	ActorRef    string  `json:"actor_ref"`
	TargetRef   string  `json:"target_ref"`
	MessageText *string `json:"message_text,omitempty"`
	Details     string  `json:"details,omitempty"`
	ProfileBio  string  `json:"profile_bio,omitempty"`
	ProfileLink string  `json:"profile_link,omitempty"`
}

// LogOutreachResult acknowledges a stored outreach event.
type LogOutreachResult struct {
	EventID  int64  `json:"event_id"`
	Redacted bool   `json:"redacted,omitempty"`
	Allowed  bool   `json:"allowed"`
	Severity string `json:"severity"`
}

// CheckProspectStatusPayload asks for a target's current projection.
type CheckProspectStatusPayload struct {
	TargetRef string `json:"target_ref"`
}

// CheckProspectStatusResult holds the lookup outcome. Known is false when the
// target has never been contacted.
type CheckProspectStatusResult struct {
	Known  bool           `json:"known"`
	Target *domain.Target `json:"target,omitempty"`
}

// UpdateProspectStatusPayload moves a target to a new status.
type UpdateProspectStatusPayload struct {
	ActorRef  string  `json:"actor_ref"`
	TargetRef string  `json:"target_ref"`
	Status    string  `json:"status"`
	Notes     *string `json:"notes,omitempty"`
}

// UpdateProspectStatusResult acknowledges a status change.
type UpdateProspectStatusResult struct {
	TargetRef string `json:"target_ref"`
	Status    string `json:"status"`
	EventID   int64  `json:"event_id"`
}

// PingResult answers a liveness probe.
type PingResult struct {
	Pong bool   `json:"pong"`
	Time string `json:"time"`
}

// SyncCompletePayload is broadcast to every authenticated connection after a
// successful sync cycle.
type SyncCompletePayload struct {
	CompletedAt string `json:"completed_at"`
	Pushed      int    `json:"pushed"`
}
