package syncengine

import (
	"context"
	"fmt"

	"leadline/internal/domain"
)

// PushResult maps one accepted local event to the ids the cloud store
// assigned. TargetCloudID is empty when the event carried no target.
type PushResult struct {
	CloudEventID  string `json:"cloud_event_id"`
	CloudTargetID string `json:"cloud_target_id,omitempty"`
}

// CloudStore is the narrow remote surface the sync engine reconciles against.
// Implementations must be safe for repeated delivery of the same event batch:
// the engine retries unsynced events until they are acknowledged.
type CloudStore interface {
	FetchActiveRules(ctx context.Context) ([]domain.Rule, error)
	FetchActiveGoals(ctx context.Context) ([]domain.Goal, error)
	// FetchUpdatedTargets returns prospect rows changed since the cursor;
	// an empty cursor asks for the full set.
	FetchUpdatedTargets(ctx context.Context, since string) ([]domain.Target, error)
	PushEventsBatch(ctx context.Context, events []PushEvent) (map[int64]PushResult, error)
	UpdateOperatorHeartbeat(ctx context.Context, operatorRef string) error
	UpdateActorHeartbeat(ctx context.Context, actorRef, operatorRef string) error
}

// PushEvent is the wire shape of one unsynced event.
type PushEvent struct {
	LocalID     int64   `json:"local_id"`
	Type        string  `json:"event_type"`
	ActorRef    string  `json:"actor_ref"`
	OperatorRef string  `json:"operator_ref"`
	TargetRef   *string `json:"target_ref,omitempty"`
	Details     string  `json:"details,omitempty"`
	CreatedAt   string  `json:"created_at"`
	MessageText *string `json:"message_text,omitempty"`
	SentAt      string  `json:"sent_at,omitempty"`
}

// CloudError wraps any remote or network failure during a sync cycle. It
// drives backoff and is never surfaced to socket clients.
type CloudError struct {
	Op  string
	Err error
}

func (e *CloudError) Error() string { return fmt.Sprintf("cloud error during %s: %v", e.Op, e.Err) }

func (e *CloudError) Unwrap() error { return e.Err }
