package syncengine

import (
	"context"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"leadline/internal/store"
)

const (
	// DefaultInterval is the steady-state gap between cycles.
	DefaultInterval = 60 * time.Second
	// MaxBackoff caps the delay after repeated failures.
	MaxBackoff = 300 * time.Second
	jitterFrac = 0.1
)

// Engine reconciles the local ledger with the cloud store on a fixed
// interval. One Run goroutine per process; every cycle failure is absorbed
// into backoff, never propagated.
type Engine struct {
	Store     *store.Store
	Cloud     CloudStore
	Operator  string
	Interval  time.Duration
	BatchSize int

	// ActiveActor reports the actor seen within the liveness lease, if any.
	ActiveActor func() (string, bool)
	// OnSuccess fires after each successful cycle with the number of events
	// the cloud store accepted.
	OnSuccess func(pushed int)

	Log  *logrus.Entry
	Now  func() time.Time
	Rand *rand.Rand

	failures int
}

func New(s *store.Store, cloud CloudStore, operator string) *Engine {
	return &Engine{
		Store:     s,
		Cloud:     cloud,
		Operator:  operator,
		Interval:  DefaultInterval,
		BatchSize: 50,
		Log:       logrus.NewEntry(logrus.StandardLogger()),
		Now:       time.Now,
	}
}

// Run executes cycles until ctx is canceled. The inter-cycle wait is
// interruptible; cancellation during a wait returns promptly.
func (e *Engine) Run(ctx context.Context) {
	for {
		pushed, err := e.RunCycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.failures++
			e.Log.WithError(err).WithField("failures", e.failures).Warn("sync cycle failed")
		} else {
			e.failures = 0
			e.Log.WithField("pushed", pushed).Debug("sync cycle complete")
			if e.OnSuccess != nil {
				e.OnSuccess(pushed)
			}
		}

		timer := time.NewTimer(e.nextDelay())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// RunCycle performs one heartbeat / pull / push pass.
func (e *Engine) RunCycle(ctx context.Context) (int, error) {
	if err := e.heartbeats(ctx); err != nil {
		return 0, err
	}
	if err := e.pullGovernance(ctx); err != nil {
		return 0, err
	}
	return e.pushEvents(ctx)
}

func (e *Engine) heartbeats(ctx context.Context) error {
	if err := e.Cloud.UpdateOperatorHeartbeat(ctx, e.Operator); err != nil {
		return &CloudError{Op: "operator heartbeat", Err: err}
	}
	if e.ActiveActor != nil {
		if actor, ok := e.ActiveActor(); ok {
			if err := e.Cloud.UpdateActorHeartbeat(ctx, actor, e.Operator); err != nil {
				return &CloudError{Op: "actor heartbeat", Err: err}
			}
		}
	}
	return nil
}

func (e *Engine) pullGovernance(ctx context.Context) error {
	rules, err := e.Cloud.FetchActiveRules(ctx)
	if err != nil {
		return &CloudError{Op: "fetch rules", Err: err}
	}
	if err := e.Store.ReplaceRulesCache(ctx, rules); err != nil {
		return err
	}
	goals, err := e.Cloud.FetchActiveGoals(ctx)
	if err != nil {
		return &CloudError{Op: "fetch goals", Err: err}
	}
	if err := e.Store.ReplaceGoalsCache(ctx, goals); err != nil {
		return err
	}

	cursor, err := e.Store.SyncCursor(ctx)
	if err != nil {
		return err
	}
	targets, err := e.Cloud.FetchUpdatedTargets(ctx, cursor)
	if err != nil {
		return &CloudError{Op: "fetch targets", Err: err}
	}
	if err := e.Store.ApplyCloudTargets(ctx, targets); err != nil {
		return err
	}
	// The cursor only moves when the pull yielded rows, except for the very
	// first pull which records that a full fetch happened.
	if len(targets) > 0 || cursor == "" {
		if err := e.Store.SetSyncCursor(ctx, e.now().UTC().Format(store.TimeFormat)); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) pushEvents(ctx context.Context) (int, error) {
	batch, err := e.Store.ListUnsyncedEvents(ctx, e.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	wire := make([]PushEvent, 0, len(batch))
	for _, ev := range batch {
		pe := PushEvent{
			LocalID:     ev.LocalID,
			Type:        string(ev.Type),
			ActorRef:    ev.ActorRef,
			OperatorRef: ev.OperatorRef,
			TargetRef:   ev.TargetRef,
			Details:     ev.Details,
			CreatedAt:   ev.CreatedAt,
		}
		if ev.Message != nil {
			pe.MessageText = ev.Message.MessageText
			pe.SentAt = ev.Message.SentAt
		}
		wire = append(wire, pe)
	}

	results, err := e.Cloud.PushEventsBatch(ctx, wire)
	if err != nil {
		return 0, &CloudError{Op: "push events", Err: err}
	}
	for localID, res := range results {
		var targetCloudID *string
		if res.CloudTargetID != "" {
			targetCloudID = &res.CloudTargetID
		}
		if err := e.Store.MarkSynced(ctx, localID, res.CloudEventID, targetCloudID); err != nil {
			return 0, err
		}
	}
	return len(results), nil
}

// nextDelay is the wait before the next cycle: the base interval after a
// success, capped exponential backoff after failures, with ±10% jitter.
func (e *Engine) nextDelay() time.Duration {
	d := e.baseDelay()
	spread := float64(d) * jitterFrac
	return d + time.Duration((e.randFloat()*2-1)*spread)
}

func (e *Engine) baseDelay() time.Duration {
	if e.failures == 0 {
		return e.Interval
	}
	d := e.Interval << uint(e.failures)
	if d > MaxBackoff || d <= 0 {
		return MaxBackoff
	}
	return d
}

func (e *Engine) randFloat() float64 {
	if e.Rand != nil {
		return e.Rand.Float64()
	}
	return rand.Float64()
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}
