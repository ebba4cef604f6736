package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"leadline/internal/domain"
)

var ErrNotFound = errors.New("not found")

// TimeFormat is a fixed-width UTC timestamp layout so stored strings compare
// lexicographically in chronological order.
const TimeFormat = "2006-01-02T15:04:05.000000Z"

// Store is the single-writer local event ledger. Every public method takes the
// store mutex: connection handlers and the sync engine share one instance, and
// coarse serialization is what guarantees AppendEvent callers never observe a
// torn RecentEventCount/LastEventTime state.
type Store struct {
	DB  *sql.DB
	Now func() time.Time

	mu       sync.Mutex
	lastTick time.Time
}

func New(db *sql.DB) *Store {
	return &Store{DB: db, Now: time.Now}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// tick returns the current UTC time, nudged forward if the wall clock has not
// advanced since the previous call. Keeps created_at monotonic per writer.
func (s *Store) tick() time.Time {
	t := s.now().UTC()
	if !t.After(s.lastTick) {
		t = s.lastTick.Add(time.Microsecond)
	}
	s.lastTick = t
	return t
}

// EventWithMessage joins an event with its optional outreach message row.
type EventWithMessage struct {
	domain.Event
	Message *domain.OutreachMessage
}

// AppendEvent inserts the event, its optional child message, and upserts the
// target projection in one transaction. The returned id is the local event id.
// first_contacted is written once and never overwritten.
func (s *Store) AppendEvent(ctx context.Context, ev domain.Event, msg *domain.OutreachMessage) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !domain.ValidEventType(ev.Type) {
		return 0, fmt.Errorf("invalid event type %q", ev.Type)
	}
	now := s.tick().Format(TimeFormat)
	if ev.CreatedAt == "" {
		ev.CreatedAt = now
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO events(event_type,actor_ref,operator_ref,target_ref,details,created_at,synced)
VALUES (?,?,?,?,?,?,0)`,
		string(ev.Type), ev.ActorRef, ev.OperatorRef, nullableStringPtr(ev.TargetRef), nullable(ev.Details), ev.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	localID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	if msg != nil {
		sentAt := msg.SentAt
		if sentAt == "" {
			sentAt = ev.CreatedAt
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO outreach_messages(event_id,message_text,sent_at) VALUES (?,?,?)`,
			localID, nullableStringPtr(msg.MessageText), sentAt); err != nil {
			return 0, fmt.Errorf("insert outreach message: %w", err)
		}
	}

	if ev.TargetRef != nil {
		if _, err := tx.ExecContext(ctx, `INSERT INTO targets(target_ref,status,owner_actor_ref,first_contacted,last_updated)
VALUES (?,?,?,?,?)
ON CONFLICT(target_ref) DO UPDATE SET
    owner_actor_ref = COALESCE(targets.owner_actor_ref, excluded.owner_actor_ref),
    first_contacted = COALESCE(targets.first_contacted, excluded.first_contacted),
    last_updated = excluded.last_updated`,
			*ev.TargetRef, string(domain.StatusContacted), nullable(ev.ActorRef), ev.CreatedAt, ev.CreatedAt); err != nil {
			return 0, fmt.Errorf("upsert target: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return localID, nil
}

// GetTarget returns the target projection for ref.
func (s *Store) GetTarget(ctx context.Context, ref string) (domain.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getTarget(ctx, ref)
}

func (s *Store) getTarget(ctx context.Context, ref string) (domain.Target, error) {
	var t domain.Target
	var cloudID, owner, notes, email, phone, source, first sql.NullString
	var status string
	err := s.DB.QueryRowContext(ctx, `SELECT target_ref,cloud_id,status,owner_actor_ref,notes,email,phone,contact_source,first_contacted,last_updated
FROM targets WHERE target_ref=?`, ref).
		Scan(&t.TargetRef, &cloudID, &status, &owner, &notes, &email, &phone, &source, &first, &t.LastUpdated)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Status = domain.TargetStatus(status)
	if cloudID.Valid {
		t.CloudID = &cloudID.String
	}
	t.OwnerActorRef = owner.String
	t.Notes = notes.String
	t.Email = email.String
	t.Phone = phone.String
	t.ContactSource = source.String
	t.FirstContacted = first.String
	return t, nil
}

// ListTargets returns up to limit targets, most recently updated first.
func (s *Store) ListTargets(ctx context.Context, limit int) ([]domain.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT target_ref,cloud_id,status,owner_actor_ref,notes,email,phone,contact_source,first_contacted,last_updated
FROM targets ORDER BY last_updated DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Target
	for rows.Next() {
		var t domain.Target
		var cloudID, owner, notes, email, phone, source, first sql.NullString
		var status string
		if err := rows.Scan(&t.TargetRef, &cloudID, &status, &owner, &notes, &email, &phone, &source, &first, &t.LastUpdated); err != nil {
			return nil, err
		}
		t.Status = domain.TargetStatus(status)
		if cloudID.Valid {
			t.CloudID = &cloudID.String
		}
		t.OwnerActorRef = owner.String
		t.Notes = notes.String
		t.Email = email.String
		t.Phone = phone.String
		t.ContactSource = source.String
		t.FirstContacted = first.String
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListUnsyncedEvents returns up to limit unsynced events oldest-first, each
// joined with its outreach message when one exists.
func (s *Store) ListUnsyncedEvents(ctx context.Context, limit int) ([]EventWithMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT e.id,e.cloud_id,e.event_type,e.actor_ref,e.operator_ref,e.target_ref,e.details,e.created_at,e.synced,
       m.message_text, m.sent_at
FROM events e LEFT JOIN outreach_messages m ON m.event_id = e.id
WHERE e.synced = 0 ORDER BY e.id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []EventWithMessage
	for rows.Next() {
		ev, err := scanEventWithMessage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

// LatestEvents returns up to limit events newest-first for display surfaces.
func (s *Store) LatestEvents(ctx context.Context, limit int) ([]EventWithMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT e.id,e.cloud_id,e.event_type,e.actor_ref,e.operator_ref,e.target_ref,e.details,e.created_at,e.synced,
       m.message_text, m.sent_at
FROM events e LEFT JOIN outreach_messages m ON m.event_id = e.id
ORDER BY e.id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []EventWithMessage
	for rows.Next() {
		ev, err := scanEventWithMessage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

func scanEventWithMessage(rows *sql.Rows) (EventWithMessage, error) {
	var ev EventWithMessage
	var cloudID, targetRef, details, msgText, sentAt sql.NullString
	var evType string
	var synced int
	if err := rows.Scan(&ev.LocalID, &cloudID, &evType, &ev.ActorRef, &ev.OperatorRef,
		&targetRef, &details, &ev.CreatedAt, &synced, &msgText, &sentAt); err != nil {
		return ev, err
	}
	ev.Type = domain.EventType(evType)
	if cloudID.Valid {
		ev.CloudID = &cloudID.String
	}
	if targetRef.Valid {
		ev.TargetRef = &targetRef.String
	}
	ev.Details = details.String
	ev.Synced = synced != 0
	if sentAt.Valid {
		m := domain.OutreachMessage{EventID: ev.LocalID, SentAt: sentAt.String}
		if msgText.Valid {
			m.MessageText = &msgText.String
		}
		ev.Message = &m
	}
	return ev, nil
}

// MarkSynced attaches the cloud id and flips the synced flag. Idempotent:
// repeating the call with the same ids leaves the store unchanged. When the
// cloud store also assigned an id to the event's target, that is recorded too.
func (s *Store) MarkSynced(ctx context.Context, localID int64, cloudID string, targetCloudID *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var targetRef sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT target_ref FROM events WHERE id=?`, localID).Scan(&targetRef)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE events SET cloud_id=?, synced=1 WHERE id=?`, cloudID, localID); err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	if targetCloudID != nil && targetRef.Valid {
		if _, err := tx.ExecContext(ctx, `UPDATE targets SET cloud_id=? WHERE target_ref=?`, *targetCloudID, targetRef.String); err != nil {
			return fmt.Errorf("attach target cloud id: %w", err)
		}
	}
	return tx.Commit()
}

// RecentEventCount counts events of one type for one actor inside the trailing
// window. Backed by the (actor_ref, event_type, created_at) index.
func (s *Store) RecentEventCount(ctx context.Context, actorRef string, eventType domain.EventType, windowSeconds int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	since := s.now().UTC().Add(-time.Duration(windowSeconds) * time.Second).Format(TimeFormat)
	var count int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE actor_ref=? AND event_type=? AND created_at >= ?`,
		actorRef, string(eventType), since).Scan(&count)
	return count, err
}

// LastEventTime returns the time of the actor's most recent event of the given
// type, or nil when the actor has none.
func (s *Store) LastEventTime(ctx context.Context, actorRef string, eventType domain.EventType) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last sql.NullString
	err := s.DB.QueryRowContext(ctx, `SELECT MAX(created_at) FROM events WHERE actor_ref=? AND event_type=?`,
		actorRef, string(eventType)).Scan(&last)
	if err != nil {
		return nil, err
	}
	if !last.Valid {
		return nil, nil
	}
	t, err := time.Parse(TimeFormat, last.String)
	if err != nil {
		return nil, fmt.Errorf("parse event time: %w", err)
	}
	return &t, nil
}

// UpdateTargetStatus sets status and optionally notes. Returns ErrNotFound
// when the target does not exist.
func (s *Store) UpdateTargetStatus(ctx context.Context, ref string, status domain.TargetStatus, notes *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !domain.ValidTargetStatus(status) {
		return fmt.Errorf("invalid target status %q", status)
	}
	now := s.tick().Format(TimeFormat)
	var res sql.Result
	var err error
	if notes != nil {
		res, err = s.DB.ExecContext(ctx, `UPDATE targets SET status=?, notes=?, last_updated=? WHERE target_ref=?`,
			string(status), *notes, now, ref)
	} else {
		res, err = s.DB.ExecContext(ctx, `UPDATE targets SET status=?, last_updated=? WHERE target_ref=?`,
			string(status), now, ref)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTargetContact records discovered contact details for a target. Missing
// targets are ignored: enrichment results for a target deleted in the
// meantime are not an error.
func (s *Store) SetTargetContact(ctx context.Context, ref, email, phone, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.tick().Format(TimeFormat)
	_, err := s.DB.ExecContext(ctx, `UPDATE targets SET email=COALESCE(NULLIF(?,''),email),
    phone=COALESCE(NULLIF(?,''),phone), contact_source=COALESCE(NULLIF(?,''),contact_source), last_updated=?
WHERE target_ref=?`, email, phone, source, now, ref)
	return err
}

// ApplyCloudTargets upserts prospect rows pulled from the cloud store. Cloud
// values win for status, owner and notes; first_contacted keeps its
// earliest-wins semantics.
func (s *Store) ApplyCloudTargets(ctx context.Context, targets []domain.Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(targets) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	fallback := s.tick().Format(TimeFormat)
	for _, t := range targets {
		updated := t.LastUpdated
		if updated == "" {
			updated = fallback
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO targets(target_ref,cloud_id,status,owner_actor_ref,notes,first_contacted,last_updated)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(target_ref) DO UPDATE SET
    cloud_id = COALESCE(excluded.cloud_id, targets.cloud_id),
    status = excluded.status,
    owner_actor_ref = excluded.owner_actor_ref,
    notes = excluded.notes,
    first_contacted = COALESCE(targets.first_contacted, excluded.first_contacted),
    last_updated = excluded.last_updated`,
			t.TargetRef, nullableStringPtr(t.CloudID), string(t.Status), nullable(t.OwnerActorRef),
			nullable(t.Notes), nullable(t.FirstContacted), updated); err != nil {
			return fmt.Errorf("apply cloud target %s: %w", t.TargetRef, err)
		}
	}
	return tx.Commit()
}

// ReplaceRulesCache swaps the full rules cache in one transaction; a partial
// new set is never visible next to old rows.
func (s *Store) ReplaceRulesCache(ctx context.Context, rules []domain.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM rules`); err != nil {
		return err
	}
	for _, r := range rules {
		if _, err := tx.ExecContext(ctx, `INSERT INTO rules(rule_id,type,metric,limit_value,time_window_sec,severity,assigned_operator,assigned_actor,status)
VALUES (?,?,?,?,?,?,?,?,?)`,
			r.RuleID, string(r.Type), r.Metric, r.LimitValue, r.TimeWindowSec, r.Severity,
			nullableStringPtr(r.AssignedOperator), nullableStringPtr(r.AssignedActor), r.Status); err != nil {
			return fmt.Errorf("insert rule %s: %w", r.RuleID, err)
		}
	}
	return tx.Commit()
}

// ReplaceGoalsCache swaps the full goals cache in one transaction.
func (s *Store) ReplaceGoalsCache(ctx context.Context, goals []domain.Goal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM goals`); err != nil {
		return err
	}
	for _, g := range goals {
		if _, err := tx.ExecContext(ctx, `INSERT INTO goals(goal_id,metric,target_value,frequency,assigned_operator,assigned_actor,status)
VALUES (?,?,?,?,?,?,?)`,
			g.GoalID, g.Metric, g.TargetValue, g.Frequency,
			nullableStringPtr(g.AssignedOperator), nullableStringPtr(g.AssignedActor), g.Status); err != nil {
			return fmt.Errorf("insert goal %s: %w", g.GoalID, err)
		}
	}
	return tx.Commit()
}

// ActiveRules returns the cached governance rules with status Active.
func (s *Store) ActiveRules(ctx context.Context) ([]domain.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.DB.QueryContext(ctx, `SELECT rule_id,type,metric,limit_value,time_window_sec,severity,assigned_operator,assigned_actor,status
FROM rules WHERE status='Active' ORDER BY rule_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Rule
	for rows.Next() {
		var r domain.Rule
		var ruleType string
		var op, act sql.NullString
		if err := rows.Scan(&r.RuleID, &ruleType, &r.Metric, &r.LimitValue, &r.TimeWindowSec, &r.Severity, &op, &act, &r.Status); err != nil {
			return nil, err
		}
		r.Type = domain.RuleType(ruleType)
		if op.Valid {
			r.AssignedOperator = &op.String
		}
		if act.Valid {
			r.AssignedActor = &act.String
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

// ListGoals returns the cached goals. Display only.
func (s *Store) ListGoals(ctx context.Context) ([]domain.Goal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.DB.QueryContext(ctx, `SELECT goal_id,metric,target_value,frequency,assigned_operator,assigned_actor,status
FROM goals ORDER BY goal_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Goal
	for rows.Next() {
		var g domain.Goal
		var op, act sql.NullString
		if err := rows.Scan(&g.GoalID, &g.Metric, &g.TargetValue, &g.Frequency, &op, &act, &g.Status); err != nil {
			return nil, err
		}
		if op.Valid {
			g.AssignedOperator = &op.String
		}
		if act.Valid {
			g.AssignedActor = &act.String
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

// SyncCursor returns the last successful pull timestamp, empty when no pull
// has completed yet.
func (s *Store) SyncCursor(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var v string
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM meta WHERE key='last_cloud_sync'`).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

// SetSyncCursor stores the pull cursor.
func (s *Store) SetSyncCursor(ctx context.Context, ts string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.DB.ExecContext(ctx, `INSERT INTO meta(key,value) VALUES ('last_cloud_sync',?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value`, ts)
	return err
}

// RecordAuthAttempt persists one handshake attempt before the response goes
// out on the wire.
func (s *Store) RecordAuthAttempt(ctx context.Context, remoteAddr string, ok bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	okInt := 0
	if ok {
		okInt = 1
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO auth_attempts(remote_addr,ok,attempted_at) VALUES (?,?,?)`,
		remoteAddr, okInt, s.tick().Format(TimeFormat))
	return err
}

// Stats summarizes the ledger for status surfaces.
type Stats struct {
	Events     int    `json:"events"`
	Unsynced   int    `json:"unsynced"`
	Targets    int    `json:"targets"`
	Rules      int    `json:"rules"`
	Goals      int    `json:"goals"`
	SyncCursor string `json:"sync_cursor,omitempty"`
}

func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st Stats
	row := s.DB.QueryRowContext(ctx, `SELECT
    (SELECT COUNT(*) FROM events),
    (SELECT COUNT(*) FROM events WHERE synced=0),
    (SELECT COUNT(*) FROM targets),
    (SELECT COUNT(*) FROM rules),
    (SELECT COUNT(*) FROM goals)`)
	if err := row.Scan(&st.Events, &st.Unsynced, &st.Targets, &st.Rules, &st.Goals); err != nil {
		return st, err
	}
	var cursor string
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM meta WHERE key='last_cloud_sync'`).Scan(&cursor)
	if err != nil && err != sql.ErrNoRows {
		return st, err
	}
	st.SyncCursor = cursor
	return st, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
