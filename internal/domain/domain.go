package domain

// EventType classifies a ledger entry.
type EventType string

const (
	EventOutreach        EventType = "Outreach"
	EventStatusChange    EventType = "StatusChange"
	EventExceptionToggle EventType = "ExceptionToggle"
	EventSystem          EventType = "System"
)

// ValidEventType reports whether t is one of the closed set of event types.
func ValidEventType(t EventType) bool {
	switch t {
	case EventOutreach, EventStatusChange, EventExceptionToggle, EventSystem:
		return true
	}
	return false
}

// TargetStatus is the CRM state of a prospect.
type TargetStatus string

const (
	StatusNew           TargetStatus = "New"
	StatusContacted     TargetStatus = "Contacted"
	StatusReplied       TargetStatus = "Replied"
	StatusBooked        TargetStatus = "Booked"
	StatusNotInterested TargetStatus = "NotInterested"
	StatusExcluded      TargetStatus = "Excluded"
	StatusPaid          TargetStatus = "Paid"
	StatusClient        TargetStatus = "Client"
)

// ValidTargetStatus reports whether s is a known prospect status.
func ValidTargetStatus(s TargetStatus) bool {
	switch s {
	case StatusNew, StatusContacted, StatusReplied, StatusBooked,
		StatusNotInterested, StatusExcluded, StatusPaid, StatusClient:
		return true
	}
	return false
}

// Protected reports whether outreach message content must be withheld for a
// target in this status.
func (s TargetStatus) Protected() bool {
	switch s {
	case StatusExcluded, StatusPaid, StatusClient:
		return true
	}
	return false
}

// Event is an immutable ledger fact. Only CloudID and Synced change after
// insert, and only once the cloud store accepts the event.
type Event struct {
	LocalID     int64     `json:"local_id"`
	CloudID     *string   `json:"cloud_id,omitempty"`
	Type        EventType `json:"event_type"`
	ActorRef    string    `json:"actor_ref"`
	OperatorRef string    `json:"operator_ref"`
	TargetRef   *string   `json:"target_ref,omitempty"`
	Details     string    `json:"details,omitempty"`
	CreatedAt   string    `json:"created_at" format:"date-time"`
	Synced      bool      `json:"synced"`
}

// OutreachMessage is the optional child of an Outreach event. MessageText is
// nil when the target's status is protected at log time.
type OutreachMessage struct {
	EventID     int64   `json:"event_id"`
	MessageText *string `json:"message_text,omitempty"`
	SentAt      string  `json:"sent_at" format:"date-time"`
}

// Target is the mutable prospect projection keyed by username.
type Target struct {
	TargetRef      string       `json:"target_ref"`
	CloudID        *string      `json:"cloud_id,omitempty"`
	Status         TargetStatus `json:"status"`
	OwnerActorRef  string       `json:"owner_actor_ref,omitempty"`
	Notes          string       `json:"notes,omitempty"`
	Email          string       `json:"email,omitempty"`
	Phone          string       `json:"phone,omitempty"`
	ContactSource  string       `json:"contact_source,omitempty"`
	FirstContacted string       `json:"first_contacted,omitempty" format:"date-time"`
	LastUpdated    string       `json:"last_updated" format:"date-time"`
}

// RuleType selects the check a governance rule performs.
type RuleType string

const (
	RuleFrequencyCap    RuleType = "FrequencyCap"
	RuleIntervalSpacing RuleType = "IntervalSpacing"
)

// Rule is a governance record pulled from the cloud store. Read-only locally;
// the cache is replaced wholesale on every successful pull.
type Rule struct {
	RuleID           string   `json:"rule_id"`
	Type             RuleType `json:"type"`
	Metric           string   `json:"metric"`
	LimitValue       int      `json:"limit_value"`
	TimeWindowSec    int      `json:"time_window_sec"`
	Severity         string   `json:"severity"`
	AssignedOperator *string  `json:"assigned_operator,omitempty"`
	AssignedActor    *string  `json:"assigned_actor,omitempty"`
	Status           string   `json:"status"`
}

// Goal mirrors Rule's cache lifecycle but is display-only; the core never
// evaluates goals.
type Goal struct {
	GoalID           string  `json:"goal_id"`
	Metric           string  `json:"metric"`
	TargetValue      int     `json:"target_value"`
	Frequency        string  `json:"frequency"`
	AssignedOperator *string `json:"assigned_operator,omitempty"`
	AssignedActor    *string `json:"assigned_actor,omitempty"`
	Status           string  `json:"status"`
}
