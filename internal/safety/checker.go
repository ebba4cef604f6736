package safety

import (
	"context"
	"fmt"
	"strings"
	"time"

	"leadline/internal/domain"
)

// Severity grades an evaluation outcome.
type Severity string

const (
	SeverityPass  Severity = "Pass"
	SeverityWarn  Severity = "Warn"
	SeverityBlock Severity = "Block"
)

// Result is the outcome of one rule evaluation pass.
type Result struct {
	Allowed  bool     `json:"allowed"`
	Severity Severity `json:"severity"`
	Reason   string   `json:"reason,omitempty"`
}

// Ledger is the slice of the event store the checker reads. Both primitives
// run as indexed range scans.
type Ledger interface {
	ActiveRules(ctx context.Context) ([]domain.Rule, error)
	RecentEventCount(ctx context.Context, actorRef string, eventType domain.EventType, windowSeconds int) (int, error)
	LastEventTime(ctx context.Context, actorRef string, eventType domain.EventType) (*time.Time, error)
}

// Checker evaluates governance rules against the local ledger. Evaluate is
// read-only: two calls against an unmodified store return identical results.
type Checker struct {
	Ledger Ledger
	Now    func() time.Time
}

func New(ledger Ledger) *Checker {
	return &Checker{Ledger: ledger, Now: time.Now}
}

// Evaluate runs every in-scope active rule for the actor and joins the
// violation messages. Current policy grades all violations Warn and never
// withholds permission; flipping a rule class to Block is a policy change
// inside this function, not an API change.
func (c *Checker) Evaluate(ctx context.Context, actorRef, operatorRef string, eventType domain.EventType) (Result, error) {
	rules, err := c.Ledger.ActiveRules(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load rules: %w", err)
	}

	var violations []string
	for _, rule := range rules {
		if !ruleInScope(rule, actorRef, operatorRef) {
			continue
		}
		if !metricApplies(rule.Metric, eventType) {
			continue
		}
		msg, err := c.checkRule(ctx, rule, actorRef, eventType)
		if err != nil {
			return Result{}, err
		}
		if msg != "" {
			violations = append(violations, msg)
		}
	}

	if len(violations) == 0 {
		return Result{Allowed: true, Severity: SeverityPass}, nil
	}
	return Result{
		Allowed:  true,
		Severity: SeverityWarn,
		Reason:   strings.Join(violations, " | "),
	}, nil
}

func (c *Checker) checkRule(ctx context.Context, rule domain.Rule, actorRef string, eventType domain.EventType) (string, error) {
	switch rule.Type {
	case domain.RuleFrequencyCap:
		count, err := c.Ledger.RecentEventCount(ctx, actorRef, eventType, rule.TimeWindowSec)
		if err != nil {
			return "", fmt.Errorf("rule %s: %w", rule.RuleID, err)
		}
		if count >= rule.LimitValue {
			return fmt.Sprintf("Frequency Cap: %d/%d messages in %ds", count, rule.LimitValue, rule.TimeWindowSec), nil
		}
	case domain.RuleIntervalSpacing:
		last, err := c.Ledger.LastEventTime(ctx, actorRef, eventType)
		if err != nil {
			return "", fmt.Errorf("rule %s: %w", rule.RuleID, err)
		}
		if last == nil {
			return "", nil
		}
		elapsed := int(c.Now().UTC().Sub(*last).Seconds())
		if elapsed < rule.LimitValue {
			return fmt.Sprintf("Interval Spacing: Must wait %ds", rule.LimitValue-elapsed), nil
		}
	}
	return "", nil
}

// ruleInScope keeps global rules plus rules pinned to this operator or actor.
func ruleInScope(rule domain.Rule, actorRef, operatorRef string) bool {
	if rule.AssignedOperator != nil && *rule.AssignedOperator != operatorRef {
		return false
	}
	if rule.AssignedActor != nil && *rule.AssignedActor != actorRef {
		return false
	}
	return true
}

// metricApplies ties a rule's metric label to an event type. Only outreach
// volume metrics exist today.
func metricApplies(metric string, eventType domain.EventType) bool {
	if eventType != domain.EventOutreach {
		return false
	}
	return strings.Contains(metric, "Messages") || strings.Contains(metric, "Outreach")
}
