package server

import (
	"sync"
	"time"
)

// ActorLease is how long an actor counts as active after its last request.
const ActorLease = 5 * time.Minute

// Liveness remembers the most recently seen actor. The sync engine reads it
// to decide whether an actor heartbeat should accompany the operator's.
type Liveness struct {
	Now func() time.Time

	mu    sync.Mutex
	actor string
	seen  time.Time
}

func NewLiveness() *Liveness {
	return &Liveness{Now: time.Now}
}

// Touch records activity for actor.
func (l *Liveness) Touch(actor string) {
	if actor == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.actor = actor
	l.seen = l.Now()
}

// ActiveActor returns the last touched actor if it was seen within the lease.
func (l *Liveness) ActiveActor() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.actor == "" || l.Now().Sub(l.seen) > ActorLease {
		return "", false
	}
	return l.actor, true
}
