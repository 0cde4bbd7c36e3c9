// Package session tracks who the current principal is and whether the
// remote authority is reachable.
//
// The session is a small state machine:
//
//	Guest --SignIn--> Authenticated-Offline --online--> Authenticated-Online
//	  ^                        |                              |
//	  +--------SignOut---------+-------------SignOut----------+
//
// Only Authenticated-Online is sync-eligible. Subscribers receive every
// state transition so the sync engine can drain its queue on reconnect.
package session

import (
	"log"
	"os"
	"sync"
)

// subscriberBuffer is how many transitions a subscriber may fall behind
// before its backlog is collapsed.
const subscriberBuffer = 16

// State is the session state.
type State int

const (
	StateGuest State = iota
	StateOffline
	StateOnline
)

func (s State) String() string {
	switch s {
	case StateGuest:
		return "guest"
	case StateOffline:
		return "authenticated-offline"
	case StateOnline:
		return "authenticated-online"
	}
	return "unknown"
}

// Transition is published whenever the state or principal changes.
type Transition struct {
	From      State
	To        State
	Principal string
}

// Context holds the session. It is safe for concurrent use.
type Context struct {
	mu         sync.RWMutex
	configured bool
	principal  string
	email      string
	online     bool
	subs       map[int]chan Transition
	nextSub    int
	logger     *log.Logger
}

// New returns a guest session. configured reports whether a remote
// authority exists at all; without one the session is never eligible.
//
// If logger is nil, a default logger writing to stderr is used.
func New(configured bool, logger *log.Logger) *Context {
	if logger == nil {
		logger = log.New(os.Stderr, "[session] ", log.LstdFlags)
	}
	return &Context{
		configured: configured,
		subs:       make(map[int]chan Transition),
		logger:     logger,
	}
}

// state computes the current state. Caller must hold mu.
func (c *Context) state() State {
	if c.principal == "" {
		return StateGuest
	}
	if c.online {
		return StateOnline
	}
	return StateOffline
}

// mutate applies fn under the write lock and publishes a transition if the
// state or principal changed. Sends never block: a full subscriber has its
// backlog collapsed into one transition ending in the current state.
func (c *Context) mutate(fn func()) {
	c.mu.Lock()
	from, fromPrincipal := c.state(), c.principal
	fn()
	t := Transition{From: from, To: c.state(), Principal: c.principal}
	changed := t.From != t.To || fromPrincipal != c.principal

	collapsed := 0
	if changed {
		for _, ch := range c.subs {
			if !deliver(ch, t) {
				collapsed++
			}
		}
	}
	c.mu.Unlock()

	if !changed {
		return
	}
	c.logger.Printf("Session %s -> %s", t.From, t.To)
	if collapsed > 0 {
		c.logger.Printf("Collapsed backlog for %d slow subscriber(s)", collapsed)
	}
}

// deliver sends t on ch. If ch is full, the queued transitions are drained
// and replaced by one running from the oldest queued From to t.To, and
// false is returned. Caller must hold mu, so no other send races the drain.
func deliver(ch chan Transition, t Transition) bool {
	select {
	case ch <- t:
		return true
	default:
	}

	merged := t
	for n, drained := 0, false; !drained; n++ {
		select {
		case old := <-ch:
			if n == 0 {
				merged.From = old.From
			}
		default:
			drained = true
		}
	}
	ch <- merged
	return false
}

// SignIn makes principalID the authenticated principal.
func (c *Context) SignIn(principalID, email string) {
	c.mutate(func() {
		c.principal = principalID
		c.email = email
	})
}

// SignOut returns to guest. Queued operations stay on disk, dormant until
// the same principal signs in again.
func (c *Context) SignOut() {
	c.mutate(func() {
		c.principal = ""
		c.email = ""
	})
}

// ContinueAsGuest is SignOut for a session that never signed in.
func (c *Context) ContinueAsGuest() {
	c.SignOut()
}

// SetOnline records a connectivity change.
func (c *Context) SetOnline(online bool) {
	c.mutate(func() {
		c.online = online
	})
}

// SetConfigured records whether a remote authority is configured.
func (c *Context) SetConfigured(configured bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.configured = configured
}

// State returns the current state.
func (c *Context) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state()
}

// IsOnline reports the last known connectivity.
func (c *Context) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

// CurrentPrincipal returns the signed-in principal, or "" for a guest.
func (c *Context) CurrentPrincipal() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.principal
}

// Email returns the signed-in principal's email.
func (c *Context) Email() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.email
}

// IsConfigured reports whether a remote authority is configured.
func (c *Context) IsConfigured() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.configured
}

// IsAuthenticated reports whether a principal is signed in.
func (c *Context) IsAuthenticated() bool {
	return c.CurrentPrincipal() != ""
}

// IsSyncEligible reports configured AND authenticated AND online.
func (c *Context) IsSyncEligible() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.configured && c.principal != "" && c.online
}

// Subscribe returns a channel of transitions and a function that stops the
// subscription and closes the channel.
func (c *Context) Subscribe() (<-chan Transition, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSub
	c.nextSub++
	ch := make(chan Transition, subscriberBuffer)
	c.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.subs, id)
			close(ch)
		})
	}
}
