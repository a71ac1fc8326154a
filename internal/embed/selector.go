package embed

import (
	"context"
	"sync"
	"time"
)

// Selector defaults.
const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 30 * time.Second

	healthCheckTimeout = 5 * time.Second
)

// ClientHealth is a snapshot of one client's health signal.
type ClientHealth struct {
	Name                string
	ConsecutiveFailures int
	Active              bool
	Reachable           bool // set by CheckHealth only
}

// Selector chooses among configured clients with a primary/fallback relationship.
//
// Each client has a consecutive-failure counter. The active client is the
// primary until its counter reaches the failure threshold; then the next
// client becomes active for the cooldown period. When the cooldown ends the
// primary's IsHealthy check decides: unreachable restarts the cooldown,
// reachable makes the primary active again on probation, where one more
// failure fails over immediately. This is a best-effort breaker: callers must
// still handle failures.
type Selector struct {
	clients   []Client
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu           sync.Mutex
	failures     []int
	active       int
	failedOverAt time.Time
	checking     bool // a cooldown health check is in flight
}

// SelectorOption configures a Selector.
type SelectorOption func(*Selector)

// WithFailureThreshold sets the consecutive failures that trigger failover.
func WithFailureThreshold(n int) SelectorOption {
	return func(s *Selector) {
		if n > 0 {
			s.threshold = n
		}
	}
}

// WithCooldown sets how long the selector stays failed over before probing the primary.
func WithCooldown(d time.Duration) SelectorOption {
	return func(s *Selector) {
		if d > 0 {
			s.cooldown = d
		}
	}
}

// WithClock replaces the time source. Used by tests.
func WithClock(now func() time.Time) SelectorOption {
	return func(s *Selector) {
		s.now = now
	}
}

// NewSelector creates a Selector; clients[0] is the primary.
func NewSelector(clients []Client, opts ...SelectorOption) (*Selector, error) {
	if len(clients) == 0 {
		return nil, ErrNoClients
	}
	s := &Selector{
		clients:   clients,
		threshold: DefaultFailureThreshold,
		cooldown:  DefaultCooldown,
		now:       time.Now,
		failures:  make([]int, len(clients)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Select returns the client that should receive the next call.
func (s *Selector) Select() Client {
	s.mu.Lock()
	if s.active == 0 || s.checking || s.now().Sub(s.failedOverAt) < s.cooldown {
		c := s.clients[s.active]
		s.mu.Unlock()
		return c
	}
	s.checking = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	healthy := s.clients[0].IsHealthy(ctx)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.checking = false

	switch {
	case s.active == 0:
		// Restored by a success while checking
	case !healthy:
		s.failedOverAt = s.now()
	default:
		// Probation: one more failure trips the breaker again.
		s.active = 0
		if s.failures[0] >= s.threshold {
			s.failures[0] = s.threshold - 1
		}
	}
	return s.clients[s.active]
}

// Alternate returns the client to try when current has exhausted its retries,
// or nil if there is no other client.
func (s *Selector) Alternate(current Client) Client {
	if len(s.clients) < 2 {
		return nil
	}
	idx := s.indexOf(current)
	if idx < 0 {
		return s.Select()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != idx {
		return s.clients[s.active]
	}
	return s.clients[(idx+1)%len(s.clients)]
}

// ReportFailure records a failed call against c.
func (s *Selector) ReportFailure(c Client) {
	idx := s.indexOf(c)
	if idx < 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures[idx]++
	if idx == s.active && s.failures[idx] >= s.threshold && len(s.clients) > 1 {
		s.active = (idx + 1) % len(s.clients)
		s.failedOverAt = s.now()
	}
}

// ReportSuccess records a successful call against c.
func (s *Selector) ReportSuccess(c Client) {
	idx := s.indexOf(c)
	if idx < 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures[idx] = 0
	if idx == 0 {
		s.active = 0
	}
}

// Primary returns the first configured client.
func (s *Selector) Primary() Client {
	return s.clients[0]
}

// Client returns the configured client with the given name, or nil.
func (s *Selector) Client(name string) Client {
	for _, c := range s.clients {
		if c.Name() == name {
			return c
		}
	}
	return nil
}

// Clients returns all configured clients in priority order.
func (s *Selector) Clients() []Client {
	return append([]Client(nil), s.clients...)
}

// MaxInputSize returns the smallest input limit across clients, so a unit
// truncated once fits whichever client ends up embedding it.
func (s *Selector) MaxInputSize() int {
	limit := 0
	for _, c := range s.clients {
		if m := c.MaxInputSize(); m > 0 && (limit == 0 || m < limit) {
			limit = m
		}
	}
	return limit
}

// Health returns a snapshot of every client's health signal.
func (s *Selector) Health() []ClientHealth {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ClientHealth, len(s.clients))
	for i, c := range s.clients {
		out[i] = ClientHealth{
			Name:                c.Name(),
			ConsecutiveFailures: s.failures[i],
			Active:              i == s.active,
		}
	}
	return out
}

// CheckHealth returns Health with Reachable filled in from each client's
// IsHealthy check.
func (s *Selector) CheckHealth(ctx context.Context) []ClientHealth {
	out := s.Health()
	for i, c := range s.clients {
		cctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		out[i].Reachable = c.IsHealthy(cctx)
		cancel()
	}
	return out
}

func (s *Selector) indexOf(c Client) int {
	for i, candidate := range s.clients {
		if candidate == c {
			return i
		}
	}
	return -1
}
