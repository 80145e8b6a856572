// Package state owns the in-memory per-process caches: the processed-event set
// used for webhook deduplication and the per-thread conversation state that
// drives command escalation. All access is keyed by the serialized thread key
// and every mutation is an atomic per-key upsert, so two events racing on the
// same thread cannot lose updates. A process restart drops everything; the
// platform resends events a bounded number of times and command handlers
// tolerate rare duplicates.
package state

import (
	"log/slog"
	"sync"
	"time"
)

// agentModeMaxAge bounds how long a thread stays in agent mode without being
// explicitly deactivated.
const agentModeMaxAge = 24 * time.Hour

// Pending is an escalation offer waiting for the user's yes/no.
type Pending struct {
	Message    string
	ThreadTS   string
	CapturedAt time.Time
}

// Conversation is the full per-thread state. The zero value means "idle".
type Conversation struct {
	Attempts          int
	Pending           *Pending
	AgentModeSince    time.Time
	PreferredProvider string
}

// InAgentMode reports whether the thread has an active agent session.
func (c Conversation) InAgentMode() bool {
	return !c.AgentModeSince.IsZero()
}

func (c Conversation) isIdle() bool {
	return c.Attempts == 0 && c.Pending == nil && c.AgentModeSince.IsZero() && c.PreferredProvider == ""
}

// Store holds the event-dedup set and the conversation state map, and runs the
// single process-wide sweep that expires both. Construct one per process and
// start its sweep from the application lifecycle.
type Store struct {
	logger    *slog.Logger
	retention time.Duration

	mu      sync.Mutex
	events  map[string]time.Time
	threads map[string]Conversation

	stop chan struct{}
	once sync.Once
}

// NewStore creates a state store. retention controls how long processed event
// ids and stale pending escalations are kept.
func NewStore(log *slog.Logger, retention time.Duration) *Store {
	if retention <= 0 {
		retention = time.Hour
	}
	return &Store{
		logger:    log.With(slog.String("service", "state")),
		retention: retention,
		events:    make(map[string]time.Time),
		threads:   make(map[string]Conversation),
		stop:      make(chan struct{}),
	}
}

// MarkEventProcessed records the event id and reports whether this call was
// the first to see it. Check and mark happen under one lock hold, so two
// concurrent deliveries of the same id cannot both observe "new". An empty id
// is never recorded and always reported as new; the platform does not always
// supply one.
func (s *Store) MarkEventProcessed(eventID string) bool {
	if eventID == "" {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.events[eventID]; seen {
		return false
	}
	s.events[eventID] = time.Now()
	return true
}

// Get returns a copy of the conversation state for key.
func (s *Store) Get(key string) Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threads[key]
}

// Update applies fn to the conversation state for key under the store lock,
// creating the entry if absent and deleting it again if fn leaves it idle.
// fn must not block.
func (s *Store) Update(key string, fn func(c *Conversation)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.threads[key]
	fn(&c)
	if c.isIdle() {
		delete(s.threads, key)
		return
	}
	s.threads[key] = c
}

// IncrementAttempts bumps the unmatched-command counter and returns the new value.
func (s *Store) IncrementAttempts(key string) int {
	var attempts int
	s.Update(key, func(c *Conversation) {
		c.Attempts++
		attempts = c.Attempts
	})
	return attempts
}

// ClearThread resets the thread to idle: attempts, pending escalation, agent
// mode, and provider preference all go away.
func (s *Store) ClearThread(key string) {
	s.Update(key, func(c *Conversation) {
		*c = Conversation{}
	})
}

// PreferredProvider returns the backend that last answered for the thread, or "".
func (s *Store) PreferredProvider(key string) string {
	return s.Get(key).PreferredProvider
}

// SetPreferredProvider records the backend that just answered for the thread.
func (s *Store) SetPreferredProvider(key, name string) {
	s.Update(key, func(c *Conversation) {
		c.PreferredProvider = name
	})
}

// ClearPreferredProvider drops the thread's backend preference.
func (s *Store) ClearPreferredProvider(key string) {
	s.Update(key, func(c *Conversation) {
		c.PreferredProvider = ""
	})
}

// StartSweep launches the periodic cleanup loop. It runs until StopSweep.
func (s *Store) StartSweep(interval time.Duration) {
	if interval <= 0 {
		interval = s.retention
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Sweep(time.Now())
			case <-s.stop:
				return
			}
		}
	}()
}

// StopSweep terminates the cleanup loop.
func (s *Store) StopSweep() {
	s.once.Do(func() { close(s.stop) })
}

// Sweep removes processed events older than the retention window, clears
// pending escalations past the window, and drops agent-mode threads older
// than a day. Exposed for tests; the sweep loop calls it on its interval.
func (s *Store) Sweep(now time.Time) {
	cutoff := now.Add(-s.retention)

	s.mu.Lock()
	var events, pendings, agents int
	for id, seen := range s.events {
		if seen.Before(cutoff) {
			delete(s.events, id)
			events++
		}
	}
	for key, c := range s.threads {
		if !c.AgentModeSince.IsZero() && c.AgentModeSince.Before(now.Add(-agentModeMaxAge)) {
			delete(s.threads, key)
			agents++
			continue
		}
		if c.Pending != nil && c.Pending.CapturedAt.Before(cutoff) {
			c.Pending = nil
			c.Attempts = 0
			pendings++
			if c.isIdle() {
				delete(s.threads, key)
			} else {
				s.threads[key] = c
			}
		}
	}
	s.mu.Unlock()

	if events > 0 || pendings > 0 || agents > 0 {
		s.logger.Info("cache sweep",
			slog.Int("events_removed", events),
			slog.Int("pending_cleared", pendings),
			slog.Int("agent_threads_removed", agents),
		)
	}
}
