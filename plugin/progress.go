package plugin

import (
	"sync"
	"time"
)

// NopSink discards progress events.
type NopSink struct{}

// Publish implements ProgressSink.
func (NopSink) Publish(Progress) {}

// MemorySink keeps the latest progress event per plugin id for the UI to
// poll. Terminal events are cleared after a grace period; progress is
// never persisted.
type MemorySink struct {
	mu         sync.Mutex
	latest     map[string]Progress
	clearAfter time.Duration
	timers     map[string]*time.Timer
}

// NewMemorySink creates a sink that clears terminal events after
// clearAfter. A zero duration keeps terminal events until overwritten.
func NewMemorySink(clearAfter time.Duration) *MemorySink {
	return &MemorySink{
		latest:     make(map[string]Progress),
		clearAfter: clearAfter,
		timers:     make(map[string]*time.Timer),
	}
}

// Publish implements ProgressSink.
func (s *MemorySink) Publish(p Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.latest[p.PluginID] = p

	if t, ok := s.timers[p.PluginID]; ok {
		t.Stop()
		delete(s.timers, p.PluginID)
	}

	if p.Terminal() && s.clearAfter > 0 {
		opID := p.OperationID
		pluginID := p.PluginID
		s.timers[pluginID] = time.AfterFunc(s.clearAfter, func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			// Only clear if no newer operation took over
			if cur, ok := s.latest[pluginID]; ok && cur.OperationID == opID {
				delete(s.latest, pluginID)
				delete(s.timers, pluginID)
			}
		})
	}
}

// Latest returns the most recent event for a plugin, if any.
func (s *MemorySink) Latest(pluginID string) (Progress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.latest[pluginID]
	return p, ok
}
