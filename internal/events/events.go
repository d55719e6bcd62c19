// Package events carries ingestion progress from the loops to the
// surfaces that report it.
package events

import (
	"sort"
	"sync"
	"time"

	"github.com/mfenderov/specialist/pkg/models"
)

// TickCompleteEvent is sent when an ingestion loop finishes a tick.
type TickCompleteEvent struct {
	Origin      models.Origin `json:"origin"`
	Listed      int           `json:"listed"`
	Ingested    int           `json:"ingested"`
	Skipped     int           `json:"skipped"`
	Pruned      int           `json:"pruned"`
	Unavailable bool          `json:"unavailable"`       // listing failed
	Partial     bool          `json:"partial,omitempty"` // listing incomplete, nothing pruned
	Failures    []string      `json:"failures,omitempty"` // source ids deferred to the next tick
	Duration    time.Duration `json:"duration"`
	Timestamp   time.Time     `json:"timestamp"` // when the tick completed
}

// Status keeps the latest tick of every origin. The zero value is not usable;
// call NewStatus.
type Status struct {
	mu   sync.RWMutex
	last map[models.Origin]TickCompleteEvent
	subs []chan<- TickCompleteEvent
}

// NewStatus creates an empty status board.
func NewStatus() *Status {
	return &Status{last: make(map[models.Origin]TickCompleteEvent)}
}

// Record stores e as the latest tick of its origin and forwards it to
// subscribers. Slow subscribers miss events rather than block the loop.
func (s *Status) Record(e TickCompleteEvent) {
	s.mu.Lock()
	s.last[e.Origin] = e
	subs := s.subs
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers ch for future events.
func (s *Status) Subscribe(ch chan<- TickCompleteEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, ch)
}

// Snapshot returns the latest tick of every origin, ordered by origin.
func (s *Status) Snapshot() []TickCompleteEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TickCompleteEvent, 0, len(s.last))
	for _, e := range s.last {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Origin < out[j].Origin })
	return out
}

// Last returns the latest tick of origin.
func (s *Status) Last(origin models.Origin) (TickCompleteEvent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.last[origin]
	return e, ok
}
