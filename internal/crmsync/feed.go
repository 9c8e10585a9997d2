package crmsync

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Outcome is one processed envelope's result, kept for the ops surface.
type Outcome struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	NetworkID string    `json:"networkId,omitempty"`
	EventName string    `json:"eventName,omitempty"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// OutcomeFeed is a bounded ring of recent outcomes plus fan-out to live
// subscribers (the dashboard websocket tail). Slow subscribers drop messages
// rather than block event handling.
type OutcomeFeed struct {
	mu      sync.Mutex
	entries []Outcome
	max     int
	subs    map[chan Outcome]struct{}
}

func NewOutcomeFeed(max int) *OutcomeFeed {
	if max <= 0 {
		max = 200
	}
	return &OutcomeFeed{
		max:  max,
		subs: map[chan Outcome]struct{}{},
	}
}

func (f *OutcomeFeed) Record(outcome Outcome) Outcome {
	if f == nil {
		return outcome
	}
	if outcome.ID == "" {
		outcome.ID = uuid.NewString()
	}
	if outcome.At.IsZero() {
		outcome.At = time.Now().UTC()
	}
	f.mu.Lock()
	f.entries = append(f.entries, outcome)
	if len(f.entries) > f.max {
		f.entries = f.entries[len(f.entries)-f.max:]
	}
	for sub := range f.subs {
		select {
		case sub <- outcome:
		default:
		}
	}
	f.mu.Unlock()
	return outcome
}

// Recent returns up to limit buffered outcomes, newest last. A limit of zero
// or less returns everything buffered.
func (f *OutcomeFeed) Recent(limit int) []Outcome {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := f.entries
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]Outcome, len(entries))
	copy(out, entries)
	return out
}

// Subscribe registers a live tail. The returned cancel func must be called
// exactly once; afterwards the channel is closed.
func (f *OutcomeFeed) Subscribe() (<-chan Outcome, func()) {
	ch := make(chan Outcome, 16)
	if f == nil {
		close(ch)
		return ch, func() {}
	}
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()
	return ch, func() {
		f.mu.Lock()
		if _, ok := f.subs[ch]; ok {
			delete(f.subs, ch)
			close(ch)
		}
		f.mu.Unlock()
	}
}
