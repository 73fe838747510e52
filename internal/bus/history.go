package bus

import (
	"time"

	"github.com/livesync-io/livesync/pkg/types"
)

// ring is a bounded buffer of delivered events, oldest evicted first.
type ring struct {
	buf  []*types.LiveEvent
	max  int
	next int
	full bool
}

func newRing(max int) *ring {
	if max <= 0 {
		max = 1
	}
	return &ring{buf: make([]*types.LiveEvent, max), max: max}
}

func (r *ring) add(ev *types.LiveEvent) {
	r.buf[r.next] = ev
	r.next = (r.next + 1) % r.max
	if r.next == 0 {
		r.full = true
	}
}

// items returns events oldest first.
func (r *ring) items() []*types.LiveEvent {
	var out []*types.LiveEvent
	if r.full {
		out = append(out, r.buf[r.next:]...)
	}
	out = append(out, r.buf[:r.next]...)
	return out
}

// HistoryFilter narrows GetHistory results. Zero fields are ignored.
type HistoryFilter struct {
	Type     string
	SourceID string
	Since    time.Time
	Limit    int
}

// GetHistory returns recent delivered events, oldest first.
func (b *Bus) GetHistory(filter HistoryFilter) []*types.LiveEvent {
	b.mu.RLock()
	items := b.history.items()
	b.mu.RUnlock()

	var out []*types.LiveEvent
	for _, ev := range items {
		if ev == nil {
			continue
		}
		if filter.Type != "" && ev.Type != filter.Type {
			continue
		}
		if filter.SourceID != "" && ev.SourceID != filter.SourceID {
			continue
		}
		if !filter.Since.IsZero() && ev.Timestamp.Before(filter.Since) {
			continue
		}
		out = append(out, ev)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out
}

// ReplayOptions tunes Replay.
type ReplayOptions struct {
	// Delay waits between re-emissions.
	Delay time.Duration
	// SkipHandled leaves out events already marked handled.
	SkipHandled bool
}

// Replay re-emits copies of the given events tagged as replays. History is
// not mutated; each copy gets a fresh ID and freshly resolved targets.
// Returns the new event IDs.
func (b *Bus) Replay(events []*types.LiveEvent, opts ReplayOptions) []string {
	var ids []string
	for i, ev := range events {
		if opts.SkipHandled && ev.Handled {
			continue
		}
		if opts.Delay > 0 && i > 0 {
			b.pause(opts.Delay)
		}
		id, err := b.emit(ev.SourceID, ev.Type, ev.Data, ev.Scope, ev.Priority, true)
		if err != nil {
			b.log.Warn().Err(err).Str("originalId", ev.ID).Msg("replay emit failed")
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// pause waits one interval on the injected clock.
func (b *Bus) pause(d time.Duration) {
	timer := b.clock.NewTicker(d)
	defer timer.Stop()
	<-timer.C()
}
