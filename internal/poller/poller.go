// Package poller watches asynchronously processed documents until every one
// of them reaches a terminal status. It keeps a local snapshot merged by id
// so callers see stable ordering, and owns the single recurring timer that
// drives background refreshes.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultInterval is the polling cadence when none is configured.
const DefaultInterval = 5 * time.Second

// Status of an asynchronously processed document, as sent on the wire.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether no further transition is expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Resource is one tracked document.
type Resource struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	UploadedAt  time.Time `json:"uploaded_at"`
	ErrorDetail string    `json:"error_message,omitempty"`
}

// Lister fetches the current resource snapshot from the listing service.
type Lister interface {
	ListDocuments(ctx context.Context) ([]Resource, error)
}

// Poller merges listing snapshots and polls while work is outstanding.
// Close must be called when the owning session ends so no timer is orphaned.
type Poller struct {
	lister   Lister
	interval time.Duration

	// OnUpdate, when set before the first Refresh, is invoked with a copy of
	// the snapshot after every successful merge (manual or timed).
	OnUpdate func([]Resource)

	mu        sync.Mutex
	resources []Resource
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a Poller. A non-positive interval falls back to
// DefaultInterval.
func New(lister Lister, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{lister: lister, interval: interval}
}

// Resources returns a copy of the current snapshot.
func (p *Poller) Resources() []Resource {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Resource, len(p.resources))
	copy(out, p.resources)
	return out
}

// Armed reports whether the recurring timer is currently running.
func (p *Poller) Armed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// Refresh fetches a fresh snapshot and merges it into local state: known
// resources are updated in place by id, unknown ones are appended, and
// resources missing from the new snapshot are kept. A failed fetch leaves the
// prior snapshot untouched. When the merged snapshot still holds non-terminal
// resources the timer is (re)armed; otherwise it is stopped.
func (p *Poller) Refresh(ctx context.Context) ([]Resource, error) {
	fresh, err := p.lister.ListDocuments(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("document listing failed, keeping prior snapshot")
		return p.Resources(), err
	}

	p.mu.Lock()
	p.mergeLocked(fresh)
	active := p.anyNonTerminalLocked()
	if active {
		p.armLocked()
	} else {
		p.disarmLocked()
	}
	snapshot := make([]Resource, len(p.resources))
	copy(snapshot, p.resources)
	p.mu.Unlock()

	if p.OnUpdate != nil {
		p.OnUpdate(snapshot)
	}
	return snapshot, nil
}

// Close stops the timer regardless of resource state. Safe to call more than
// once.
func (p *Poller) Close() {
	p.mu.Lock()
	done := p.done
	p.disarmLocked()
	p.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (p *Poller) mergeLocked(fresh []Resource) {
	byID := make(map[string]Resource, len(fresh))
	for _, r := range fresh {
		byID[r.ID] = r
	}

	merged := make([]Resource, 0, len(p.resources)+len(fresh))
	seen := make(map[string]bool, len(p.resources))
	for _, known := range p.resources {
		if updated, ok := byID[known.ID]; ok {
			merged = append(merged, updated)
		} else {
			merged = append(merged, known)
		}
		seen[known.ID] = true
	}
	for _, r := range fresh {
		if !seen[r.ID] {
			merged = append(merged, r)
		}
	}
	p.resources = merged
}

func (p *Poller) anyNonTerminalLocked() bool {
	for _, r := range p.resources {
		if !r.Status.Terminal() {
			return true
		}
	}
	return false
}

// armLocked (re)starts the recurring timer. Any prior timer is cancelled
// first so at most one is ever active.
func (p *Poller) armLocked() {
	p.disarmLocked()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done

	go func() {
		defer close(done)
		defer cancel()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !p.tick(ctx, done) {
					return
				}
			}
		}
	}()
}

// disarmLocked cancels the timer if armed; a no-op otherwise.
func (p *Poller) disarmLocked() {
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
		p.done = nil
	}
}

// tick runs one timed refresh. It returns false when polling should stop
// because every resource is terminal.
func (p *Poller) tick(ctx context.Context, owner chan struct{}) bool {
	fresh, err := p.lister.ListDocuments(ctx)
	if err != nil {
		// Transient failure: keep the snapshot, let the next tick retry.
		log.Debug().Err(err).Msg("poll tick failed, retrying on next interval")
		return true
	}

	p.mu.Lock()
	if p.done != owner {
		// The timer was re-armed or closed while this tick was in flight;
		// its result no longer owns the snapshot.
		p.mu.Unlock()
		return false
	}
	p.mergeLocked(fresh)
	active := p.anyNonTerminalLocked()
	if !active {
		// Detach bookkeeping; the goroutine exits on return.
		p.cancel = nil
		p.done = nil
	}
	snapshot := make([]Resource, len(p.resources))
	copy(snapshot, p.resources)
	p.mu.Unlock()

	if p.OnUpdate != nil {
		p.OnUpdate(snapshot)
	}
	return active
}
