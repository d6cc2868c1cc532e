package verification

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"verigate/internal/domain"
)

// Refresher is the poller's view of the coordinator.
type Refresher interface {
	Refresh(ctx context.Context, subjectID string) (domain.VerificationState, error)
}

// Poller drives periodic status refreshes while a subject has the
// verification step open. Its lifetime is bound to the UI surface: the
// transport starts it when the step mounts and stops it when the step
// unmounts, so no polling survives the page.
type Poller struct {
	refresher  Refresher
	interval   time.Duration
	stallAfter int
	onStalled  func(subjectID string)
	log        *slog.Logger

	mu      sync.Mutex
	handles map[string]*PollHandle
}

// NewPoller builds a poller. onStalled may be nil; stallAfter <= 0 disables
// stall detection.
func NewPoller(refresher Refresher, interval time.Duration, stallAfter int, onStalled func(subjectID string), log *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Poller{
		refresher:  refresher,
		interval:   interval,
		stallAfter: stallAfter,
		onStalled:  onStalled,
		log:        log,
		handles:    map[string]*PollHandle{},
	}
}

// PollHandle is the cancellation handle for one subject's poll loop.
type PollHandle struct {
	subjectID string
	cancel    context.CancelFunc
	first     chan struct{}
	firstOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

// Start begins polling for the subject and returns its handle. Starting an
// already-polled subject returns the existing handle; no second loop spawns.
func (p *Poller) Start(subjectID string) *PollHandle {
	p.mu.Lock()
	if handle, ok := p.handles[subjectID]; ok {
		p.mu.Unlock()
		return handle
	}
	ctx, cancel := context.WithCancel(context.Background())
	handle := &PollHandle{
		subjectID: subjectID,
		cancel:    cancel,
		first:     make(chan struct{}),
		done:      make(chan struct{}),
	}
	p.handles[subjectID] = handle
	p.mu.Unlock()

	go p.run(ctx, handle)
	return handle
}

// Stop ends the subject's poll loop if one is active. Multi-call safe.
func (p *Poller) Stop(subjectID string) {
	p.mu.Lock()
	handle, ok := p.handles[subjectID]
	p.mu.Unlock()
	if ok {
		handle.Stop()
	}
}

func (p *Poller) run(ctx context.Context, handle *PollHandle) {
	defer close(handle.done)
	defer func() {
		p.mu.Lock()
		delete(p.handles, handle.subjectID)
		p.mu.Unlock()
	}()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	stale := 0
	p.refreshAndTrack(ctx, handle, &stale)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.refreshAndTrack(ctx, handle, &stale)
		}
	}
}

func (p *Poller) refreshAndTrack(ctx context.Context, handle *PollHandle, stale *int) {
	state, err := p.refresher.Refresh(ctx, handle.subjectID)
	handle.firstOnce.Do(func() { close(handle.first) })
	if err != nil {
		p.log.Warn("status refresh failed", "subject_id", handle.subjectID, "error", err)
	}

	if state.KYCStatus == domain.TrackPending || state.LivenessStatus == domain.TrackPending {
		*stale++
	} else {
		*stale = 0
	}
	if p.stallAfter > 0 && *stale >= p.stallAfter {
		pollingStalledTotal.Inc()
		p.log.Warn("verification polling stalled", "subject_id", handle.subjectID, "refreshes", *stale)
		if p.onStalled != nil {
			p.onStalled(handle.subjectID)
		}
		// Soft warning only: reset the window and keep polling.
		*stale = 0
	}
}

// Stop cancels the poll loop and waits for it to wind down. Multi-call safe.
func (h *PollHandle) Stop() {
	h.stopOnce.Do(func() {
		h.cancel()
	})
	<-h.done
}

// AwaitFirstRefresh blocks until the loop's first refresh has completed, so a
// return_url re-entry evaluates continue conditions against fresh state.
func (h *PollHandle) AwaitFirstRefresh(ctx context.Context) error {
	select {
	case <-h.first:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
