package pbx

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// extensionBase is added to a TU's slot index to produce its extension
// number. The original C implementation used the connection's own file
// descriptor as its extension, so the first two clients (after stdin,
// stdout, stderr, and the listening socket) landed on 4 and 5. Go doesn't
// expose a portable raw fd for a net.Conn, so we reproduce the same
// *observable* numbering — first connection gets 4, second gets 5, and so
// on — without depending on descriptor allocation order.
const extensionBase = 4

// ExtensionStatus is a point-in-time, detached snapshot of one registered
// TU, safe to read after the registry lock that produced it is released.
type ExtensionStatus struct {
	Extension     int
	State         string
	PeerExtension int // 0 when unpaired
}

// Counters holds the registry's cumulative, scrape-friendly counters.
type Counters struct {
	DialsRingBack       uint64
	DialsBusy           uint64
	DialsErrored        uint64
	ChatMessages        uint64
	RejectedFull        uint64
	RejectedRateLimited uint64
}

// Registry is the bounded table of active telephone units, keyed by
// extension. The registry lock is the outer lock in this program: any code
// path that needs both the registry lock and a TU lock always acquires the
// registry lock first. Register, Unregister and Snapshot take TU locks while
// holding it; Dial releases it before running the TU-level dial transition.
type Registry struct {
	mu     sync.Mutex
	slots  []*TU
	logger *slog.Logger
	wg     sync.WaitGroup

	dialsRingBack atomic.Uint64
	dialsBusy     atomic.Uint64
	dialsErrored  atomic.Uint64
	chatMessages  atomic.Uint64
	rejectedFull  atomic.Uint64
	rejectedRate  atomic.Uint64
}

// NewRegistry creates a registry with room for capacity simultaneous
// extensions.
func NewRegistry(capacity int, logger *slog.Logger) *Registry {
	return &Registry{
		slots:  make([]*TU, capacity),
		logger: logger.With("component", "registry"),
	}
}

// Cap returns the registry's total extension capacity.
func (r *Registry) Cap() int {
	return len(r.slots)
}

// Len returns the number of currently registered extensions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, slot := range r.slots {
		if slot != nil {
			n++
		}
	}
	return n
}

// Register installs tu in the first free slot, assigns its extension, and
// writes the initial ON_HOOK notification. Returns ErrExtensionFull if the
// registry has no free slots.
func (r *Registry) Register(tu *TU) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, slot := range r.slots {
		if slot != nil {
			continue
		}
		ext := extensionBase + i
		r.slots[i] = tu

		tu.mu.Lock()
		tu.extension = ext
		tu.state = OnHook
		tu.refcount++
		tu.writeLocked(tu.render())
		tu.mu.Unlock()

		r.logger.Debug("registered extension", "extension", ext)
		return ext, nil
	}
	r.rejectedFull.Add(1)
	return 0, ErrExtensionFull
}

// Unregister removes tu from the registry, forcing a hangup transition
// first so any live peer pairing is cleanly dissolved, then releases the
// registration's own reference.
func (r *Registry) Unregister(tu *TU) error {
	r.mu.Lock()
	idx := -1
	for i, slot := range r.slots {
		if slot == tu {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return ErrNotFound
	}
	tu.Hangup()
	r.slots[idx] = nil
	r.mu.Unlock()

	r.logger.Debug("unregistered extension", "extension", tu.Extension())
	tu.unref()
	return nil
}

// Dial resolves ext to a target TU (if hasExt is false, the caller's
// argument failed to parse and the dial proceeds with no target) and
// invokes the TU-level dial transition. Returns ErrNotRegistered if from
// is no longer a member of the registry.
func (r *Registry) Dial(from *TU, ext int, hasExt bool) error {
	r.mu.Lock()
	registered := false
	var target *TU
	for _, slot := range r.slots {
		if slot == nil {
			continue
		}
		if slot == from {
			registered = true
		}
		if hasExt && slot.Extension() == ext {
			target = slot
		}
	}
	r.mu.Unlock()

	if !registered {
		return ErrNotRegistered
	}

	switch from.dial(target) {
	case dialRingBack:
		r.dialsRingBack.Add(1)
	case dialBusy:
		r.dialsBusy.Add(1)
	case dialErrored:
		r.dialsErrored.Add(1)
	}
	return nil
}

// RecordChat increments the chat-message counter. Call with sent=true only
// when TU.Chat actually delivered a message.
func (r *Registry) RecordChat(sent bool) {
	if sent {
		r.chatMessages.Add(1)
	}
}

// RecordRejection increments a connection-rejected counter. reason is
// either "registry_full" or "rate_limited".
func (r *Registry) RecordRejection(reason string) {
	switch reason {
	case "registry_full":
		r.rejectedFull.Add(1)
	case "rate_limited":
		r.rejectedRate.Add(1)
	}
}

// Counters returns a snapshot of the registry's cumulative counters.
func (r *Registry) Counters() Counters {
	return Counters{
		DialsRingBack:       r.dialsRingBack.Load(),
		DialsBusy:           r.dialsBusy.Load(),
		DialsErrored:        r.dialsErrored.Load(),
		ChatMessages:        r.chatMessages.Load(),
		RejectedFull:        r.rejectedFull.Load(),
		RejectedRateLimited: r.rejectedRate.Load(),
	}
}

// Snapshot returns a detached copy of every registered extension's status,
// safe to read after the registry lock is released.
func (r *Registry) Snapshot() []ExtensionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ExtensionStatus, 0, len(r.slots))
	for _, slot := range r.slots {
		if slot == nil {
			continue
		}
		slot.mu.Lock()
		status := ExtensionStatus{
			Extension: slot.extension,
			State:     slot.state.String(),
		}
		if slot.peer != nil {
			status.PeerExtension = slot.peer.extension
		}
		slot.mu.Unlock()
		out = append(out, status)
	}
	return out
}

// BeginConnection registers one in-flight connection goroutine with the
// registry's shutdown WaitGroup. The returned func must be called exactly
// once, when that goroutine exits, typically via defer.
func (r *Registry) BeginConnection() func() {
	r.wg.Add(1)
	return r.wg.Done
}

// Shutdown forces EOF on every registered TU's socket, then waits for every
// connection goroutine registered via BeginConnection to exit, or for ctx
// to be done, whichever happens first. This replaces the original's
// zero-duration busy-poll loop with a condition the runtime can actually
// block on.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	live := make([]*TU, 0, len(r.slots))
	for _, slot := range r.slots {
		if slot != nil {
			live = append(live, slot)
		}
	}
	r.mu.Unlock()

	for _, tu := range live {
		tu.forceEOF()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
