package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"transcript-relay-service/internal/models"
	"transcript-relay-service/internal/observability/logging"
	"transcript-relay-service/internal/store"
)

// Store persists call rows. Implemented by store.CallStore.
type Store interface {
	UpsertCall(ctx context.Context, c models.Call) error
	GetCall(ctx context.Context, id string) (models.Call, error)
	UpdateLastSeq(ctx context.Context, id string, seq int64) error
	ListByState(ctx context.Context, states ...models.CallState) ([]models.Call, error)
}

// IdleFunc is invoked after the sweeper ended an idle call.
type IdleFunc func(ctx context.Context, c models.Call)

type entry struct {
	lc        *Lifecycle
	tenantID  string
	startedAt time.Time

	mu      sync.Mutex
	endedAt time.Time

	lastSeq      atomic.Int64
	lastActivity atomic.Int64 // unix nanos
}

func (e *entry) snapshot() models.Call {
	e.mu.Lock()
	ended := e.endedAt
	e.mu.Unlock()
	return models.Call{
		ID:           e.lc.CallID(),
		TenantID:     e.tenantID,
		State:        e.lc.State(),
		StartedAt:    e.startedAt,
		EndedAt:      ended,
		LastSeq:      e.lastSeq.Load(),
		LastActivity: time.Unix(0, e.lastActivity.Load()).UTC(),
	}
}

// Registry is the set of known calls. The map lock is only held for
// lookup and insertion; per-call state lives behind each Lifecycle.
type Registry struct {
	mu    sync.RWMutex
	calls map[string]*entry

	store       Store
	idleTimeout time.Duration
	onIdle      IdleFunc
	now         func() time.Time
	log         zerolog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithStore persists calls through s.
func WithStore(s Store) Option {
	return func(r *Registry) { r.store = s }
}

// WithIdleTimeout ends calls without activity for d. Zero disables sweeping.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Registry) { r.idleTimeout = d }
}

// WithOnIdle registers the hook run after an idle call was ended.
func WithOnIdle(fn IdleFunc) Option {
	return func(r *Registry) { r.onIdle = fn }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		calls: make(map[string]*entry),
		now:   time.Now,
		log:   logging.WithComponent("call-registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Restore loads calls that were ACTIVE or ENDED when the process stopped.
func (r *Registry) Restore(ctx context.Context) ([]models.Call, error) {
	if r.store == nil {
		return nil, nil
	}
	calls, err := r.store.ListByState(ctx, models.CallCreated, models.CallActive, models.CallEnded)
	if err != nil {
		return nil, fmt.Errorf("restore calls: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range calls {
		r.calls[c.ID] = r.newEntry(c)
	}
	r.log.Info().Int("calls", len(calls)).Msg("call registry restored")
	return calls, nil
}

func (r *Registry) newEntry(c models.Call) *entry {
	e := &entry{
		lc:        restoreLifecycle(c.ID, c.State),
		tenantID:  c.TenantID,
		startedAt: c.StartedAt,
		endedAt:   c.EndedAt,
	}
	e.lastSeq.Store(c.LastSeq)
	activity := c.LastActivity
	if activity.IsZero() {
		activity = r.now()
	}
	e.lastActivity.Store(activity.UnixNano())
	return e
}

// Activate returns the call, creating and activating it on first use.
// The boolean reports whether this call created the entry.
// Calls that ended or were purged reject new activity with ErrCallEnded.
func (r *Registry) Activate(ctx context.Context, callID, tenantID string) (models.Call, bool, error) {
	e, created, err := r.lookupOrCreate(ctx, callID, tenantID)
	if err != nil {
		return models.Call{}, false, err
	}
	wasActive := e.lc.State() == models.CallActive
	if err := e.lc.Activate(); err != nil {
		return models.Call{}, false, err
	}
	e.lastActivity.Store(r.now().UnixNano())

	c := e.snapshot()
	if !wasActive && r.store != nil {
		if err := r.store.UpsertCall(ctx, c); err != nil {
			r.log.Warn().Err(err).Str("callId", callID).Msg("failed to persist call")
		}
	}
	if created {
		r.log.Info().Str("callId", callID).Str("tenantId", tenantID).Msg("call activated")
	}
	return c, created, nil
}

func (r *Registry) lookupOrCreate(ctx context.Context, callID, tenantID string) (*entry, bool, error) {
	r.mu.RLock()
	e, ok := r.calls[callID]
	r.mu.RUnlock()
	if ok {
		return e, false, nil
	}

	// A call missing from memory may still be known to the store, for
	// example a purged one. Those ids are never reused.
	var persisted *models.Call
	if r.store != nil {
		c, err := r.store.GetCall(ctx, callID)
		switch {
		case err == nil:
			if c.State == models.CallEnded || c.State.IsTerminal() {
				return nil, false, ErrCallEnded
			}
			persisted = &c
		case errors.Is(err, store.ErrCallNotFound):
		default:
			r.log.Warn().Err(err).Str("callId", callID).Msg("call lookup failed, continuing in memory")
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.calls[callID]; ok {
		return e, false, nil
	}
	if persisted != nil {
		e = r.newEntry(*persisted)
	} else {
		e = r.newEntry(models.Call{
			ID:        callID,
			TenantID:  tenantID,
			State:     models.CallCreated,
			StartedAt: r.now().UTC(),
		})
	}
	r.calls[callID] = e
	return e, true, nil
}

// Touch records activity and the latest published seq of a call.
func (r *Registry) Touch(ctx context.Context, callID string, seq int64) {
	r.mu.RLock()
	e, ok := r.calls[callID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	e.lastActivity.Store(r.now().UnixNano())
	for {
		cur := e.lastSeq.Load()
		if seq <= cur || e.lastSeq.CompareAndSwap(cur, seq) {
			break
		}
	}
	if r.store != nil && seq > 0 {
		if err := r.store.UpdateLastSeq(ctx, callID, seq); err != nil {
			r.log.Warn().Err(err).Str("callId", callID).Int64("seq", seq).Msg("failed to persist last seq")
		}
	}
}

// AcceptsSegments reports whether new segments may be published for callID.
// Unknown calls are accepted; they are created on first publish.
func (r *Registry) AcceptsSegments(callID string) bool {
	r.mu.RLock()
	e, ok := r.calls[callID]
	r.mu.RUnlock()
	return !ok || e.lc.AcceptsSegments()
}

// End moves a call to ENDED. Returns false if it was already ended or unknown.
func (r *Registry) End(ctx context.Context, callID string) bool {
	r.mu.RLock()
	e, ok := r.calls[callID]
	r.mu.RUnlock()
	if !ok || !e.lc.End() {
		return false
	}
	e.mu.Lock()
	e.endedAt = r.now().UTC()
	e.mu.Unlock()

	r.persist(ctx, e)
	r.log.Info().Str("callId", callID).Msg("call ended")
	return true
}

// Purge marks the call PURGED and drops it from memory.
func (r *Registry) Purge(ctx context.Context, callID string) bool {
	r.mu.Lock()
	e, ok := r.calls[callID]
	if ok {
		delete(r.calls, callID)
	}
	r.mu.Unlock()
	if !ok || !e.lc.Purge() {
		return false
	}
	e.mu.Lock()
	if e.endedAt.IsZero() {
		e.endedAt = r.now().UTC()
	}
	e.mu.Unlock()

	r.persist(ctx, e)
	r.log.Info().Str("callId", callID).Msg("call purged")
	return true
}

func (r *Registry) persist(ctx context.Context, e *entry) {
	if r.store == nil {
		return
	}
	c := e.snapshot()
	if err := r.store.UpsertCall(ctx, c); err != nil {
		r.log.Warn().Err(err).Str("callId", c.ID).Str("state", c.State.String()).Msg("failed to persist call")
	}
}

// Get returns a snapshot of one call.
func (r *Registry) Get(callID string) (models.Call, bool) {
	r.mu.RLock()
	e, ok := r.calls[callID]
	r.mu.RUnlock()
	if !ok {
		return models.Call{}, false
	}
	return e.snapshot(), true
}

// Active returns the calls that are CREATED or ACTIVE.
func (r *Registry) Active() []models.Call {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.calls))
	for _, e := range r.calls {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]models.Call, 0, len(entries))
	for _, e := range entries {
		if e.lc.AcceptsSegments() {
			out = append(out, e.snapshot())
		}
	}
	return out
}

// Count returns the number of calls held in memory.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls)
}

// Sweep ends every active call idle for longer than the idle timeout
// and returns their ids.
func (r *Registry) Sweep(ctx context.Context) []string {
	if r.idleTimeout <= 0 {
		return nil
	}
	cutoff := r.now().Add(-r.idleTimeout).UnixNano()

	var idle []string
	for _, c := range r.Active() {
		if c.LastActivity.UnixNano() > cutoff {
			continue
		}
		if !r.End(ctx, c.ID) {
			continue
		}
		idle = append(idle, c.ID)
		r.log.Warn().Str("callId", c.ID).Dur("idleTimeout", r.idleTimeout).Msg("call idle, ended by sweeper")
		if r.onIdle != nil {
			if ended, ok := r.Get(c.ID); ok {
				r.onIdle(ctx, ended)
			}
		}
	}
	return idle
}

// RunSweeper calls Sweep every interval until ctx is done.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) error {
	if r.idleTimeout <= 0 || interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}
