// Package presence tracks which peers are online over the shared sync
// connection and keeps the local user's own status announced.
package presence

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/opsync/internal/clock"
	"github.com/haasonsaas/opsync/internal/observability"
	"github.com/haasonsaas/opsync/internal/protocol"
	"github.com/haasonsaas/opsync/internal/realtime"
)

// Default timings.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultSweepInterval     = 30 * time.Second
	DefaultStaleTimeout      = 120 * time.Second
)

// Conn is the part of the connection the tracker needs.
type Conn interface {
	Publish(kind string, payload any) error
	Subscribe(kind string, h realtime.Handler) func()
	OnStateChange(fn func(realtime.StateEvent)) func()
	IsConnected() bool
}

// Config configures a Tracker.
type Config struct {
	// UserID is the local user. Announcements about it are ignored.
	UserID string
	// InitialStatus is announced on every connect until SetStatus is called.
	// Default: online
	InitialStatus protocol.Status

	// HeartbeatInterval is the period of the local re-announcement.
	HeartbeatInterval time.Duration
	// SweepInterval is the period of the staleness sweep.
	SweepInterval time.Duration
	// StaleTimeout is how long a peer may go unheard before it is offline.
	StaleTimeout time.Duration

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Entry is the last known presence of a peer.
type Entry struct {
	UserID     string
	Status     protocol.Status
	LastSeenAt time.Time
}

// Change describes a peer's status change, either from an announcement or
// from staleness decay.
type Change struct {
	UserID string
	Old    protocol.Status
	New    protocol.Status
}

type observer struct {
	id int
	fn func(Change)
}

// Tracker maintains the presence map and the local heartbeat.
type Tracker struct {
	conn   Conn
	config Config
	clock  clock.Clock
	logger *slog.Logger

	mu             sync.Mutex
	status         protocol.Status
	entries        map[string]*Entry
	observers      []observer
	nextObserverID int
	started        bool
	stopped        bool
	// announced is set once the current connection has been greeted and
	// cleared when it is lost.
	announced      bool
	heartbeatGen   uint64
	heartbeatTimer clock.Timer
	sweepTimer     clock.Timer
	unsubscribe    []func()
}

// NewTracker creates a Tracker. It does nothing until Start is called.
func NewTracker(conn Conn, config Config) *Tracker {
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultSweepInterval
	}
	if config.StaleTimeout <= 0 {
		config.StaleTimeout = DefaultStaleTimeout
	}
	if !config.InitialStatus.Valid() {
		config.InitialStatus = protocol.StatusOnline
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		conn:    conn,
		config:  config,
		clock:   config.Clock,
		logger:  logger.With("component", "presence"),
		status:  config.InitialStatus,
		entries: make(map[string]*Entry),
	}
}

// Start subscribes to presence announcements, starts the staleness sweep and,
// when the connection is already open, announces the local status.
func (t *Tracker) Start() {
	t.mu.Lock()
	if t.started || t.stopped {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.sweepTimer = t.clock.AfterFunc(t.config.SweepInterval, t.sweep)
	t.mu.Unlock()

	unsubFrames := t.conn.Subscribe(protocol.KindPresenceUpdate, t.handleUpdate)
	unsubState := t.conn.OnStateChange(t.handleState)

	t.mu.Lock()
	t.unsubscribe = append(t.unsubscribe, unsubFrames, unsubState)
	t.mu.Unlock()

	if t.conn.IsConnected() {
		t.onConnected()
	}
}

// Stop sends a best-effort offline announcement while the connection is still
// open, then cancels every timer and subscription. Later calls are no-ops.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.heartbeatGen++
	stopTimer(&t.heartbeatTimer)
	stopTimer(&t.sweepTimer)
	unsubs := t.unsubscribe
	t.unsubscribe = nil
	started := t.started
	t.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if started && t.conn.IsConnected() {
		t.publish(protocol.KindPresenceUpdate, protocol.PresenceUpdate{UserID: t.config.UserID, Status: protocol.StatusOffline})
	}
}

// SetStatus records the local status and, if connected, announces it once.
// The status is remembered while disconnected and announced on reconnect.
func (t *Tracker) SetStatus(status protocol.Status) error {
	status, err := protocol.ParseStatus(string(status))
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.status = status
	stopped := t.stopped
	t.mu.Unlock()

	if stopped || !t.conn.IsConnected() {
		return nil
	}
	return t.publish(protocol.KindPresenceUpdate, protocol.PresenceUpdate{UserID: t.config.UserID, Status: status})
}

// LocalStatus returns the local user's intended status.
func (t *Tracker) LocalStatus() protocol.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Status returns a peer's status. Unknown peers and peers not heard from within
// StaleTimeout are offline, even between sweeps.
func (t *Tracker) Status(userID string) protocol.Status {
	e, ok := t.Entry(userID)
	if !ok {
		return protocol.StatusOffline
	}
	return e.Status
}

// Entry returns a copy of a peer's entry with its effective status.
func (t *Tracker) Entry(userID string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[userID]
	if !ok {
		return Entry{}, false
	}
	return t.effectiveLocked(e, t.clock.Now()), true
}

// IsOnline reports whether a peer's effective status is online.
func (t *Tracker) IsOnline(userID string) bool {
	return t.Status(userID) == protocol.StatusOnline
}

// OnlineCount returns the number of peers whose effective status is online.
func (t *Tracker) OnlineCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onlineCountLocked(t.clock.Now())
}

// Snapshot returns every known peer sorted by user id.
func (t *Tracker) Snapshot() []Entry {
	t.mu.Lock()
	now := t.clock.Now()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, t.effectiveLocked(e, now))
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// OnChange registers fn for peer status changes. The returned function
// removes it.
func (t *Tracker) OnChange(fn func(Change)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextObserverID++
	id := t.nextObserverID
	t.observers = append(t.observers, observer{id: id, fn: fn})
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, o := range t.observers {
			if o.id == id {
				t.observers = append(t.observers[:i:i], t.observers[i+1:]...)
				return
			}
		}
	}
}

func (t *Tracker) handleState(ev realtime.StateEvent) {
	switch {
	case ev.New.Phase == realtime.Connected:
		t.onConnected()
	case ev.Old.Phase == realtime.Connected:
		t.mu.Lock()
		t.announced = false
		t.heartbeatGen++
		stopTimer(&t.heartbeatTimer)
		t.mu.Unlock()
	}
}

// onConnected announces the local status so peers see this client again after
// a reconnect, and restarts the heartbeat.
func (t *Tracker) onConnected() {
	t.mu.Lock()
	if t.stopped || t.announced {
		t.mu.Unlock()
		return
	}
	t.announced = true
	status := t.status
	t.armHeartbeatLocked()
	t.mu.Unlock()

	_ = t.publish(protocol.KindPresenceUpdate, protocol.PresenceUpdate{UserID: t.config.UserID, Status: status})
}

func (t *Tracker) armHeartbeatLocked() {
	t.heartbeatGen++
	gen := t.heartbeatGen
	stopTimer(&t.heartbeatTimer)
	t.heartbeatTimer = t.clock.AfterFunc(t.config.HeartbeatInterval, func() {
		t.heartbeat(gen)
	})
}

func (t *Tracker) heartbeat(gen uint64) {
	t.mu.Lock()
	if t.stopped || gen != t.heartbeatGen {
		t.mu.Unlock()
		return
	}
	status := t.status
	t.armHeartbeatLocked()
	t.mu.Unlock()

	if !t.conn.IsConnected() {
		return
	}
	_ = t.publish(protocol.KindPresence, protocol.PresenceHeartbeat{Status: status})
}

func (t *Tracker) handleUpdate(env protocol.Envelope) {
	var update protocol.PresenceUpdate
	if err := env.DecodePayload(&update); err != nil {
		t.logger.Warn("dropping presence update", "error", err)
		return
	}
	if !update.Status.Valid() || update.UserID == "" {
		t.logger.Warn("dropping presence update", "user_id", update.UserID, "status", string(update.Status))
		return
	}
	if update.UserID == t.config.UserID {
		return
	}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	now := t.clock.Now()
	old := protocol.StatusOffline
	e, ok := t.entries[update.UserID]
	if ok {
		old = t.effectiveLocked(e, now).Status
		e.Status = update.Status
		e.LastSeenAt = now
	} else {
		t.entries[update.UserID] = &Entry{UserID: update.UserID, Status: update.Status, LastSeenAt: now}
	}
	online := t.onlineCountLocked(now)
	observers := t.observersLocked()
	t.mu.Unlock()

	t.config.Metrics.SetPresenceOnline(online)
	if old != update.Status {
		t.notify(observers, Change{UserID: update.UserID, Old: old, New: update.Status})
	}
}

// sweep decays stale peers to offline. LastSeenAt is left untouched.
func (t *Tracker) sweep() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	now := t.clock.Now()
	var changes []Change
	for _, e := range t.entries {
		if e.Status != protocol.StatusOffline && now.Sub(e.LastSeenAt) > t.config.StaleTimeout {
			changes = append(changes, Change{UserID: e.UserID, Old: e.Status, New: protocol.StatusOffline})
			e.Status = protocol.StatusOffline
		}
	}
	online := t.onlineCountLocked(now)
	observers := t.observersLocked()
	t.sweepTimer = t.clock.AfterFunc(t.config.SweepInterval, t.sweep)
	t.mu.Unlock()

	t.config.Metrics.SetPresenceOnline(online)
	if len(changes) == 0 {
		return
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].UserID < changes[j].UserID })
	t.logger.Debug("presence sweep marked peers offline", "count", len(changes))
	for _, c := range changes {
		t.notify(observers, c)
	}
}

// effectiveLocked returns a copy of e with the status a sweep at now would give.
func (t *Tracker) effectiveLocked(e *Entry, now time.Time) Entry {
	out := *e
	if now.Sub(e.LastSeenAt) > t.config.StaleTimeout {
		out.Status = protocol.StatusOffline
	}
	return out
}

func (t *Tracker) onlineCountLocked(now time.Time) int {
	n := 0
	for _, e := range t.entries {
		if t.effectiveLocked(e, now).Status == protocol.StatusOnline {
			n++
		}
	}
	return n
}

func (t *Tracker) observersLocked() []observer {
	return append([]observer(nil), t.observers...)
}

func (t *Tracker) notify(observers []observer, c Change) {
	for _, o := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.logger.Error("presence observer panicked", "panic", r)
				}
			}()
			o.fn(c)
		}()
	}
}

func (t *Tracker) publish(kind string, payload any) error {
	err := t.conn.Publish(kind, payload)
	if err != nil {
		t.logger.Debug("presence frame not sent", "kind", kind, "error", err)
	}
	return err
}

func stopTimer(timer *clock.Timer) {
	if *timer != nil {
		(*timer).Stop()
		*timer = nil
	}
}
