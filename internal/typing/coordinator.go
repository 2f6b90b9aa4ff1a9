// Package typing coordinates typing indicators for a single conversation
// thread over the shared sync connection.
//
// A Coordinator plays two roles:
//   - Local: keystrokes are debounced into one start announcement and, after
//     a quiet period, one stop announcement.
//   - Remote: peers' announcements for the bound thread are tracked and
//     expired when a stop never arrives.
package typing

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
	DefaultDebounce      = 300 * time.Millisecond
	DefaultTimeout       = 3 * time.Second
	DefaultSweepInterval = time.Second
)

// Conn is the part of the connection the coordinator needs.
type Conn interface {
	Publish(kind string, payload any) error
	Subscribe(kind string, h realtime.Handler) func()
	IsConnected() bool
}

// Config configures a Coordinator.
type Config struct {
	// ThreadID is the conversation this coordinator is bound to.
	ThreadID string
	// UserID and UserName identify the local user in announcements.
	UserID   string
	UserName string

	// Debounce is the quiet period after a keystroke before the stop timer
	// is armed.
	// Default: 300ms
	Debounce time.Duration

	// Timeout is both the quiet period after the last keystroke before a stop
	// is announced and the lifetime of a remote announcement.
	// Default: 3s
	Timeout time.Duration

	// SweepInterval is the period of the remote expiry sweep.
	// Default: 1s
	SweepInterval time.Duration

	// ActionFrames sends announcements with the "typing" kind instead of
	// "chat_typing".
	ActionFrames bool

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// User is a remote peer currently typing.
type User struct {
	UserID   string
	UserName string
}

type localPhase int

const (
	localIdle localPhase = iota
	// localActive was set explicitly with SetTyping(true) and has no timers.
	localActive
	localDebouncing
	localPendingStop
)

type remoteEntry struct {
	userName    string
	announcedAt time.Time
}

type observer struct {
	id int
	fn func([]User)
}

// Coordinator manages local and remote typing state for one thread.
//
// Once closed the coordinator is sealed: late timer callbacks and inbound
// frames are ignored and nothing is scheduled again.
type Coordinator struct {
	conn   Conn
	config Config
	clock  clock.Clock
	logger *slog.Logger
	kind   string

	mu             sync.Mutex
	phase          localPhase
	gen            uint64
	timer          clock.Timer
	remote         map[string]remoteEntry
	sweepTimer     clock.Timer
	observers      []observer
	nextObserverID int
	sealed         bool
	unsubscribe    func()
}

// NewCoordinator creates a coordinator bound to config.ThreadID, subscribes
// to remote announcements and starts the expiry sweep.
func NewCoordinator(conn Conn, config Config) *Coordinator {
	if config.Debounce <= 0 {
		config.Debounce = DefaultDebounce
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Debounce >= config.Timeout {
		config.Debounce = config.Timeout / 10
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultSweepInterval
	}
	if config.UserName == "" {
		config.UserName = config.UserID
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	kind := protocol.KindChatTyping
	if config.ActionFrames {
		kind = protocol.KindTyping
	}

	c := &Coordinator{
		conn:   conn,
		config: config,
		clock:  config.Clock,
		logger: logger.With("component", "typing", "thread_id", config.ThreadID),
		kind:   kind,
		remote: make(map[string]remoteEntry),
	}

	c.mu.Lock()
	c.sweepTimer = c.clock.AfterFunc(config.SweepInterval, c.sweep)
	c.mu.Unlock()

	unsub := conn.Subscribe(protocol.KindChatTyping, c.handleFrame)
	c.mu.Lock()
	c.unsubscribe = unsub
	c.mu.Unlock()
	return c
}

// ThreadID returns the thread this coordinator is bound to.
func (c *Coordinator) ThreadID() string {
	return c.config.ThreadID
}

// HandleInputChange records a keystroke. The first keystroke after idle
// announces start; continuous typing keeps the indicator on, and a pause of
// Timeout after the last keystroke announces exactly one stop.
func (c *Coordinator) HandleInputChange() {
	c.mu.Lock()
	if c.sealed {
		c.mu.Unlock()
		return
	}
	announce := c.phase == localIdle
	c.armLocked(localDebouncing, c.config.Debounce, c.debounceElapsed)
	c.mu.Unlock()

	if announce {
		c.announce(true)
	}
}

// SetTyping sets the local typing state explicitly and announces it if
// connected. SetTyping(false) also cancels pending timers.
func (c *Coordinator) SetTyping(typing bool) {
	c.mu.Lock()
	if c.sealed {
		c.mu.Unlock()
		return
	}
	c.cancelLocked()
	if typing {
		c.phase = localActive
	} else {
		c.phase = localIdle
	}
	c.mu.Unlock()

	c.announce(typing)
}

// IsLocallyTyping reports whether the local user is considered typing.
func (c *Coordinator) IsLocallyTyping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase != localIdle
}

// TypingUsers returns the peers typing in the bound thread, sorted by user
// id. Entries older than Timeout are excluded even before the sweep removes
// them. The result is never nil.
func (c *Coordinator) TypingUsers() []User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usersLocked(c.clock.Now())
}

// IsAnyoneTyping reports whether any peer is typing in the bound thread.
func (c *Coordinator) IsAnyoneTyping() bool {
	return len(c.TypingUsers()) > 0
}

// OnChange registers fn for changes to the set of remote typers. fn receives
// the new set. The returned function removes it.
func (c *Coordinator) OnChange(fn func([]User)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextObserverID++
	id := c.nextObserverID
	c.observers = append(c.observers, observer{id: id, fn: fn})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, o := range c.observers {
			if o.id == id {
				c.observers = append(c.observers[:i:i], c.observers[i+1:]...)
				return
			}
		}
	}
}

// Close announces a final stop if the local user was typing, cancels every
// timer and unsubscribes. Later calls are no-ops.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.sealed {
		c.mu.Unlock()
		return
	}
	c.sealed = true
	wasTyping := c.phase != localIdle
	c.cancelLocked()
	c.phase = localIdle
	if c.sweepTimer != nil {
		c.sweepTimer.Stop()
		c.sweepTimer = nil
	}
	c.remote = make(map[string]remoteEntry)
	c.config.Metrics.DeleteTypingThread(c.config.ThreadID)
	unsub := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if wasTyping {
		c.announce(false)
	}
}

// armLocked cancels the current timer and arms a new one for phase.
func (c *Coordinator) armLocked(phase localPhase, d time.Duration, fire func(gen uint64)) {
	c.cancelLocked()
	c.phase = phase
	gen := c.gen
	c.timer = c.clock.AfterFunc(d, func() { fire(gen) })
}

// cancelLocked stops the pending timer and invalidates its callback.
func (c *Coordinator) cancelLocked() {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Coordinator) debounceElapsed(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed || gen != c.gen || c.phase != localDebouncing {
		return
	}
	c.armLocked(localPendingStop, c.config.Timeout-c.config.Debounce, c.stopElapsed)
}

func (c *Coordinator) stopElapsed(gen uint64) {
	c.mu.Lock()
	if c.sealed || gen != c.gen || c.phase != localPendingStop {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.phase = localIdle
	c.mu.Unlock()

	c.announce(false)
}

func (c *Coordinator) announce(typing bool) {
	if !c.conn.IsConnected() {
		c.logger.Debug("typing announcement skipped while disconnected", "is_typing", typing)
		return
	}
	err := c.conn.Publish(c.kind, protocol.ChatTyping{
		ThreadID: c.config.ThreadID,
		UserID:   c.config.UserID,
		UserName: c.config.UserName,
		IsTyping: typing,
	})
	if err != nil {
		c.logger.Debug("typing announcement not sent", "is_typing", typing, "error", err)
		return
	}
	c.config.Metrics.TypingAnnounced(typing)
}

func (c *Coordinator) handleFrame(env protocol.Envelope) {
	var msg protocol.ChatTyping
	if err := env.DecodePayload(&msg); err != nil {
		c.logger.Warn("dropping typing frame", "error", err)
		return
	}
	if msg.ThreadID != c.config.ThreadID || msg.UserID == "" || msg.UserID == c.config.UserID {
		return
	}

	c.mu.Lock()
	if c.sealed {
		c.mu.Unlock()
		return
	}
	now := c.clock.Now()
	before := len(c.usersLocked(now))
	prev, existed := c.remote[msg.UserID]
	wasLive := existed && !c.expiredLocked(prev, now)

	changed := false
	if msg.IsTyping {
		name := msg.UserName
		if name == "" {
			name = msg.UserID
		}
		c.remote[msg.UserID] = remoteEntry{userName: name, announcedAt: now}
		changed = !wasLive || prev.userName != name
	} else if existed {
		delete(c.remote, msg.UserID)
		changed = wasLive
	}
	if !changed {
		c.mu.Unlock()
		return
	}
	users := c.usersLocked(now)
	if len(users) != before {
		c.config.Metrics.SetTypingRemoteUsers(c.config.ThreadID, len(users))
	}
	observers := append([]observer(nil), c.observers...)
	c.mu.Unlock()

	c.notify(observers, users)
}

// sweep removes remote entries older than Timeout.
func (c *Coordinator) sweep() {
	c.mu.Lock()
	if c.sealed {
		c.mu.Unlock()
		return
	}
	now := c.clock.Now()
	removed := 0
	for id, e := range c.remote {
		if c.expiredLocked(e, now) {
			delete(c.remote, id)
			removed++
		}
	}
	c.sweepTimer = c.clock.AfterFunc(c.config.SweepInterval, c.sweep)
	if removed == 0 {
		c.mu.Unlock()
		return
	}
	users := c.usersLocked(now)
	c.config.Metrics.SetTypingRemoteUsers(c.config.ThreadID, len(users))
	observers := append([]observer(nil), c.observers...)
	c.mu.Unlock()

	c.logger.Debug("expired typing indicators", "count", removed)
	c.notify(observers, users)
}

func (c *Coordinator) expiredLocked(e remoteEntry, now time.Time) bool {
	return now.Sub(e.announcedAt) > c.config.Timeout
}

func (c *Coordinator) usersLocked(now time.Time) []User {
	users := make([]User, 0, len(c.remote))
	for id, e := range c.remote {
		if c.expiredLocked(e, now) {
			continue
		}
		users = append(users, User{UserID: id, UserName: e.userName})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	return users
}

func (c *Coordinator) notify(observers []observer, users []User) {
	for _, o := range observers {
		snapshot := append([]User(nil), users...)
		if snapshot == nil {
			snapshot = []User{}
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("typing observer panicked", "panic", r)
				}
			}()
			o.fn(snapshot)
		}()
	}
}
