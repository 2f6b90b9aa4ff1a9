package typing

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/opsync/internal/clock"
	"github.com/haasonsaas/opsync/internal/observability"
	"github.com/haasonsaas/opsync/internal/protocol"
	"github.com/haasonsaas/opsync/internal/testharness"
)

type fixture struct {
	bus     *testharness.Bus
	clock   *clock.Manual
	metrics *observability.Metrics
	coord   *Coordinator
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		bus:     testharness.NewBus(),
		clock:   clock.NewManual(time.Unix(1_700_000_000, 0)),
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
	}
	config := Config{
		ThreadID: "thread-1",
		UserID:   "u-1",
		UserName: "Ada",
		Clock:    f.clock,
		Metrics:  f.metrics,
	}
	for _, fn := range mutate {
		fn(&config)
	}
	f.bus.Connect()
	f.coord = NewCoordinator(f.bus, config)
	t.Cleanup(f.coord.Close)
	return f
}

func (f *fixture) announcements(t *testing.T, kind string) []protocol.ChatTyping {
	t.Helper()
	msgs, err := testharness.Payloads[protocol.ChatTyping](f.bus, kind)
	if err != nil {
		t.Fatal(err)
	}
	return msgs
}

func (f *fixture) remote(t *testing.T, thread, user, name string, typing bool) {
	t.Helper()
	err := f.bus.Deliver(protocol.KindChatTyping, protocol.ChatTyping{
		ThreadID: thread,
		UserID:   user,
		UserName: name,
		IsTyping: typing,
	})
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
}

func TestNewCoordinatorDefaults(t *testing.T) {
	c := NewCoordinator(testharness.NewBus(), Config{ThreadID: "t", UserID: "u-1"})
	defer c.Close()

	if c.config.Debounce != DefaultDebounce {
		t.Errorf("Debounce = %v, want %v", c.config.Debounce, DefaultDebounce)
	}
	if c.config.Timeout != DefaultTimeout {
		t.Errorf("Timeout = %v, want %v", c.config.Timeout, DefaultTimeout)
	}
	if c.config.SweepInterval != DefaultSweepInterval {
		t.Errorf("SweepInterval = %v, want %v", c.config.SweepInterval, DefaultSweepInterval)
	}
	if c.config.UserName != "u-1" {
		t.Errorf("UserName = %q, want user id fallback", c.config.UserName)
	}
	if c.kind != protocol.KindChatTyping {
		t.Errorf("kind = %q, want %q", c.kind, protocol.KindChatTyping)
	}
}

func TestContinuousTypingEmitsOneStartAndOneStop(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 10; i++ {
		if i > 0 {
			f.clock.Advance(50 * time.Millisecond)
		}
		f.coord.HandleInputChange()
	}
	// Last keystroke at 450ms.
	msgs := f.announcements(t, protocol.KindChatTyping)
	if len(msgs) != 1 || !msgs[0].IsTyping {
		t.Fatalf("announcements while typing = %+v, want one start", msgs)
	}
	if msgs[0] != (protocol.ChatTyping{ThreadID: "thread-1", UserID: "u-1", UserName: "Ada", IsTyping: true}) {
		t.Errorf("start = %+v", msgs[0])
	}

	f.clock.Advance(2999 * time.Millisecond)
	if got := len(f.announcements(t, protocol.KindChatTyping)); got != 1 {
		t.Fatalf("announcements 2999ms after last keystroke = %d, want 1", got)
	}
	if !f.coord.IsLocallyTyping() {
		t.Error("IsLocallyTyping() = false before timeout")
	}

	f.clock.Advance(time.Millisecond)
	msgs = f.announcements(t, protocol.KindChatTyping)
	if len(msgs) != 2 || msgs[1].IsTyping {
		t.Fatalf("announcements = %+v, want start then stop", msgs)
	}
	if f.coord.IsLocallyTyping() {
		t.Error("IsLocallyTyping() = true after stop")
	}

	f.clock.Advance(time.Minute)
	if got := len(f.announcements(t, protocol.KindChatTyping)); got != 2 {
		t.Errorf("announcements after idle = %d, want 2", got)
	}
	if got := testutil.ToFloat64(f.metrics.TypingAnnouncements.WithLabelValues("true")); got != 1 {
		t.Errorf("start metric = %v, want 1", got)
	}
	if got := testutil.ToFloat64(f.metrics.TypingAnnouncements.WithLabelValues("false")); got != 1 {
		t.Errorf("stop metric = %v, want 1", got)
	}
}

func TestLocalStateTimers(t *testing.T) {
	f := newFixture(t)
	f.coord.HandleInputChange()

	if f.coord.phase != localDebouncing {
		t.Fatalf("phase = %v, want debouncing", f.coord.phase)
	}
	f.clock.Advance(300 * time.Millisecond)
	if f.coord.phase != localPendingStop {
		t.Fatalf("phase = %v, want pending stop", f.coord.phase)
	}

	// Typing again during the stop window goes back to debouncing without a
	// second start.
	f.coord.HandleInputChange()
	if f.coord.phase != localDebouncing {
		t.Fatalf("phase = %v, want debouncing", f.coord.phase)
	}
	if got := len(f.announcements(t, protocol.KindChatTyping)); got != 1 {
		t.Errorf("announcements = %d, want 1", got)
	}
}

func TestSetTyping(t *testing.T) {
	f := newFixture(t)

	f.coord.SetTyping(true)
	if !f.coord.IsLocallyTyping() {
		t.Error("IsLocallyTyping() = false after SetTyping(true)")
	}
	f.clock.Advance(time.Minute)
	if !f.coord.IsLocallyTyping() {
		t.Error("explicit typing expired on its own")
	}

	f.coord.HandleInputChange()
	f.coord.SetTyping(false)
	if f.coord.IsLocallyTyping() {
		t.Error("IsLocallyTyping() = true after SetTyping(false)")
	}
	f.clock.Advance(time.Minute)

	msgs := f.announcements(t, protocol.KindChatTyping)
	if len(msgs) != 2 || !msgs[0].IsTyping || msgs[1].IsTyping {
		t.Errorf("announcements = %+v, want start then stop", msgs)
	}
}

func TestSetTypingWhileDisconnectedUpdatesStateOnly(t *testing.T) {
	f := newFixture(t)
	f.bus.Disconnect()

	f.coord.SetTyping(true)
	if !f.coord.IsLocallyTyping() {
		t.Error("IsLocallyTyping() = false")
	}
	if got := len(f.bus.Sent("")); got != 0 {
		t.Errorf("frames = %d, want 0", got)
	}
	if got := f.bus.Dropped(); got != 0 {
		t.Errorf("dropped = %d, want announcements skipped", got)
	}
}

func TestActionFrames(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.ActionFrames = true })
	f.coord.HandleInputChange()

	if got := len(f.announcements(t, protocol.KindTyping)); got != 1 {
		t.Errorf("typing action frames = %d, want 1", got)
	}
	if got := len(f.announcements(t, protocol.KindChatTyping)); got != 0 {
		t.Errorf("chat_typing frames = %d, want 0", got)
	}
}

func TestRemoteTypingExpiry(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.SweepInterval = time.Hour })
	f.remote(t, "thread-1", "u-2", "Grace", true)

	f.clock.Advance(2999 * time.Millisecond)
	if users := f.coord.TypingUsers(); len(users) != 1 || users[0] != (User{UserID: "u-2", UserName: "Grace"}) {
		t.Errorf("TypingUsers() at 2999ms = %+v, want Grace", users)
	}

	f.clock.Advance(2 * time.Millisecond)
	if users := f.coord.TypingUsers(); len(users) != 0 {
		t.Errorf("TypingUsers() at 3001ms = %+v, want none", users)
	}
	if f.coord.IsAnyoneTyping() {
		t.Error("IsAnyoneTyping() = true after expiry")
	}
}

func TestSweepRemovesExpiredEntries(t *testing.T) {
	f := newFixture(t)
	var mu sync.Mutex
	var sets [][]User
	f.coord.OnChange(func(users []User) {
		mu.Lock()
		sets = append(sets, users)
		mu.Unlock()
	})

	f.remote(t, "thread-1", "u-2", "Grace", true)
	f.clock.Advance(4 * time.Second)

	mu.Lock()
	defer mu.Unlock()
	if len(sets) != 2 {
		t.Fatalf("change notifications = %d, want add then expiry", len(sets))
	}
	if len(sets[1]) != 0 || sets[1] == nil {
		t.Errorf("set after expiry = %#v, want empty non-nil", sets[1])
	}
	if len(f.coord.remote) != 0 {
		t.Errorf("remote entries = %d, want swept", len(f.coord.remote))
	}
}

func TestRemoteStartAndStop(t *testing.T) {
	f := newFixture(t)
	f.remote(t, "thread-1", "u-3", "Linus", true)
	f.remote(t, "thread-1", "u-2", "", true)

	users := f.coord.TypingUsers()
	want := []User{{UserID: "u-2", UserName: "u-2"}, {UserID: "u-3", UserName: "Linus"}}
	if len(users) != len(want) {
		t.Fatalf("TypingUsers() = %+v, want %+v", users, want)
	}
	for i := range want {
		if users[i] != want[i] {
			t.Errorf("TypingUsers()[%d] = %+v, want %+v", i, users[i], want[i])
		}
	}
	if got := testutil.ToFloat64(f.metrics.TypingRemoteUsers.WithLabelValues("thread-1")); got != 2 {
		t.Errorf("remote typers gauge = %v, want 2", got)
	}

	f.remote(t, "thread-1", "u-3", "Linus", false)
	f.remote(t, "thread-1", "u-3", "Linus", false)
	if users := f.coord.TypingUsers(); len(users) != 1 || users[0].UserID != "u-2" {
		t.Errorf("TypingUsers() after stop = %+v, want u-2 only", users)
	}
}

func TestRemoteRefreshExtendsExpiry(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.SweepInterval = time.Hour })
	f.remote(t, "thread-1", "u-2", "Grace", true)
	f.clock.Advance(2 * time.Second)
	f.remote(t, "thread-1", "u-2", "Grace", true)
	f.clock.Advance(2 * time.Second)

	if !f.coord.IsAnyoneTyping() {
		t.Error("IsAnyoneTyping() = false, want refreshed entry alive")
	}
}

func TestIgnoresOtherThreadsAndSelfEcho(t *testing.T) {
	f := newFixture(t)
	notified := 0
	f.coord.OnChange(func([]User) { notified++ })

	f.remote(t, "thread-2", "u-2", "Grace", true)
	f.remote(t, "thread-1", "u-1", "Ada", true)

	if users := f.coord.TypingUsers(); len(users) != 0 {
		t.Errorf("TypingUsers() = %+v, want none", users)
	}
	if notified != 0 {
		t.Errorf("notifications = %d, want 0", notified)
	}
}

func TestTypingUsersNeverNil(t *testing.T) {
	f := newFixture(t)
	if users := f.coord.TypingUsers(); users == nil {
		t.Error("TypingUsers() = nil, want empty slice")
	}
}

func TestCloseWhileTypingEmitsOneStop(t *testing.T) {
	f := newFixture(t)
	f.coord.HandleInputChange()
	f.bus.Reset()

	f.coord.Close()
	f.coord.Close()

	msgs := f.announcements(t, protocol.KindChatTyping)
	if len(msgs) != 1 || msgs[0].IsTyping {
		t.Fatalf("announcements on Close = %+v, want one stop", msgs)
	}
	if got := f.clock.Pending(); got != 0 {
		t.Errorf("Pending() = %d after Close, want 0", got)
	}
	if got := f.bus.Subscribers(protocol.KindChatTyping); got != 0 {
		t.Errorf("subscribers after Close = %d, want 0", got)
	}

	f.coord.HandleInputChange()
	f.coord.SetTyping(true)
	f.clock.Advance(time.Minute)
	if got := len(f.bus.Sent("")); got != 1 {
		t.Errorf("frames after Close = %d, want 1", got)
	}
	if got := f.clock.Pending(); got != 0 {
		t.Errorf("Pending() = %d after calls on closed coordinator, want 0", got)
	}
}

func TestCloseRemovesThreadGauge(t *testing.T) {
	f := newFixture(t)
	f.remote(t, "thread-1", "u-2", "Grace", true)
	if got := testutil.CollectAndCount(f.metrics.TypingRemoteUsers); got != 1 {
		t.Fatalf("gauge series = %d, want 1", got)
	}

	f.coord.Close()

	if got := testutil.CollectAndCount(f.metrics.TypingRemoteUsers); got != 0 {
		t.Errorf("gauge series after Close = %d, want 0", got)
	}
}

func TestCloseWhileIdleSendsNothing(t *testing.T) {
	f := newFixture(t)
	f.coord.Close()

	if got := len(f.bus.Sent("")); got != 0 {
		t.Errorf("frames = %d, want 0", got)
	}
	if got := f.clock.Pending(); got != 0 {
		t.Errorf("Pending() = %d, want 0", got)
	}
}

func TestMalformedTypingFrameDropped(t *testing.T) {
	f := newFixture(t)
	f.coord.handleFrame(protocol.Envelope{
		Kind:    protocol.KindChatTyping,
		Payload: json.RawMessage(`{"threadId":"thread-1","userId":7}`),
	})
	if f.coord.IsAnyoneTyping() {
		t.Error("malformed frame created an entry")
	}
}
