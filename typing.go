package chatsync

import "time"

// ============================================================================
// Clock
// ============================================================================

// Clock abstracts time for timers that drive state machines.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable pending call.
type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// ============================================================================
// Typing Indicator Controller
// ============================================================================

const DefaultTypingTimeout = 2 * time.Second

// TypingState is the local typing state of one conversation.
type TypingState int

const (
	TypingIdle TypingState = iota
	TypingActive
)

// TypingController debounces local keystrokes into start and stop signals
// and tracks whether the remote peer is typing.
//
// All methods must be called from the owning goroutine. Timer expiry is
// handed to post, which must run the function on that goroutine; an expiry
// that was cancelled in the meantime is ignored.
type TypingController struct {
	self    string
	clock   Clock
	timeout time.Duration
	signal  func(typing bool)
	post    func(func())

	state TypingState
	timer Timer
	gen   uint64
	other bool
}

// NewTypingController creates a controller. signal is called with true
// once per idle period on the first keystroke and with false when typing
// ends.
func NewTypingController(self string, clock Clock, timeout time.Duration, signal func(bool), post func(func())) *TypingController {
	if clock == nil {
		clock = realClock{}
	}
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	if post == nil {
		post = func(f func()) { f() }
	}
	return &TypingController{
		self:    self,
		clock:   clock,
		timeout: timeout,
		signal:  signal,
		post:    post,
	}
}

// State returns the local typing state.
func (c *TypingController) State() TypingState { return c.state }

// OtherTyping reports whether the remote peer is typing.
func (c *TypingController) OtherTyping() bool { return c.other }

// Keystroke registers local input.
func (c *TypingController) Keystroke() {
	c.cancelTimer()
	if c.state == TypingIdle {
		c.state = TypingActive
		c.signal(true)
	}
	gen := c.gen
	c.timer = c.clock.AfterFunc(c.timeout, func() {
		c.post(func() { c.expire(gen) })
	})
}

// Stop ends typing immediately: on send, close or loss of focus.
func (c *TypingController) Stop() {
	c.cancelTimer()
	if c.state == TypingActive {
		c.state = TypingIdle
		c.signal(false)
	}
}

// Remote applies a typing event and reports whether OtherTyping changed.
// Echoes of the local user's own typing are ignored.
func (c *TypingController) Remote(ev TypingEvent) bool {
	if ev.UserID == c.self || c.other == ev.IsTyping {
		return false
	}
	c.other = ev.IsTyping
	return true
}

// ResetRemote clears OtherTyping and reports whether it was set.
func (c *TypingController) ResetRemote() bool {
	was := c.other
	c.other = false
	return was
}

func (c *TypingController) expire(gen uint64) {
	if gen != c.gen || c.state != TypingActive {
		return
	}
	c.timer = nil
	c.gen++
	c.state = TypingIdle
	c.signal(false)
}

func (c *TypingController) cancelTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
}
