package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const DefaultOpenTimeout = 10 * time.Second

// DefaultRetrySchedule is the wait sequence between reconnection attempts.
var DefaultRetrySchedule = []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}

// Recorder receives transport metrics. See internal/metrics.
type Recorder interface {
	FrameSent()
	MessageSent()
	MessageQueued()
	MessageDropped()
	ReconnectAttempt(attempt int)
	ReconnectResult(ok bool)
	SetState(s ConnectionState)
	SetQueueDepth(n int)
}

type nopRecorder struct{}

func (nopRecorder) FrameSent()               {}
func (nopRecorder) MessageSent()             {}
func (nopRecorder) MessageQueued()           {}
func (nopRecorder) MessageDropped()          {}
func (nopRecorder) ReconnectAttempt(int)     {}
func (nopRecorder) ReconnectResult(bool)     {}
func (nopRecorder) SetState(ConnectionState) {}
func (nopRecorder) SetQueueDepth(int)        {}

// Options configures a Controller. Zero values select the defaults.
type Options struct {
	MaxFrameSize  int
	FramePacing   time.Duration
	RetrySchedule []time.Duration
	QueueLimit    int
	OpenTimeout   time.Duration

	OnStatus  StatusFunc
	OnMessage MessageFunc
	Metrics   Recorder
	Logger    *zap.Logger
}

// Snapshot is a point-in-time view of the controller for status displays.
type Snapshot struct {
	State        ConnectionState
	Target       string
	Reconnecting bool
	QueueLen     int
	Channel      int
	ChannelName  string
}

// Controller owns the connection to the radio. It executes connect and
// disconnect, runs at most one reconnection cycle at a time and drains the
// outbound queue whenever the link comes back.
//
// Lock order: ioMu before mu. The queue lock is a leaf. No driver I/O and no
// observer callback runs under mu.
type Controller struct {
	drv        Driver
	chunker    *Chunker
	queue      *Queue
	dispatcher *Dispatcher
	schedule   []time.Duration
	openTO     time.Duration
	metrics    Recorder
	log        *zap.Logger

	// ctx outlives individual calls; Close cancels it.
	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	ioMu     sync.Mutex
	draining atomic.Bool

	mu           sync.Mutex
	state        ConnectionState
	target       string
	link         Link
	channels     []string
	channel      int
	reconnecting bool
	cycleID      uint64
	cancelCycle  context.CancelFunc
	epoch        uint64
	closed       bool
	onStatus     StatusFunc
}

// NewController creates a Controller and subscribes it to inbound packets
// from drv.
func NewController(drv Driver, opts Options) *Controller {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	pacing := opts.FramePacing
	if pacing == 0 {
		pacing = DefaultFramePacing
	}
	schedule := opts.RetrySchedule
	if schedule == nil {
		schedule = DefaultRetrySchedule
	}
	openTO := opts.OpenTimeout
	if openTO <= 0 {
		openTO = DefaultOpenTimeout
	}
	rec := opts.Metrics
	if rec == nil {
		rec = nopRecorder{}
	}

	ctx, stop := context.WithCancel(context.Background())
	c := &Controller{
		drv:        drv,
		chunker:    NewChunker(opts.MaxFrameSize, pacing, log),
		queue:      NewQueue(opts.QueueLimit, log),
		dispatcher: NewDispatcher(log),
		schedule:   append([]time.Duration(nil), schedule...),
		openTO:     openTO,
		metrics:    rec,
		log:        log,
		ctx:        ctx,
		stop:       stop,
		onStatus:   opts.OnStatus,
	}
	c.dispatcher.SetObserver(opts.OnMessage)
	rec.SetState(StateDisconnected)
	drv.Subscribe(c.dispatcher.OnPacket)
	return c
}

// Dispatcher returns the inbound dispatcher so callers can register the
// message observer and journal sink after construction.
func (c *Controller) Dispatcher() *Dispatcher { return c.dispatcher }

// SetStatusObserver replaces the status observer.
func (c *Controller) SetStatusObserver(fn StatusFunc) {
	c.mu.Lock()
	c.onStatus = fn
	c.mu.Unlock()
}

// ── Connection lifecycle ──────────────────────────────────────────────────

// Connect opens target. It is a no-op when already connected. Open failures
// are returned as *OpenError and are not retried. On success a non-empty
// outbound queue is drained before Connect returns.
func (c *Controller) Connect(ctx context.Context, target string) error {
	if target == "" {
		c.log.Error("connect: no target selected")
		c.notify(Status{Message: "No device selected", Err: ErrNoTarget})
		return ErrNoTarget
	}

	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	if !c.reconnecting {
		c.setStateLocked(StateConnecting)
	}
	epoch := c.epoch
	c.mu.Unlock()

	c.log.Info("connecting", zap.String("target", target))
	if err := c.open(ctx, target, epoch); err != nil {
		c.mu.Lock()
		if c.state == StateConnecting {
			c.setStateLocked(StateDisconnected)
		}
		c.mu.Unlock()
		c.log.Error("connect failed", zap.String("target", target), zap.Error(err))
		c.notify(Status{Message: fmt.Sprintf("Connection to %s failed", target), Err: err})
		return err
	}
	c.notify(Status{Message: fmt.Sprintf("Connected to %s", target)})
	c.drainPending()
	return nil
}

// open dials target and commits the link unless Disconnect ran in between
// (epoch changed) or ctx was cancelled.
func (c *Controller) open(ctx context.Context, target string, epoch uint64) error {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	if c.State() == StateConnected {
		return nil
	}

	octx, cancel := context.WithTimeout(ctx, c.openTO)
	defer cancel()
	link, err := c.drv.Open(octx, target)
	if err != nil {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		return &OpenError{Target: target, Err: err}
	}

	c.mu.Lock()
	if c.epoch != epoch || ctx.Err() != nil {
		c.mu.Unlock()
		if err := link.Close(); err != nil {
			c.log.Debug("close abandoned link", zap.Error(err))
		}
		return ErrCancelled
	}
	c.link = link
	c.target = target
	c.channels = link.Channels()
	c.channel = 0
	c.setStateLocked(StateConnected)
	m, monitored := link.(Monitored)
	if monitored {
		c.wg.Add(1)
	}
	c.mu.Unlock()

	if monitored {
		go c.watch(link, m)
	}
	c.log.Info("connected", zap.String("target", target))
	return nil
}

// watch turns a failure on the receive side into a lost link and a
// background reconnection cycle.
func (c *Controller) watch(link Link, m Monitored) {
	defer c.wg.Done()
	select {
	case <-m.Done():
		err := m.Err()
		if err == nil {
			return
		}
		if c.linkLost(link, err) {
			c.reconnectInBackground()
		}
	case <-c.ctx.Done():
	}
}

// Disconnect cancels any reconnection cycle, closes the link and forgets the
// last known target. Close errors are logged, never returned.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	c.epoch++
	if c.cancelCycle != nil {
		c.cancelCycle()
		c.cancelCycle = nil
	}
	link := c.link
	prev := c.state
	c.link = nil
	c.target = ""
	c.channels = nil
	c.channel = 0
	c.reconnecting = false
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if link != nil {
		if err := link.Close(); err != nil {
			c.log.Warn("disconnect: close link", zap.Error(err))
		}
	}
	if prev != StateDisconnected {
		c.log.Info("disconnected")
		c.notify(Status{Message: "Disconnected"})
	}
}

// Close disconnects and waits for background reconnection cycles to exit.
func (c *Controller) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.Disconnect()
	c.stop()
	c.wg.Wait()
	return nil
}

// ── Reconnection ──────────────────────────────────────────────────────────

// AttemptReconnect runs one reconnection cycle against the last known
// target. A second concurrent call returns ErrReconnectInProgress without
// touching the running cycle. The cycle ends early with ErrCancelled when
// Disconnect runs or ctx is done, and with ErrRetriesExhausted when every
// attempt failed.
func (c *Controller) AttemptReconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.reconnecting {
		c.mu.Unlock()
		return ErrReconnectInProgress
	}
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	target := c.target
	if target == "" {
		c.mu.Unlock()
		return ErrNoTarget
	}
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.reconnecting = true
	c.cycleID++
	id := c.cycleID
	epoch := c.epoch
	c.cancelCycle = cancel
	c.setStateLocked(StateReconnecting)
	c.mu.Unlock()

	err := c.runCycle(cctx, target, epoch)

	c.mu.Lock()
	if c.cycleID == id && c.reconnecting {
		c.reconnecting = false
		c.cancelCycle = nil
		if c.state == StateReconnecting {
			c.setStateLocked(StateDisconnected)
		}
	}
	c.mu.Unlock()
	c.metrics.ReconnectResult(err == nil)

	switch {
	case err == nil:
		c.log.Info("connection restored", zap.String("target", target))
		c.notify(Status{Message: "Connection restored"})
		c.drainPending()
	case errors.Is(err, ErrCancelled):
		c.log.Info("reconnection cancelled", zap.String("target", target))
	default:
		c.log.Error("reconnection failed", zap.String("target", target), zap.Error(err))
		c.notify(Status{
			Message: fmt.Sprintf("Could not reconnect to %s after %d attempts", target, len(c.schedule)),
			Err:     err,
		})
	}
	return err
}

func (c *Controller) runCycle(ctx context.Context, target string, epoch uint64) error {
	n := len(c.schedule)
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		attempt := i + 1
		c.metrics.ReconnectAttempt(attempt)
		c.notify(Status{
			Message:  fmt.Sprintf("Reconnecting to %s (%d/%d)", target, attempt, n),
			Attempt:  attempt,
			Attempts: n,
		})

		err := c.open(ctx, target, epoch)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrCancelled) || ctx.Err() != nil {
			return ErrCancelled
		}
		c.log.Warn("reconnect attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("attempts", n),
			zap.Error(err),
		)
		if attempt == n {
			break
		}
		if err := sleep(ctx, c.schedule[i]); err != nil {
			return ErrCancelled
		}
	}
	return ErrRetriesExhausted
}

// reconnectInBackground starts a cycle on its own goroutine unless one is
// running, the controller is closed or there is nothing to reconnect to.
func (c *Controller) reconnectInBackground() {
	c.mu.Lock()
	if c.reconnecting || c.closed || c.target == "" || c.state == StateConnected {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		if err := c.AttemptReconnect(c.ctx); err != nil && !errors.Is(err, ErrReconnectInProgress) {
			c.log.Debug("background reconnection ended", zap.Error(err))
		}
	}()
}

// ── Sending ───────────────────────────────────────────────────────────────

// Send transmits text. When the link is down one reconnection cycle is tried
// first; if that fails the message is queued and the returned error wraps
// ErrQueued. A transient failure mid-message queues the whole message and
// starts a background cycle. A protocol failure drops the message.
func (c *Controller) Send(ctx context.Context, text string) error {
	if text == "" {
		c.log.Warn("send: empty message dropped")
		c.metrics.MessageDropped()
		return ErrEmptyMessage
	}

	if c.State() != StateConnected {
		if err := c.AttemptReconnect(ctx); err != nil {
			c.enqueue(text)
			c.log.Warn("send: not connected, message queued",
				zap.Int("pending", c.queue.Len()),
				zap.Error(err),
			)
			c.notify(Status{Message: "Not connected, message queued", Err: err})
			// A Connect that finished after the state check has already
			// drained; flush what was just added.
			c.drainPending()
			return fmt.Errorf("%w: %w", ErrQueued, err)
		}
	} else if c.queue.Len() > 0 {
		c.drainPending()
	}

	err := c.transmit(ctx, text)
	switch Classify(err) {
	case KindNone:
		return nil
	case KindProtocol:
		c.metrics.MessageDropped()
		c.log.Error("send: message dropped", zap.Error(err))
		c.notify(Status{Message: "Message could not be encoded and was dropped", Err: err})
		return err
	case KindCancelled:
		return err
	default:
		c.enqueue(text)
		c.log.Warn("send: link failure, message queued",
			zap.Int("pending", c.queue.Len()),
			zap.Error(err),
		)
		c.notify(Status{Message: "Connection lost, message queued", Err: err})
		c.reconnectInBackground()
		return fmt.Errorf("%w: %w", ErrQueued, err)
	}
}

// transmit chunks text and writes every frame on the current link.
// A transient failure marks the link as lost.
func (c *Controller) transmit(ctx context.Context, text string) error {
	frames := c.chunker.Split(text)
	if len(frames) == 0 {
		return ErrEmptyMessage
	}
	if len(frames) > MaxFrames {
		return fmt.Errorf("%w: %d frames (max %d)", ErrMessageTooLong, len(frames), MaxFrames)
	}

	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	c.mu.Lock()
	link, channel, state := c.link, c.channel, c.state
	c.mu.Unlock()
	if link == nil || state != StateConnected {
		return ErrNotConnected
	}

	err := c.chunker.SendAll(ctx, frames, FrameWriterFunc(func(ctx context.Context, f Frame) error {
		if err := link.WriteText(ctx, channel, f.Payload()); err != nil {
			return err
		}
		c.metrics.FrameSent()
		return nil
	}))
	switch Classify(err) {
	case KindNone:
		c.metrics.MessageSent()
	case KindTransient:
		c.linkLost(link, err)
	}
	return err
}

// linkLost drops link if it is still the current one.
func (c *Controller) linkLost(link Link, cause error) bool {
	c.mu.Lock()
	if c.link != link {
		c.mu.Unlock()
		return false
	}
	c.link = nil
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if err := link.Close(); err != nil {
		c.log.Debug("close lost link", zap.Error(err))
	}
	c.log.Warn("connection lost", zap.Error(cause))
	c.notify(Status{Message: "Connection lost", Err: cause})
	return true
}

func (c *Controller) enqueue(text string) {
	c.queue.Enqueue(text)
	c.metrics.MessageQueued()
	c.metrics.SetQueueDepth(c.queue.Len())
}

// drainPending flushes the outbound queue. Only one drain runs at a time;
// the queue is checked again after each pass so a message enqueued while
// another drain was finishing is not left behind.
func (c *Controller) drainPending() {
	for c.queue.Len() > 0 && c.State() == StateConnected {
		if !c.draining.CompareAndSwap(false, true) {
			return
		}
		res := c.drainOnce()
		c.draining.Store(false)
		if res.Interrupted {
			if Classify(res.Err) == KindTransient {
				c.reconnectInBackground()
			}
			return
		}
	}
}

func (c *Controller) drainOnce() DrainResult {
	c.log.Info("draining outbound queue", zap.Int("pending", c.queue.Len()))
	res := c.queue.Drain(c.ctx, c.transmit, func() bool { return c.State() == StateConnected })
	for i := 0; i < res.Dropped; i++ {
		c.metrics.MessageDropped()
	}
	c.metrics.SetQueueDepth(c.queue.Len())

	c.log.Info("drain finished",
		zap.Int("sent", res.Sent),
		zap.Int("dropped", res.Dropped),
		zap.Int("pending", c.queue.Len()),
		zap.Bool("interrupted", res.Interrupted),
	)
	if res.Sent > 0 || res.Dropped > 0 {
		c.notify(Status{Message: fmt.Sprintf("Delivered %d queued message(s), %d dropped", res.Sent, res.Dropped)})
	}
	return res
}

// ── Channels ──────────────────────────────────────────────────────────────

// Channels lists selectable channel names. Index 0 is always "Primary".
func (c *Controller) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := []string{PrimaryChannel}
	for i, name := range c.channels {
		if i == 0 || name == "" {
			continue
		}
		names = append(names, name)
	}
	return names
}

// SetChannel selects the channel used for outbound frames.
func (c *Controller) SetChannel(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if name == PrimaryChannel {
		c.channel = 0
		c.log.Info("switched channel", zap.String("channel", name))
		return nil
	}
	for i, n := range c.channels {
		if i > 0 && n != "" && n == name {
			c.channel = i
			c.log.Info("switched channel", zap.String("channel", name), zap.Int("index", i))
			return nil
		}
	}
	c.log.Warn("channel not found", zap.String("channel", name))
	return fmt.Errorf("%w: %q", ErrUnknownChannel, name)
}

// Channel returns the selected channel index.
func (c *Controller) Channel() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

// ── Diagnostics ───────────────────────────────────────────────────────────

// State returns the current connection state.
func (c *Controller) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reconnecting reports whether a reconnection cycle is running.
func (c *Controller) Reconnecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnecting
}

// LastTarget returns the last successfully connected target, or "" after an
// explicit disconnect.
func (c *Controller) LastTarget() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

// QueueLen returns the number of messages waiting for delivery.
func (c *Controller) QueueLen() int { return c.queue.Len() }

// Pending returns a copy of the outbound queue, head first.
func (c *Controller) Pending() []PendingMessage { return c.queue.Snapshot() }

// Snapshot returns the controller state in one consistent read.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	s := Snapshot{
		State:        c.state,
		Target:       c.target,
		Reconnecting: c.reconnecting,
		Channel:      c.channel,
		ChannelName:  PrimaryChannel,
	}
	if c.channel > 0 && c.channel < len(c.channels) {
		s.ChannelName = c.channels[c.channel]
	}
	c.mu.Unlock()
	s.QueueLen = c.queue.Len()
	return s
}

// ── internal ──────────────────────────────────────────────────────────────

func (c *Controller) setStateLocked(s ConnectionState) {
	if c.state == s {
		return
	}
	c.log.Debug("state transition", zap.Stringer("from", c.state), zap.Stringer("to", s))
	c.state = s
	c.metrics.SetState(s)
}

// notify fills in the current state and invokes the status observer.
func (c *Controller) notify(s Status) {
	c.mu.Lock()
	fn := c.onStatus
	s.State = c.state
	s.Reconnecting = c.reconnecting
	c.mu.Unlock()
	if fn == nil {
		return
	}
	s.Timestamp = time.Now().UTC()
	fn(s)
}
