package transport

import (
	"sync"

	"go.uber.org/zap"
)

// Dispatcher forwards decoded inbound text to the registered observer and
// to an optional sink (the message journal). It runs on the driver's
// delivery goroutine and never looks at send-path state.
type Dispatcher struct {
	mu       sync.RWMutex
	onMsg    MessageFunc
	sink     MessageFunc
	log      *zap.Logger
	received uint64
}

// NewDispatcher returns a Dispatcher with no observer.
func NewDispatcher(log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{log: log}
}

// SetObserver registers the single inbound observer, replacing any previous one.
func (d *Dispatcher) SetObserver(fn MessageFunc) {
	d.mu.Lock()
	d.onMsg = fn
	d.mu.Unlock()
}

// SetSink registers the log sink.
func (d *Dispatcher) SetSink(fn MessageFunc) {
	d.mu.Lock()
	d.sink = fn
	d.mu.Unlock()
}

// Received returns how many text packets were dispatched.
func (d *Dispatcher) Received() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.received
}

// OnPacket handles one inbound packet. Non-text packets are ignored.
func (d *Dispatcher) OnPacket(p Packet) {
	if !p.IsText {
		return
	}
	d.mu.Lock()
	d.received++
	onMsg, sink := d.onMsg, d.sink
	d.mu.Unlock()

	d.log.Info("received",
		zap.String("from", p.FromID()),
		zap.Uint32("channel", p.Channel),
		zap.String("text", p.Text),
	)
	d.call("sink", sink, p)
	d.call("observer", onMsg, p)
}

// call invokes fn, keeping the driver's reader alive if it panics.
func (d *Dispatcher) call(name string, fn MessageFunc, p Packet) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("dispatcher: inbound "+name+" panicked", zap.Any("panic", r))
		}
	}()
	fn(p)
}
