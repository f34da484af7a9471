package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var errBusy = errors.New("device busy")

// fakeDriver scripts Open results and records every frame written through
// links it produced.
type fakeDriver struct {
	mu       sync.Mutex
	opens    int
	openErr  error
	channels []string
	onWrite  func(text string) error
	written  []string
	links    []*fakeLink
	onPacket func(Packet)
	openHook func(n int) // called with the 1-based open count, outside the lock
}

func (d *fakeDriver) Open(ctx context.Context, target string) (Link, error) {
	d.mu.Lock()
	d.opens++
	n, err, hook := d.opens, d.openErr, d.openHook
	d.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l := &fakeLink{d: d, done: make(chan struct{})}
	d.mu.Lock()
	d.links = append(d.links, l)
	d.mu.Unlock()
	return l, nil
}

func (d *fakeDriver) Subscribe(fn func(Packet)) {
	d.mu.Lock()
	d.onPacket = fn
	d.mu.Unlock()
}

func (d *fakeDriver) setOpenErr(err error) {
	d.mu.Lock()
	d.openErr = err
	d.mu.Unlock()
}

func (d *fakeDriver) setOnWrite(fn func(string) error) {
	d.mu.Lock()
	d.onWrite = fn
	d.mu.Unlock()
}

func (d *fakeDriver) openCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

func (d *fakeDriver) frames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.written...)
}

func (d *fakeDriver) deliver(p Packet) {
	d.mu.Lock()
	fn := d.onPacket
	d.mu.Unlock()
	fn(p)
}

type fakeLink struct {
	d      *fakeDriver
	mu     sync.Mutex
	closed bool
	done   chan struct{}
	err    error
}

func (l *fakeLink) WriteText(_ context.Context, _ int, text string) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrTransient
	}
	l.d.mu.Lock()
	fn := l.d.onWrite
	l.d.mu.Unlock()
	if fn != nil {
		if err := fn(text); err != nil {
			return err
		}
	}
	l.d.mu.Lock()
	l.d.written = append(l.d.written, text)
	l.d.mu.Unlock()
	return nil
}

func (l *fakeLink) Channels() []string {
	l.d.mu.Lock()
	defer l.d.mu.Unlock()
	return l.d.channels
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.done)
	}
	return nil
}

func (l *fakeLink) Done() <-chan struct{} { return l.done }

func (l *fakeLink) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// fail simulates the device going away on the receive side.
func (l *fakeLink) fail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.err = err
		l.closed = true
		close(l.done)
	}
}

// statusLog collects observer notifications.
type statusLog struct {
	mu sync.Mutex
	s  []Status
}

func (r *statusLog) observe(s Status) {
	r.mu.Lock()
	r.s = append(r.s, s)
	r.mu.Unlock()
}

func (r *statusLog) all() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.s...)
}

// progress returns the "i/n" labels of reconnection progress notifications.
func (r *statusLog) progress() []string {
	var out []string
	for _, s := range r.all() {
		if s.Attempt > 0 {
			out = append(out, fmt.Sprintf("%d/%d", s.Attempt, s.Attempts))
		}
	}
	return out
}
