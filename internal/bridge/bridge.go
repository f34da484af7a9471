// Package bridge connects inbound mesh text to the chat engine: while a
// conversation is active every received message is answered on the mesh.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/meshcommons/meshbridge/internal/transport"
)

const inboxSize = 32

var (
	ErrNoModel        = errors.New("bridge: no model selected")
	ErrAlreadyRunning = errors.New("bridge: already running")
)

// Sender transmits text on the mesh.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// Responder produces replies. Model names the engine in the greeting.
type Responder interface {
	Respond(ctx context.Context, prompt string) (string, error)
	Model() string
}

// Bridge answers mesh messages while a conversation is active. Replies are
// generated on a worker goroutine so the device reader never waits on the
// chat engine.
type Bridge struct {
	sender    Sender
	responder Responder
	log       *zap.Logger

	inbox chan transport.Packet

	mu      sync.Mutex
	active  bool
	running bool
}

// New wires a Bridge. Call Run to start the worker.
func New(sender Sender, responder Responder, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{
		sender:    sender,
		responder: responder,
		log:       log,
		inbox:     make(chan transport.Packet, inboxSize),
	}
}

// Greeting is the message announcing a new conversation.
func Greeting(model string) string {
	return fmt.Sprintf("Hello! I'm running with the %s model. How can I help you?", model)
}

// Start opens a conversation by sending the greeting. A greeting that was
// queued for later delivery still starts the conversation.
func (b *Bridge) Start(ctx context.Context) error {
	model := b.responder.Model()
	if model == "" {
		return ErrNoModel
	}
	greeting := Greeting(model)
	if err := b.sender.Send(ctx, greeting); err != nil && !errors.Is(err, transport.ErrQueued) {
		b.log.Error("bridge: failed to start conversation", zap.Error(err))
		return fmt.Errorf("bridge: send greeting: %w", err)
	}
	b.mu.Lock()
	b.active = true
	b.mu.Unlock()
	b.log.Info("bridge: conversation started", zap.String("model", model))
	return nil
}

// Stop ends the conversation. Messages already received are still answered.
func (b *Bridge) Stop() {
	b.mu.Lock()
	was := b.active
	b.active = false
	b.mu.Unlock()
	if was {
		b.log.Info("bridge: conversation stopped")
	}
}

// Active reports whether received messages are being answered.
func (b *Bridge) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// OnMessage is the transport message observer. It never blocks: when the
// worker is behind the packet is dropped with a warning.
func (b *Bridge) OnMessage(p transport.Packet) {
	if !b.Active() {
		return
	}
	select {
	case b.inbox <- p:
	default:
		b.log.Warn("bridge: inbox full, message not answered", zap.String("from", p.FromID()))
	}
}

// Run answers messages until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return ErrAlreadyRunning
	}
	b.running = true
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.running = false
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-b.inbox:
			b.answer(ctx, p)
		}
	}
}

// Ask runs one prompt through the responder without touching the mesh.
func (b *Bridge) Ask(ctx context.Context, prompt string) (string, error) {
	return b.responder.Respond(ctx, prompt)
}

func (b *Bridge) answer(ctx context.Context, p transport.Packet) {
	log := b.log.With(zap.String("from", p.FromID()))
	reply, err := b.responder.Respond(ctx, p.Text)
	if err != nil {
		log.Error("bridge: generate reply", zap.Error(err))
		return
	}
	err = b.sender.Send(ctx, reply)
	switch {
	case err == nil:
		log.Info("bridge: replied", zap.Int("chars", len(reply)))
	case errors.Is(err, transport.ErrQueued):
		log.Warn("bridge: reply queued", zap.Error(err))
	default:
		log.Error("bridge: send reply", zap.Error(err))
	}
}
