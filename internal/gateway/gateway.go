// Package gateway is the meshbridge application service. It owns the
// transport controller, the radio driver, the journal, the node registry,
// the chat bridge and the event bus, and serves the HTTP facade.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/meshcommons/meshbridge/internal/bridge"
	"github.com/meshcommons/meshbridge/internal/config"
	"github.com/meshcommons/meshbridge/internal/metrics"
	"github.com/meshcommons/meshbridge/internal/radio"
	"github.com/meshcommons/meshbridge/internal/responder"
	"github.com/meshcommons/meshbridge/internal/state"
	"github.com/meshcommons/meshbridge/internal/store"
	"github.com/meshcommons/meshbridge/internal/transport"
)

// LocalNode names the bridge itself in the journal.
const LocalNode = "local"

// Status is the facade's view of the whole service.
type Status struct {
	State        string `json:"state"`
	Target       string `json:"target,omitempty"`
	Reconnecting bool   `json:"reconnecting"`
	QueueDepth   int    `json:"queue_depth"`
	Channel      string `json:"channel"`
	Conversation bool   `json:"conversation"`
	Model        string `json:"model,omitempty"`
	NodeCount    int    `json:"node_count"`
	Subscribers  int    `json:"subscribers"`
}

// ChannelList is the selectable channels with the current selection.
type ChannelList struct {
	Channels []string `json:"channels"`
	Selected string   `json:"selected"`
}

// Gateway is the central application service.
type Gateway struct {
	cfgMu   sync.Mutex
	cfg     *config.Config
	cfgPath string

	log      *zap.Logger
	db       *store.DB
	nodes    *state.Manager
	bus      *EventBus
	ctrl     *transport.Controller
	chat     *responder.Ollama
	bridge   *bridge.Bridge
	registry *prometheus.Registry
}

// New opens the journal and wires every component. Nothing talks to the
// device until Connect or Run.
func New(ctx context.Context, cfg *config.Config, cfgPath string, log *zap.Logger) (*Gateway, error) {
	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	g, err := newGateway(ctx, cfg, cfgPath, db, radio.New(radio.Options{
		BaudRate: cfg.Radio.BaudRate,
		Logger:   log.Named("radio"),
	}), log)
	if err != nil {
		db.Close()
		return nil, err
	}
	return g, nil
}

// driver is what the gateway needs from the radio beyond transport.Driver.
type driver interface {
	transport.Driver
	SubscribeNodes(fn func(radio.Node))
}

func newGateway(ctx context.Context, cfg *config.Config, cfgPath string, db *store.DB, drv driver, log *zap.Logger) (*Gateway, error) {
	nodes, err := state.New(ctx, db, log.Named("state"))
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	g := &Gateway{
		cfg:      cfg,
		cfgPath:  cfgPath,
		log:      log,
		db:       db,
		nodes:    nodes,
		bus:      NewEventBus(64),
		registry: reg,
	}
	g.ctrl = transport.NewController(drv, transport.Options{
		MaxFrameSize:  cfg.Transport.MaxFrameSize,
		FramePacing:   cfg.Transport.FramePacing,
		RetrySchedule: cfg.Transport.RetrySchedule,
		QueueLimit:    cfg.Transport.QueueLimit,
		OpenTimeout:   cfg.Transport.OpenTimeout,
		OnStatus:      g.onStatus,
		Metrics:       metrics.NewTransport(metrics.Config{Registry: reg}),
		Logger:        log.Named("transport"),
	})
	g.chat = responder.NewOllama(cfg.Ollama.URL, cfg.Ollama.Model, cfg.Ollama.Timeout, log.Named("responder"))
	g.bridge = bridge.New(g, g.chat, log.Named("bridge"))

	g.ctrl.Dispatcher().SetSink(g.record)
	g.ctrl.Dispatcher().SetObserver(g.bridge.OnMessage)
	drv.SubscribeNodes(g.onNode)
	return g, nil
}

// Registry returns the Prometheus registry holding the service metrics.
func (g *Gateway) Registry() *prometheus.Registry { return g.registry }

// Run connects on start when configured, answers mesh messages and serves
// handler on the configured address until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context, handler http.Handler) error {
	var (
		srv *http.Server
		ln  net.Listener
	)
	if g.cfg.API.Enabled && handler != nil {
		var err error
		ln, err = net.Listen("tcp", g.cfg.API.ListenAddr)
		if err != nil {
			return fmt.Errorf("gateway: listen %s: %w", g.cfg.API.ListenAddr, err)
		}
		srv = &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		g.log.Info("HTTP gateway listening", zap.String("addr", ln.Addr().String()))
	}

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error { return g.bridge.Run(ctx) })

	if g.cfg.Radio.ConnectOnStart && g.cfg.Radio.Target != "" {
		eg.Go(func() error {
			if err := g.Connect(ctx, g.cfg.Radio.Target); err != nil {
				g.log.Warn("connect on start failed", zap.Error(err))
			}
			return nil
		})
	}
	if g.cfg.Bridge.AutoReply {
		eg.Go(func() error {
			if err := g.SetConversation(ctx, true); err != nil {
				g.log.Warn("auto-reply not started", zap.Error(err))
			}
			return nil
		})
	}

	if srv != nil {
		eg.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("gateway: serve: %w", err)
			}
			return nil
		})
		eg.Go(func() error {
			<-ctx.Done()
			g.log.Info("shutting down gateway")
			shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutCtx)
		})
	}

	return eg.Wait()
}

// Close stops the transport and closes the journal.
func (g *Gateway) Close() error {
	g.bridge.Stop()
	cerr := g.ctrl.Close()
	if err := g.db.Close(); err != nil {
		return fmt.Errorf("gateway: close store: %w", err)
	}
	return cerr
}

// ── Connection ────────────────────────────────────────────────────────────

// Connect opens target and remembers it in the settings file.
func (g *Gateway) Connect(ctx context.Context, target string) error {
	if err := g.ctrl.Connect(ctx, target); err != nil {
		return err
	}
	g.updateSettings(func(c *config.Config) bool {
		if c.Radio.Target == target {
			return false
		}
		c.Radio.Target = target
		return true
	})
	return nil
}

// Disconnect closes the link and ends any conversation.
func (g *Gateway) Disconnect() {
	g.bridge.Stop()
	g.ctrl.Disconnect()
}

// Reconnect runs one reconnection cycle against the last target.
func (g *Gateway) Reconnect(ctx context.Context) error {
	return g.ctrl.AttemptReconnect(ctx)
}

// Status reports the service state.
func (g *Gateway) Status() Status {
	s := g.ctrl.Snapshot()
	return Status{
		State:        s.State.String(),
		Target:       s.Target,
		Reconnecting: s.Reconnecting,
		QueueDepth:   s.QueueLen,
		Channel:      s.ChannelName,
		Conversation: g.bridge.Active(),
		Model:        g.chat.Model(),
		NodeCount:    g.nodes.NodeCount(),
		Subscribers:  g.bus.Len(),
	}
}

// ── Messages ──────────────────────────────────────────────────────────────

// Send journals text and hands it to the transport.
func (g *Gateway) Send(ctx context.Context, text string) error {
	_, err := g.SendMessage(ctx, text)
	return err
}

// SendMessage is Send returning the journal entry, whose status tells sent,
// queued, dropped and failed apart.
func (g *Gateway) SendMessage(ctx context.Context, text string) (*store.Message, error) {
	m := &store.Message{
		UUID:      uuid.NewString(),
		FromNode:  LocalNode,
		ToNode:    "broadcast",
		Channel:   g.ctrl.Channel(),
		Text:      text,
		Direction: store.Outbound,
	}

	err := g.ctrl.Send(ctx, text)
	switch {
	case err == nil:
		m.Status = store.StatusSent
	case errors.Is(err, transport.ErrQueued):
		m.Status = store.StatusQueued
	case errors.Is(err, transport.ErrProtocol):
		m.Status = store.StatusDropped
	default:
		m.Status = store.StatusFailed
	}

	if text != "" {
		if _, jerr := g.db.InsertMessage(context.WithoutCancel(ctx), m); jerr != nil {
			g.log.Warn("journal outbound message", zap.Error(jerr))
		}
		g.bus.Publish(Event{Type: EventMessage, Data: m})
	}
	return m, err
}

// Messages returns the most recent journal entries.
func (g *Gateway) Messages(ctx context.Context, limit int) ([]*store.Message, error) {
	return g.db.ListMessages(ctx, limit)
}

// record journals an inbound text packet; it is the dispatcher sink.
func (g *Gateway) record(p transport.Packet) {
	ctx := context.Background()
	m := &store.Message{
		UUID:       uuid.NewString(),
		MeshID:     p.ID,
		FromNode:   p.FromID(),
		ToNode:     "broadcast",
		Channel:    int(p.Channel),
		Text:       p.Text,
		Direction:  store.Inbound,
		Status:     store.StatusReceived,
		ReceivedAt: p.ReceivedAt,
	}
	if p.To != 0 && p.To != 0xFFFFFFFF {
		m.ToNode = state.NodeIDHex(p.To)
	}
	if _, err := g.db.InsertMessage(ctx, m); err != nil {
		g.log.Warn("journal inbound message", zap.Error(err))
	}
	if err := g.nodes.ObserveText(ctx, p.From, int(p.Channel)); err != nil {
		g.log.Warn("update node registry", zap.Error(err))
	}
	g.bus.Publish(Event{Type: EventMessage, Data: m})
}

// ── Channels ──────────────────────────────────────────────────────────────

// Channels lists the selectable channels.
func (g *Gateway) Channels() ChannelList {
	return ChannelList{Channels: g.ctrl.Channels(), Selected: g.ctrl.Snapshot().ChannelName}
}

// SelectChannel switches the outbound channel.
func (g *Gateway) SelectChannel(name string) error {
	return g.ctrl.SetChannel(name)
}

// ── Nodes ─────────────────────────────────────────────────────────────────

// Nodes returns the node registry, most recently heard first.
func (g *Gateway) Nodes() []state.Node {
	return g.nodes.ListNodes()
}

func (g *Gateway) onNode(n radio.Node) {
	if err := g.nodes.UpsertNode(context.Background(), n.Num, n.LongName, n.ShortName); err != nil {
		g.log.Warn("update node registry", zap.Error(err))
		return
	}
	if node, ok := g.nodes.GetNode(n.Num); ok {
		g.bus.Publish(Event{Type: EventNodeUpdate, Data: node})
	}
}

// ── Chat engine ───────────────────────────────────────────────────────────

// Respond runs prompt through the chat engine.
func (g *Gateway) Respond(ctx context.Context, prompt string) (string, error) {
	return g.bridge.Ask(ctx, prompt)
}

// SetConversation starts (greeting sent) or stops auto-reply.
func (g *Gateway) SetConversation(ctx context.Context, active bool) error {
	if active {
		if err := g.bridge.Start(ctx); err != nil {
			return err
		}
	} else {
		g.bridge.Stop()
	}
	g.bus.Publish(Event{Type: EventConversation, Data: map[string]bool{"active": active}})
	return nil
}

// Models lists the chat engine's installed models.
func (g *Gateway) Models(ctx context.Context) ([]string, error) {
	return g.chat.ListModels(ctx)
}

// SelectModel switches the chat model and persists the choice.
func (g *Gateway) SelectModel(name string) {
	g.chat.SetModel(name)
	g.updateSettings(func(c *config.Config) bool {
		c.Ollama.Model = name
		return true
	})
}

// ClearHistory forgets the chat context.
func (g *Gateway) ClearHistory() {
	g.chat.History().Clear()
}

// ── Events ────────────────────────────────────────────────────────────────

// Subscribe registers an event stream client.
func (g *Gateway) Subscribe() (<-chan Event, func()) {
	return g.bus.Subscribe()
}

type statusEvent struct {
	State        string `json:"state"`
	Reconnecting bool   `json:"reconnecting"`
	Message      string `json:"message"`
	Attempt      int    `json:"attempt,omitempty"`
	Attempts     int    `json:"attempts,omitempty"`
	Error        string `json:"error,omitempty"`
}

func (g *Gateway) onStatus(s transport.Status) {
	ev := statusEvent{
		State:        s.State.String(),
		Reconnecting: s.Reconnecting,
		Message:      s.Message,
		Attempt:      s.Attempt,
		Attempts:     s.Attempts,
	}
	if s.Err != nil {
		ev.Error = s.Err.Error()
	}
	g.bus.Publish(Event{Type: EventStatus, Timestamp: s.Timestamp, Data: ev})
}

// updateSettings applies fn to the configuration and writes the settings
// file when fn reports a change.
func (g *Gateway) updateSettings(fn func(*config.Config) bool) {
	g.cfgMu.Lock()
	defer g.cfgMu.Unlock()
	if !fn(g.cfg) || g.cfgPath == "" {
		return
	}
	if err := g.cfg.Save(g.cfgPath); err != nil {
		g.log.Warn("save settings", zap.Error(err))
	}
}
