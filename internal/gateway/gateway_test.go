package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/meshcommons/meshbridge/internal/config"
	"github.com/meshcommons/meshbridge/internal/radio"
	"github.com/meshcommons/meshbridge/internal/store"
	"github.com/meshcommons/meshbridge/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// httptest servers keep idle keep-alive connections briefly.
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
	)
}

type fakeRadio struct {
	mu       sync.Mutex
	onPacket func(transport.Packet)
	onNode   func(radio.Node)
	written  []string
}

func (r *fakeRadio) Open(context.Context, string) (transport.Link, error) {
	return &fakeLink{r: r}, nil
}

func (r *fakeRadio) Subscribe(fn func(transport.Packet)) {
	r.mu.Lock()
	r.onPacket = fn
	r.mu.Unlock()
}

func (r *fakeRadio) SubscribeNodes(fn func(radio.Node)) {
	r.mu.Lock()
	r.onNode = fn
	r.mu.Unlock()
}

func (r *fakeRadio) deliver(p transport.Packet) {
	r.mu.Lock()
	fn := r.onPacket
	r.mu.Unlock()
	fn(p)
}

func (r *fakeRadio) announce(n radio.Node) {
	r.mu.Lock()
	fn := r.onNode
	r.mu.Unlock()
	fn(n)
}

func (r *fakeRadio) frames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.written...)
}

type fakeLink struct{ r *fakeRadio }

func (l *fakeLink) WriteText(_ context.Context, _ int, text string) error {
	l.r.mu.Lock()
	l.r.written = append(l.r.written, text)
	l.r.mu.Unlock()
	return nil
}

func (l *fakeLink) Channels() []string { return []string{"", "Ops"} }
func (l *fakeLink) Close() error       { return nil }

func chatServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		last := req.Messages[len(req.Messages)-1].Content
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]string{"role": "assistant", "content": "echo " + last},
			"done":    true,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestGateway(t *testing.T) (*Gateway, *fakeRadio, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.API.Enabled = false
	cfg.Transport.FramePacing = time.Millisecond
	cfg.Transport.RetrySchedule = []time.Duration{time.Millisecond}
	cfg.Ollama.URL = chatServer(t).URL
	cfg.Ollama.Model = "tiny"

	db, err := store.Open(filepath.Join(dir, "journal.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))

	r := &fakeRadio{}
	cfgPath := filepath.Join(dir, "meshbridge.yaml")
	g, err := newGateway(context.Background(), cfg, cfgPath, db, r, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, g.Close()) })
	return g, r, cfgPath
}

func TestSendJournalsAndPublishes(t *testing.T) {
	g, r, _ := newTestGateway(t)
	events, unsub := g.Subscribe()
	defer unsub()
	ctx := context.Background()

	require.NoError(t, g.Connect(ctx, "meshnode.local"))
	m, err := g.SendMessage(ctx, "hello mesh")
	require.NoError(t, err)
	assert.Equal(t, store.StatusSent, m.Status)
	assert.NotEmpty(t, m.UUID)
	assert.Equal(t, []string{"hello mesh"}, r.frames())

	msgs, err := g.Messages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.Outbound, msgs[0].Direction)
	assert.Equal(t, LocalNode, msgs[0].FromNode)

	var sawMessage bool
	for len(events) > 0 {
		if e := <-events; e.Type == EventMessage {
			sawMessage = true
		}
	}
	assert.True(t, sawMessage)
}

func TestSendWhileDisconnectedIsQueued(t *testing.T) {
	g, _, _ := newTestGateway(t)
	m, err := g.SendMessage(context.Background(), "later")
	assert.ErrorIs(t, err, transport.ErrQueued)
	assert.Equal(t, store.StatusQueued, m.Status)
	assert.Equal(t, 1, g.Status().QueueDepth)
}

func TestInboundTextIsJournaledAndRegistersNode(t *testing.T) {
	g, r, _ := newTestGateway(t)
	r.deliver(transport.Packet{ID: 9, From: 0xbeef, To: 0xFFFFFFFF, Channel: 1, Text: "hi base", IsText: true})
	r.deliver(transport.Packet{ID: 10, From: 0xbeef})

	msgs, err := g.Messages(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi base", msgs[0].Text)
	assert.Equal(t, "!0000beef", msgs[0].FromNode)
	assert.Equal(t, "broadcast", msgs[0].ToNode)
	assert.Equal(t, store.Inbound, msgs[0].Direction)

	nodes := g.Nodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, 1, nodes[0].Messages)
	assert.Equal(t, 1, g.Status().NodeCount)
}

func TestNodeAnnouncementUpdatesRegistry(t *testing.T) {
	g, r, _ := newTestGateway(t)
	r.announce(radio.Node{Num: 0x1234, LongName: "Ridge Relay", ShortName: "RR"})

	nodes := g.Nodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, "Ridge Relay", nodes[0].LongName)
}

func TestConnectPersistsTarget(t *testing.T) {
	g, _, cfgPath := newTestGateway(t)
	require.NoError(t, g.Connect(context.Background(), "/dev/ttyUSB0"))

	saved, err := config.Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB0", saved.Radio.Target)

	g.SelectModel("bigger")
	saved, err = config.Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "bigger", saved.Ollama.Model)
	assert.Equal(t, "bigger", g.Status().Model)
}

func TestChannels(t *testing.T) {
	g, _, _ := newTestGateway(t)
	require.NoError(t, g.Connect(context.Background(), "meshnode.local"))
	assert.Equal(t, ChannelList{Channels: []string{"Primary", "Ops"}, Selected: "Primary"}, g.Channels())

	require.NoError(t, g.SelectChannel("Ops"))
	assert.Equal(t, "Ops", g.Channels().Selected)
	assert.ErrorIs(t, g.SelectChannel("nope"), transport.ErrUnknownChannel)
}

func TestConversationAnswersOnMesh(t *testing.T) {
	g, r, _ := newTestGateway(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx, nil) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	require.NoError(t, g.Connect(ctx, "meshnode.local"))
	require.NoError(t, g.SetConversation(ctx, true))
	assert.True(t, g.Status().Conversation)

	r.deliver(transport.Packet{From: 0xbeef, Text: "status?", IsText: true})
	require.Eventually(t, func() bool { return len(r.frames()) == 2 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, []string{
		"Hello! I'm running with the tiny model. How can I help you?",
		"echo status?",
	}, r.frames())

	require.NoError(t, g.SetConversation(ctx, false))
	assert.False(t, g.Status().Conversation)
}

func TestRespondRoundTrip(t *testing.T) {
	g, _, _ := newTestGateway(t)
	reply, err := g.Respond(context.Background(), "ping")
	require.NoError(t, err)
	assert.Equal(t, "echo ping", reply)
	g.ClearHistory()
}

func TestStatusEventsPublished(t *testing.T) {
	g, _, _ := newTestGateway(t)
	events, unsub := g.Subscribe()
	defer unsub()

	require.NoError(t, g.Connect(context.Background(), "meshnode.local"))
	g.Disconnect()

	var messages []string
	for len(events) > 0 {
		e := <-events
		if e.Type == EventStatus {
			messages = append(messages, e.Data.(statusEvent).Message)
		}
	}
	assert.Equal(t, []string{"Connected to meshnode.local", "Disconnected"}, messages)
}

func TestRunListenFailureStartsNothing(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	g, _, _ := newTestGateway(t)
	g.cfg.API.Enabled = true
	g.cfg.API.ListenAddr = busy.Addr().String()

	err = g.Run(context.Background(), http.NotFoundHandler())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gateway: listen")
	assert.NoError(t, runBridgeOnce(t, g), "bridge worker left running")
}

// runBridgeOnce starts and stops the bridge worker; it fails with
// bridge.ErrAlreadyRunning if an earlier Run left a worker behind.
func runBridgeOnce(t *testing.T, g *Gateway) error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return g.bridge.Run(ctx)
}

func TestRunServesHandlerUntilCancelled(t *testing.T) {
	g, _, _ := newTestGateway(t)
	g.cfg.API.Enabled = true
	g.cfg.API.ListenAddr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- g.Run(ctx, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))
	}()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
