package radio

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/meshcommons/meshbridge/internal/proto"
	"github.com/meshcommons/meshbridge/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// device simulates a Meshtastic node on the far end of a pipe.
type device struct {
	conn     net.Conn
	channels []proto.Channel
	nodes    []proto.NodeInfo
	silent   bool // never answers the config request

	mu   sync.Mutex
	sent []*proto.MeshPacket
	wg   sync.WaitGroup
}

func (dv *device) serve(t *testing.T) {
	dv.wg.Add(1)
	go func() {
		defer dv.wg.Done()
		fr := proto.NewFrameReader(dv.conn)
		for {
			payload, err := fr.Next()
			if err != nil {
				return
			}
			tr, err := proto.DecodeToRadio(payload)
			if err != nil {
				t.Errorf("device: decode: %v", err)
				return
			}
			switch {
			case tr.WantConfigID != 0 && !dv.silent:
				dv.push(t, &proto.FromRadio{MyInfo: &proto.MyNodeInfo{MyNodeNum: 0x0a0b0c0d}})
				for i := range dv.nodes {
					dv.push(t, &proto.FromRadio{NodeInfo: &dv.nodes[i]})
				}
				for i := range dv.channels {
					dv.push(t, &proto.FromRadio{Channel: &dv.channels[i]})
				}
				dv.push(t, &proto.FromRadio{ConfigCompleteID: tr.WantConfigID})
			case tr.Packet != nil:
				dv.mu.Lock()
				dv.sent = append(dv.sent, tr.Packet)
				dv.mu.Unlock()
			}
		}
	}()
}

func (dv *device) push(t *testing.T, fr *proto.FromRadio) {
	b, err := proto.EncodeFromRadio(fr)
	require.NoError(t, err)
	if err := proto.WriteFrame(dv.conn, b); err != nil {
		t.Logf("device: write: %v", err)
	}
}

func (dv *device) packets() []*proto.MeshPacket {
	dv.mu.Lock()
	defer dv.mu.Unlock()
	return append([]*proto.MeshPacket(nil), dv.sent...)
}

func (dv *device) stop() {
	dv.conn.Close()
	dv.wg.Wait()
}

func newTestDriver(t *testing.T, dv *device) *Driver {
	t.Helper()
	d := New(Options{ConfigTimeout: 200 * time.Millisecond, Logger: zaptest.NewLogger(t)})
	d.dialTCP = func(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
		assert.Equal(t, "meshnode.local:4403", addr)
		client, server := net.Pipe()
		dv.conn = server
		dv.serve(t)
		return client, nil
	}
	return d
}

func TestOpenDownloadsChannelsAndNodes(t *testing.T) {
	dv := &device{
		channels: []proto.Channel{
			{Index: 0, Name: "", Role: proto.RolePrimary},
			{Index: 1, Name: "Admin", Role: proto.RoleSecondary},
			{Index: 2, Name: "Old", Role: proto.RoleDisabled},
		},
		nodes: []proto.NodeInfo{{Num: 0x11223344, UserID: "!11223344", LongName: "Ridge Relay", ShortName: "RR"}},
	}
	d := newTestDriver(t, dv)
	var nodes []Node
	var mu sync.Mutex
	d.SubscribeNodes(func(n Node) {
		mu.Lock()
		nodes = append(nodes, n)
		mu.Unlock()
	})

	l, err := d.Open(context.Background(), "meshnode.local")
	require.NoError(t, err)
	defer dv.stop()
	defer l.Close()

	assert.Equal(t, []string{"", "Admin"}, l.Channels())
	mu.Lock()
	assert.Equal(t, []Node{{Num: 0x11223344, UserID: "!11223344", LongName: "Ridge Relay", ShortName: "RR"}}, nodes)
	mu.Unlock()
}

func TestOpenToleratesSilentDevice(t *testing.T) {
	dv := &device{silent: true}
	d := newTestDriver(t, dv)

	l, err := d.Open(context.Background(), "meshnode.local")
	require.NoError(t, err)
	defer dv.stop()
	defer l.Close()
	assert.Empty(t, l.Channels())
}

func TestWriteTextBroadcastsOnChannel(t *testing.T) {
	dv := &device{}
	d := newTestDriver(t, dv)
	l, err := d.Open(context.Background(), "meshnode.local")
	require.NoError(t, err)
	defer dv.stop()
	defer l.Close()

	require.NoError(t, l.WriteText(context.Background(), 1, "(1/2) hello"))
	require.Eventually(t, func() bool { return len(dv.packets()) == 1 }, time.Second, time.Millisecond)

	p := dv.packets()[0]
	assert.Equal(t, "(1/2) hello", string(p.Payload))
	assert.Equal(t, uint32(1), p.Channel)
	assert.Equal(t, proto.BroadcastAddr, p.To)
	assert.Equal(t, proto.PortTextMessage, p.PortNum)
}

func TestWriteTextOversizedIsProtocolError(t *testing.T) {
	dv := &device{}
	d := newTestDriver(t, dv)
	l, err := d.Open(context.Background(), "meshnode.local")
	require.NoError(t, err)
	defer dv.stop()
	defer l.Close()

	err = l.WriteText(context.Background(), 0, string(make([]byte, proto.MaxPayload+1)))
	assert.ErrorIs(t, err, transport.ErrProtocol)
	assert.Equal(t, transport.KindProtocol, transport.Classify(err))
}

func TestInboundTextDelivered(t *testing.T) {
	dv := &device{}
	d := newTestDriver(t, dv)
	got := make(chan transport.Packet, 4)
	d.Subscribe(func(p transport.Packet) { got <- p })

	l, err := d.Open(context.Background(), "meshnode.local")
	require.NoError(t, err)
	defer dv.stop()
	defer l.Close()

	dv.push(t, &proto.FromRadio{Packet: &proto.MeshPacket{
		ID: 7, From: 0xcafe, To: proto.BroadcastAddr, Channel: 1,
		PortNum: proto.PortTextMessage, Payload: []byte("ping"),
	}})
	dv.push(t, &proto.FromRadio{Packet: &proto.MeshPacket{
		ID: 8, From: 0xcafe, PortNum: proto.PortPosition, Payload: []byte{1, 2},
	}})

	p := <-got
	assert.True(t, p.IsText)
	assert.Equal(t, "ping", p.Text)
	assert.Equal(t, uint32(0xcafe), p.From)
	assert.Equal(t, uint32(1), p.Channel)

	p = <-got
	assert.False(t, p.IsText)
}

func TestDeviceHangupMarksLinkFailed(t *testing.T) {
	dv := &device{}
	d := newTestDriver(t, dv)
	l, err := d.Open(context.Background(), "meshnode.local")
	require.NoError(t, err)

	dv.stop()
	m := l.(transport.Monitored)
	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("link did not notice the hangup")
	}
	assert.ErrorIs(t, m.Err(), transport.ErrTransient)

	err = l.WriteText(context.Background(), 0, "late")
	assert.Equal(t, transport.KindTransient, transport.Classify(err))
	require.NoError(t, l.Close())
}

func TestOpenFailureWrapsCause(t *testing.T) {
	d := New(Options{})
	refused := &net.OpError{Op: "dial", Err: io.ErrUnexpectedEOF}
	d.dialTCP = func(context.Context, string) (io.ReadWriteCloser, error) { return nil, refused }

	_, err := d.Open(context.Background(), "10.0.0.9")
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Contains(t, err.Error(), "10.0.0.9")
}

func TestSerialTargetWakesDevice(t *testing.T) {
	dv := &device{}
	d := New(Options{ConfigTimeout: 200 * time.Millisecond})
	d.openSerial = func(path string, baud int) (io.ReadWriteCloser, error) {
		assert.Equal(t, "COM3", path)
		assert.Equal(t, DefaultBaudRate, baud)
		client, server := net.Pipe()
		dv.conn = server
		dv.serve(t)
		return client, nil
	}

	l, err := d.Open(context.Background(), "COM3 (USB-SERIAL CH340)")
	require.NoError(t, err)
	defer dv.stop()
	defer l.Close()
}

func TestTargetHelpers(t *testing.T) {
	assert.True(t, IsSerialTarget("/dev/ttyUSB0"))
	assert.True(t, IsSerialTarget("COM12"))
	assert.True(t, IsSerialTarget("com3"))
	assert.False(t, IsSerialTarget("community.local"))
	assert.False(t, IsSerialTarget("192.168.1.5"))

	assert.Equal(t, "COM3", SerialPath("COM3 (USB-SERIAL CH340)"))
	assert.Equal(t, "/dev/ttyACM0", SerialPath("/dev/ttyACM0"))

	cases := map[string]string{
		"meshnode.local": "meshnode.local:4403",
		"10.0.0.2:4000":  "10.0.0.2:4000",
		"fe80::1":        "[fe80::1]:4403",
		"[fe80::1]":      "[fe80::1]:4403",
		"[fe80::1]:4500": "[fe80::1]:4500",
	}
	for in, want := range cases {
		assert.Equal(t, want, TCPAddr(in), in)
	}
}

func TestControllerSendsMultiByteTextWithinPacketLimit(t *testing.T) {
	dv := &device{}
	d := newTestDriver(t, dv)
	c := transport.NewController(d, transport.Options{
		FramePacing: time.Millisecond,
		Logger:      zaptest.NewLogger(t),
	})
	require.NoError(t, c.Connect(context.Background(), "meshnode.local"))
	defer dv.stop()
	defer c.Close()

	text := strings.Repeat("д", 150)
	require.NoError(t, c.Send(context.Background(), text))
	assert.Zero(t, c.QueueLen())

	require.Eventually(t, func() bool { return len(dv.packets()) == 2 }, time.Second, time.Millisecond)
	var got strings.Builder
	for i, p := range dv.packets() {
		assert.LessOrEqual(t, len(p.Payload), proto.MaxPayload)
		prefix := fmt.Sprintf("(%d/2) ", i+1)
		require.True(t, strings.HasPrefix(string(p.Payload), prefix))
		got.WriteString(strings.TrimPrefix(string(p.Payload), prefix))
	}
	assert.Equal(t, text, got.String())
}
