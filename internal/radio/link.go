package radio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshcommons/meshbridge/internal/proto"
	"github.com/meshcommons/meshbridge/internal/transport"
)

// maxChannels is the size of the firmware channel table.
const maxChannels = 8

// link is one open connection to a device. It implements transport.Link and
// transport.Monitored.
type link struct {
	d      *Driver
	rwc    io.ReadWriteCloser
	kind   string
	target string
	log    *zap.Logger

	writeMu sync.Mutex

	mu         sync.RWMutex
	channels   map[int32]string
	myNode     uint32
	configID   uint32
	configDone chan struct{}

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
	wg        sync.WaitGroup
}

func newLink(d *Driver, rwc io.ReadWriteCloser, kind, target string) *link {
	return &link{
		d:          d,
		rwc:        rwc,
		kind:       kind,
		target:     target,
		log:        d.log.With(zap.String("target", target)),
		channels:   make(map[int32]string),
		configDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (l *link) start() {
	l.wg.Add(1)
	go l.readLoop()
}

// wake sends the START2 burst serial firmware needs before it will parse
// frames.
func (l *link) wake() error {
	_, err := l.rwc.Write(bytes.Repeat([]byte{0xC3}, 32))
	return err
}

// requestConfig asks the device for its configuration and waits until the
// channel table has been streamed or timeout elapses. A device that never
// answers is not an error: the link stays usable on the primary channel.
func (l *link) requestConfig(ctx context.Context, timeout time.Duration) error {
	id := l.d.packetID()
	l.mu.Lock()
	l.configID = id
	l.mu.Unlock()

	b, err := proto.EncodeToRadio(&proto.ToRadio{WantConfigID: id})
	if err != nil {
		return err
	}
	if err := l.writeRaw(ctx, b); err != nil {
		return err
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-l.configDone:
	case <-t.C:
		l.log.Warn("radio: device did not finish config download", zap.Duration("timeout", timeout))
	case <-l.done:
		return l.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// WriteText sends text as a broadcast TEXT_MESSAGE_APP packet.
func (l *link) WriteText(ctx context.Context, channel int, text string) error {
	b, err := proto.EncodeToRadio(&proto.ToRadio{Packet: proto.TextPacket(l.d.packetID(), channel, text)})
	if err != nil {
		return fmt.Errorf("%w: %w", transport.ErrProtocol, err)
	}
	if err := l.writeRaw(ctx, b); err != nil {
		if errors.Is(err, proto.ErrPayloadTooLarge) {
			return fmt.Errorf("%w: %w", transport.ErrProtocol, err)
		}
		return fmt.Errorf("radio: write: %w", err)
	}
	return nil
}

func (l *link) writeRaw(ctx context.Context, payload []byte) error {
	select {
	case <-l.done:
		if err := l.Err(); err != nil {
			return err
		}
		return net.ErrClosed
	default:
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if c, ok := l.rwc.(interface{ SetWriteDeadline(time.Time) error }); ok {
		deadline := time.Now().Add(l.d.opts.WriteTimeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		_ = c.SetWriteDeadline(deadline)
	}
	return proto.WriteFrame(l.rwc, payload)
}

// Channels returns the device channel table by index; disabled slots are
// empty strings.
func (l *link) Channels() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	hi := int32(-1)
	for idx := range l.channels {
		if idx > hi {
			hi = idx
		}
	}
	out := make([]string, hi+1)
	for idx, name := range l.channels {
		out[idx] = name
	}
	return out
}

// Done is closed when the link stops reading, whether by Close or failure.
func (l *link) Done() <-chan struct{} { return l.done }

// Err reports why the link went down; nil after a clean Close.
func (l *link) Err() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.err
}

// Close tears down the link and waits for the reader to exit.
func (l *link) Close() error {
	err := l.shutdown(nil)
	l.wg.Wait()
	return err
}

func (l *link) shutdown(cause error) error {
	var err error
	l.closeOnce.Do(func() {
		l.errMu.Lock()
		l.err = cause
		l.errMu.Unlock()
		err = l.rwc.Close()
		close(l.done)
	})
	return err
}

// ── internal ──────────────────────────────────────────────────────────────

func (l *link) readLoop() {
	defer l.wg.Done()

	fr := proto.NewFrameReader(l.rwc)
	for {
		payload, err := fr.Next()
		if err != nil {
			select {
			case <-l.done:
			default:
				l.log.Warn("radio: read failed", zap.String("kind", l.kind), zap.Error(err))
				l.shutdown(fmt.Errorf("%w: read: %w", transport.ErrTransient, err))
			}
			return
		}
		msg, err := proto.DecodeFromRadio(payload)
		if err != nil {
			l.log.Debug("radio: undecodable frame", zap.Int("bytes", len(payload)), zap.Error(err))
			continue
		}
		l.handle(msg)
	}
}

func (l *link) handle(msg *proto.FromRadio) {
	switch {
	case msg.Packet != nil:
		p := msg.Packet
		pkt := transport.Packet{
			ID:         p.ID,
			From:       p.From,
			To:         p.To,
			Channel:    p.Channel,
			ReceivedAt: time.Now().UTC(),
		}
		if p.PortNum == proto.PortTextMessage {
			pkt.Text = string(p.Payload)
			pkt.IsText = true
		}
		l.log.Debug("radio: packet",
			zap.String("port", proto.MessageTypeLabel(p.PortNum)),
			zap.Uint32("from", p.From),
		)
		l.d.deliver(pkt)
	case msg.Channel != nil:
		if msg.Channel.Index < 0 || msg.Channel.Index >= maxChannels {
			return
		}
		l.mu.Lock()
		if msg.Channel.Role == proto.RoleDisabled {
			delete(l.channels, msg.Channel.Index)
		} else {
			l.channels[msg.Channel.Index] = msg.Channel.Name
		}
		l.mu.Unlock()
	case msg.NodeInfo != nil:
		n := msg.NodeInfo
		if n.Num == 0 {
			return
		}
		l.d.deliverNode(Node{Num: n.Num, UserID: n.UserID, LongName: n.LongName, ShortName: n.ShortName})
	case msg.MyInfo != nil:
		l.mu.Lock()
		l.myNode = msg.MyInfo.MyNodeNum
		l.mu.Unlock()
	case msg.ConfigCompleteID != 0:
		l.mu.RLock()
		want, node, n := l.configID, l.myNode, len(l.channels)
		l.mu.RUnlock()
		if msg.ConfigCompleteID == want {
			select {
			case <-l.configDone:
			default:
				l.log.Debug("radio: config complete",
					zap.String("node", fmt.Sprintf("!%08x", node)),
					zap.Int("channels", n),
				)
				close(l.configDone)
			}
		}
	}
}
