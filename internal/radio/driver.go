// Package radio provides the Meshtastic device driver used by the transport
// controller. It speaks the Meshtastic stream API over TCP (WiFi/Ethernet
// nodes, default port 4403) or a USB serial port.
package radio

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/meshcommons/meshbridge/internal/transport"
)

const (
	DefaultTCPPort       = "4403"
	DefaultBaudRate      = 115200
	DefaultConfigTimeout = 3 * time.Second
	DefaultWriteTimeout  = 5 * time.Second
)

// Options tunes the driver. Zero values select the defaults.
type Options struct {
	BaudRate      int
	ConfigTimeout time.Duration // wait for the device's channel table after open
	WriteTimeout  time.Duration
	Logger        *zap.Logger
}

// Driver implements transport.Driver for Meshtastic devices.
type Driver struct {
	opts Options
	log  *zap.Logger

	mu       sync.RWMutex
	onPacket func(transport.Packet)
	onNode   func(Node)

	nextID atomic.Uint32

	// Seams for tests.
	dialTCP    func(ctx context.Context, addr string) (io.ReadWriteCloser, error)
	openSerial func(path string, baud int) (io.ReadWriteCloser, error)
}

var _ transport.Driver = (*Driver)(nil)

// New returns a ready Driver.
func New(opts Options) *Driver {
	if opts.BaudRate <= 0 {
		opts.BaudRate = DefaultBaudRate
	}
	if opts.ConfigTimeout <= 0 {
		opts.ConfigTimeout = DefaultConfigTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	d := &Driver{
		opts:       opts,
		log:        opts.Logger,
		dialTCP:    dialTCP,
		openSerial: openSerialPort,
	}
	d.nextID.Store(rand.Uint32())
	return d
}

// Subscribe registers the inbound packet callback.
func (d *Driver) Subscribe(fn func(transport.Packet)) {
	d.mu.Lock()
	d.onPacket = fn
	d.mu.Unlock()
}

// Node is a mesh participant announced by the device's node database.
type Node struct {
	Num       uint32
	UserID    string
	LongName  string
	ShortName string
}

// SubscribeNodes registers the callback for node announcements streamed
// during the config download.
func (d *Driver) SubscribeNodes(fn func(Node)) {
	d.mu.Lock()
	d.onNode = fn
	d.mu.Unlock()
}

// Open connects to target. Device paths ("/dev/…", "COMn") open a serial
// port; anything else is treated as host[:port].
func (d *Driver) Open(ctx context.Context, target string) (transport.Link, error) {
	var (
		rwc io.ReadWriteCloser
		err error
	)
	kind := "tcp"
	if IsSerialTarget(target) {
		kind = "serial"
		rwc, err = d.openSerial(SerialPath(target), d.opts.BaudRate)
	} else {
		rwc, err = d.dialTCP(ctx, TCPAddr(target))
	}
	if err != nil {
		return nil, fmt.Errorf("radio: open %s %s: %w", kind, target, err)
	}

	l := newLink(d, rwc, kind, target)
	if kind == "serial" {
		if err := l.wake(); err != nil {
			rwc.Close()
			return nil, fmt.Errorf("radio: wake %s: %w", target, err)
		}
	}
	l.start()

	if err := l.requestConfig(ctx, d.opts.ConfigTimeout); err != nil {
		l.Close()
		return nil, fmt.Errorf("radio: configure %s: %w", target, err)
	}
	d.log.Info("radio: link open",
		zap.String("kind", kind),
		zap.String("target", target),
		zap.Strings("channels", l.Channels()),
	)
	return l, nil
}

func (d *Driver) deliver(p transport.Packet) {
	d.mu.RLock()
	fn := d.onPacket
	d.mu.RUnlock()
	if fn != nil {
		fn(p)
	}
}

func (d *Driver) deliverNode(n Node) {
	d.mu.RLock()
	fn := d.onNode
	d.mu.RUnlock()
	if fn != nil {
		fn(n)
	}
}

func (d *Driver) packetID() uint32 {
	return d.nextID.Add(1)
}

// IsSerialTarget reports whether target names a serial device.
func IsSerialTarget(target string) bool {
	if strings.HasPrefix(target, "/dev/") {
		return true
	}
	up := strings.ToUpper(target)
	return len(up) > 3 && strings.HasPrefix(up, "COM") && up[3] >= '0' && up[3] <= '9'
}

// SerialPath strips the description some port listings append,
// e.g. "COM3 (USB-SERIAL CH340)" -> "COM3".
func SerialPath(target string) string {
	if i := strings.Index(target, " ("); i > 0 {
		return target[:i]
	}
	return target
}

// TCPAddr appends the default Meshtastic API port when target has none.
func TCPAddr(target string) string {
	if strings.HasPrefix(target, "[") {
		if strings.Contains(target, "]:") {
			return target
		}
		return target + ":" + DefaultTCPPort
	}
	if strings.Count(target, ":") == 1 {
		return target
	}
	if strings.Count(target, ":") > 1 {
		// Bare IPv6 literal.
		return "[" + target + "]:" + DefaultTCPPort
	}
	return target + ":" + DefaultTCPPort
}
