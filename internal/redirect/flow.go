package redirect

import (
	"context"
	"net"
	"net/netip"
	"time"

	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// PacketConn is a datagram channel through the proxy.
type PacketConn interface {
	WriteTo(b []byte, dst netip.AddrPort) (int, error)
	ReadFrom(b []byte) (int, netip.AddrPort, error)
	Close() error
}

type datagram struct {
	dst     netip.AddrPort
	payload []byte
}

// flow relays the datagrams of one device ip:port through its own proxy
// association. Only the capture goroutine sends on queue and closes it.
type flow struct {
	key    netip.AddrPort
	mac    net.HardwareAddr
	queue  chan datagram
	active atomic.Int64 // unix nanos of the last datagram in either direction
	dead   atomic.Bool
}

const flowQueueLen = 256

func newFlow(key netip.AddrPort, mac net.HardwareAddr) *flow {
	f := &flow{
		key:   key,
		mac:   append(net.HardwareAddr(nil), mac...),
		queue: make(chan datagram, flowQueueLen),
	}
	f.touch()
	return f
}

func (f *flow) touch() { f.active.Store(time.Now().UnixNano()) }

func (f *flow) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, f.active.Load()))
}

// enqueue hands a datagram to the flow without blocking the capture loop.
func (f *flow) enqueue(d datagram) bool {
	select {
	case f.queue <- d:
		f.touch()
		return true
	default:
		return false
	}
}

// run dials the association, then pumps datagrams both ways until the queue
// closes. deliver is called for every datagram coming back from the proxy.
func (f *flow) run(dial func(ctx context.Context) (PacketConn, error), deliver func(f *flow, src netip.AddrPort, payload []byte)) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	conn, err := dial(ctx)
	cancel()
	if err != nil {
		f.dead.Store(true)
		log.WithError(err).WithField("device", f.key.String()).Warn("Failed to open relay association")
		for range f.queue {
		}
		return
	}

	log.WithField("device", f.key.String()).Debug("Relay association opened")

	go func() {
		buf := make([]byte, 65535)
		for {
			n, src, err := conn.ReadFrom(buf)
			if err != nil {
				f.dead.Store(true)
				return
			}
			f.touch()
			deliver(f, src, buf[:n])
		}
	}()

	for d := range f.queue {
		if _, err := conn.WriteTo(d.payload, d.dst); err != nil {
			log.WithError(err).WithField("device", f.key.String()).Debug("Relay write failed")
		}
	}
	conn.Close()
	log.WithField("device", f.key.String()).Debug("Relay association closed")
}
