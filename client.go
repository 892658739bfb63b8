package dime

import (
	"bytes"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ackPollInterval bounds how long readPump waits for the dispatcher's ack
// before probing the connection for closure while parked (spec §5's wait
// exit condition: "a frame is routed to the waiter or the connection
// closes" — the ack channel alone only implements the first half).
const ackPollInterval = 200 * time.Millisecond

// Client is per-connection state (spec §3). Two distinct queues live here,
// matching the spec's separation of the logical per-client `outbox` from
// the connection endpoint's `wbuf`:
//
//   - outbox: frames routed to this client by send/broadcast, touched only
//     by the dispatcher goroutine (no lock — it is never read or written
//     from any other goroutine). Only `sync` moves frames out of it.
//   - wire: frames the dispatcher has decided to put on the socket right
//     now — command acks, sync's drained frames + terminator, wait
//     responses, reregister meta-frames. Guarded by a small mutex purely to
//     bridge the dispatcher goroutine to the write pump goroutine.
type Client struct {
	id   string
	conn net.Conn
	dec  Decoder

	logger  zerolog.Logger
	metrics Metrics

	// groups is the reverse half of the registry's bipartite map (spec
	// §4.3/§9); mutated only inside the dispatcher goroutine.
	groups map[string]struct{}

	// serialization is the format negotiated at handshake; "" until the
	// client has handshaken.
	serialization string

	maxOutboxBytes int
	outbox         []Frame
	outboxBytes    int

	wireMu    sync.Mutex
	wireQueue []Frame

	// notify wakes the write pump when wireQueue has new data. Buffered 1:
	// a pending notification is as good as two.
	notify chan struct{}
	// ack gates the read pump: the dispatcher sends on it once it has
	// finished processing a frame, or withholds it to park the client on
	// wait (spec §4.4). Buffered 1 so the dispatcher never blocks sending it.
	ack chan struct{}
	// quit tells the write pump to exit once wireQueue drains.
	quit chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
}

func newClient(conn net.Conn, cfg *Config) *Client {
	return &Client{
		id:             uuid.NewString(),
		conn:           conn,
		logger:         component(cfg.logger, "client"),
		metrics:        cfg.metrics,
		groups:         make(map[string]struct{}),
		maxOutboxBytes: cfg.maxOutboxBytes,
		notify:         make(chan struct{}, 1),
		ack:            make(chan struct{}, 1),
		quit:           make(chan struct{}),
	}
}

// route appends a value-copy of f to the logical outbox (spec §4.4's
// send/broadcast fan-out target). It reports whether the outbox now
// exceeds the configured byte cap (always false when no cap is set). Only
// called from the dispatcher goroutine.
func (c *Client) route(f Frame) (overflow bool) {
	cp := f.clone()
	c.outbox = append(c.outbox, cp)
	c.outboxBytes += len(cp.Body)
	return c.maxOutboxBytes > 0 && c.outboxBytes > c.maxOutboxBytes
}

// drainOutbox removes and returns up to n frames from the logical outbox
// (all of them if n < 0), preserving FIFO order (spec §4.4 `sync`). Only
// called from the dispatcher goroutine.
func (c *Client) drainOutbox(n int) []Frame {
	if n < 0 || n > len(c.outbox) {
		n = len(c.outbox)
	}
	out := c.outbox[:n]
	rest := make([]Frame, len(c.outbox)-n)
	copy(rest, c.outbox[n:])

	var shed int
	for _, f := range out {
		shed += len(f.Body)
	}
	c.outboxBytes -= shed
	c.outbox = rest
	return out
}

func (c *Client) outboxLen() int { return len(c.outbox) }

// sendWire queues f to go out over the socket right away, waking the write
// pump. Used for everything that is not a logical routed frame: command
// acks/errors, sync's drained output and terminator, wait's response, and
// reregister meta-frames.
func (c *Client) sendWire(f Frame) {
	c.wireMu.Lock()
	c.wireQueue = append(c.wireQueue, f)
	c.wireMu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Client) drainWire() []Frame {
	c.wireMu.Lock()
	defer c.wireMu.Unlock()
	if len(c.wireQueue) == 0 {
		return nil
	}
	out := c.wireQueue
	c.wireQueue = nil
	return out
}

func (c *Client) wireLen() int {
	c.wireMu.Lock()
	defer c.wireMu.Unlock()
	return len(c.wireQueue)
}

// ackRead unblocks the read pump so it proceeds to the next frame.
func (c *Client) ackRead() {
	select {
	case c.ack <- struct{}{}:
	default:
	}
}

// latchClosed marks the client closed exactly once, closes the transport,
// and tells the write pump to exit. The transport is closed before the write
// pump runs again, so frames still in wireQueue at this point are not
// delivered: the write pump's attempt to write them fails.
func (c *Client) latchClosed() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.quit)
		_ = c.conn.Close()
		c.metrics.IncrementConnectionsClosed()
	})
}

func (c *Client) isClosed() bool {
	return c.closed.Load()
}

// readPump decodes frames off the connection and hands each to events,
// waiting on ack before reading the next. This is what makes the
// dispatcher process "one inbound frame per client per turn" (SPEC_FULL.md
// §4.2) and is also the mechanism wait-parking rides on: the dispatcher
// simply withholds the ack until the wait resolves. While withheld,
// waitForAck also polls the connection for closure, so a client parked on
// wait with an empty outbox still has its disconnect noticed.
func (c *Client) readPump(events chan<- event) {
	buf := make([]byte, 64*1024)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.dec.Feed(buf[:n])
			c.metrics.IncrementBytesRead(int64(n))
		}
		if err != nil {
			events <- event{kind: eventClose, client: c}
			return
		}

		for {
			frame, ok, decErr := c.dec.TryDecode()
			if decErr != nil {
				c.logger.Debug().Err(decErr).Str("client", c.id).Msg("framing error, closing")
				c.metrics.IncrementProtocolErrors()
				events <- event{kind: eventClose, client: c}
				return
			}
			if !ok {
				break
			}
			c.metrics.IncrementFramesRead()
			events <- event{kind: eventFrame, client: c, frame: frame}
			if !c.waitForAck() {
				events <- event{kind: eventClose, client: c}
				return
			}
			if c.isClosed() {
				return
			}
		}
	}
}

// waitForAck blocks until the dispatcher acks the frame just handed off,
// returning true once it does. If the ack doesn't arrive within
// ackPollInterval, it probes the connection with a short read deadline to
// detect a peer that disconnected while parked (e.g. on wait with nothing
// routed to it yet), returning false the moment that probe observes the
// connection is gone. Any bytes a probe does read are fed to the decoder
// rather than dropped, in case the peer pipelined another frame.
func (c *Client) waitForAck() bool {
	timer := time.NewTimer(ackPollInterval)
	defer timer.Stop()

	var probe []byte
	for {
		select {
		case <-c.ack:
			return true
		case <-timer.C:
		}

		if probe == nil {
			probe = make([]byte, 4096)
			defer c.conn.SetReadDeadline(time.Time{})
		}
		c.conn.SetReadDeadline(time.Now().Add(ackPollInterval / 4))
		n, err := c.conn.Read(probe)
		if n > 0 {
			c.dec.Feed(probe[:n])
			c.metrics.IncrementBytesRead(int64(n))
		}
		if err != nil {
			if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
				return false
			}
		}
		timer.Reset(ackPollInterval)
	}
}

// writePump drains wireQueue whenever notified, until told to quit and the
// queue is empty.
func (c *Client) writePump() {
	var enc bytes.Buffer
	for {
		select {
		case <-c.notify:
		case <-c.quit:
			if c.wireLen() == 0 {
				return
			}
		}

		for _, f := range c.drainWire() {
			enc.Reset()
			if err := Encode(&enc, f); err != nil {
				continue
			}
			n, err := c.conn.Write(enc.Bytes())
			if n > 0 {
				c.metrics.IncrementBytesWritten(int64(n))
			}
			if err != nil {
				c.latchClosed()
				return
			}
			c.metrics.IncrementFramesWritten()
		}

		select {
		case <-c.quit:
			if c.wireLen() == 0 {
				return
			}
		default:
		}
	}
}
