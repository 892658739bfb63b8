package dime

import "fmt"

// eventKind distinguishes the three things that land on a Server's event
// channel: a newly accepted client, an inbound frame from an existing
// client, or notice that a client's connection has ended. This is the
// Event of SPEC_FULL.md's glossary entry — an internal value, never on the
// wire.
type eventKind int

const (
	eventNewClient eventKind = iota
	eventFrame
	eventClose
)

type event struct {
	kind   eventKind
	client *Client
	frame  Frame
}

// knownSerializations are the formats handshake recognizes by name; any
// other request falls back to dimeb (spec §3, SPEC_FULL.md §4.4).
var knownSerializations = map[string]bool{
	"pickle": true,
	"dimeb":  true,
	"json":   true,
	"matlab": true,
}

const defaultSerialization = "dimeb"

// run is the single dispatcher goroutine: the exclusive mutator of the
// client table, the group registry, and the wait-parking set. Every other
// goroutine in the process only ever sends on s.events; this loop is the
// only reader.
func (s *Server) run() {
	for {
		select {
		case <-s.cfg.ctx.Done():
			for c := range s.clients {
				s.reap(c)
			}
			_ = s.ln.Close()
			return
		case ev := <-s.events:
			switch ev.kind {
			case eventNewClient:
				s.clients[ev.client] = struct{}{}
				s.metrics.IncrementConnectionsAccepted()
			case eventClose:
				s.reap(ev.client)
			case eventFrame:
				s.handle(ev.client, ev.frame)
			}
		case fn := <-s.admin:
			fn()
		}
	}
}

// handle dispatches one inbound frame for c and, unless the command parked
// c on wait, acks its read pump so it proceeds to the next frame.
func (s *Server) handle(c *Client, f Frame) {
	if c.isClosed() {
		// Already reaped (e.g. closed for backpressure while this frame sat
		// queued); drop it without touching registry state.
		c.ackRead()
		return
	}
	if s.dispatch(c, f) {
		return
	}
	c.ackRead()
}

// dispatch interprets one frame's command and returns true iff it parked c
// (withholding the read-pump ack) rather than responding immediately.
func (s *Server) dispatch(c *Client, f Frame) bool {
	cmd := f.Header.Command()
	switch cmd {
	case "handshake":
		s.handleHandshake(c, f)
	case "join":
		s.registry.join(c, f.Header.Names()...)
		c.sendWire(statusFrame(0, nil))
	case "leave":
		s.registry.leave(c, f.Header.Names()...)
		c.sendWire(statusFrame(0, nil))
	case "send":
		s.handleSend(c, f)
	case "broadcast":
		s.handleBroadcast(c, f)
	case "sync":
		s.handleSync(c, f)
	case "wait":
		return s.handleWait(c)
	case "devices":
		c.sendWire(statusFrame(0, Header{"devices": s.registry.listNonEmpty()}))
	case "":
		s.protocolError(c, "missing command")
	default:
		s.protocolError(c, fmt.Sprintf("unknown command %q", cmd))
	}
	return false
}

func (s *Server) handleHandshake(c *Client, f Frame) {
	req, _ := f.Header["serialization"].(string)
	chosen := req
	if !knownSerializations[chosen] {
		chosen = defaultSerialization
	}
	c.serialization = chosen
	c.sendWire(statusFrame(0, Header{"serialization": chosen}))
}

func (s *Server) handleSend(c *Client, f Frame) {
	names := f.Header.Names()
	if len(names) == 0 {
		s.protocolError(c, "send: missing name")
		return
	}
	for _, name := range names {
		for _, member := range s.registry.members(name, c) {
			s.route(member, f)
		}
	}
	c.sendWire(statusFrame(0, nil))
}

func (s *Server) handleBroadcast(c *Client, f Frame) {
	for other := range s.clients {
		if other == c {
			continue
		}
		s.route(other, f)
	}
	c.sendWire(statusFrame(0, nil))
}

// handleSync implements spec §4.4's sync: move up to n frames (all of them
// if n < 0) out of the logical outbox and onto the wire, followed by an
// empty status terminator.
func (s *Server) handleSync(c *Client, f Frame) {
	n := -1
	if v, ok := f.Header.N(); ok {
		n = v
	}
	for _, drained := range c.drainOutbox(n) {
		c.sendWire(drained)
	}
	c.sendWire(statusFrame(0, nil))
}

// handleWait implements spec §4.4's wait: respond immediately if the
// outbox already holds something, otherwise park c until route() places a
// frame into it (see route's unpark check).
func (s *Server) handleWait(c *Client) bool {
	if n := c.outboxLen(); n > 0 {
		c.sendWire(statusFrame(0, Header{"n": n}))
		return false
	}
	s.waiting[c] = struct{}{}
	return true
}

// route appends f to target's logical outbox (send/broadcast fan-out). If
// that overflows target's configured byte cap it is closed for
// backpressure; otherwise, if target was parked on wait, it is unparked
// with the wait response and its read pump is acked. The frame itself
// stays in the outbox until target issues sync — route never touches the
// wire directly.
func (s *Server) route(target *Client, f Frame) {
	overflow := target.route(f)
	if overflow {
		s.closeForBackpressure(target)
		return
	}
	if _, parked := s.waiting[target]; parked {
		delete(s.waiting, target)
		target.sendWire(statusFrame(0, Header{"n": target.outboxLen()}))
		target.ackRead()
	}
}

func (s *Server) protocolError(c *Client, msg string) {
	s.metrics.IncrementProtocolErrors()
	c.sendWire(errorFrame(msg))
}

// closeForBackpressure implements the resource-error branch of spec §7: a
// {status:-1, error:"backpressure"} frame is queued for the client, then it
// is reaped. reap closes the transport at once, so the frame reaches the
// client only if the write pump has written it before that close.
func (s *Server) closeForBackpressure(c *Client) {
	c.sendWire(errorFrame("backpressure"))
	s.reap(c)
}

// reap removes c from the registry and client table exactly once, closes
// its transport and tells its write pump to exit, and — if c was parked on
// wait — acks its
// read pump so that goroutine isn't left blocked forever waiting for an ack
// nobody will ever send (spec §4.5's "reaping is performed exactly once per
// iteration").
func (s *Server) reap(c *Client) {
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
	if _, parked := s.waiting[c]; parked {
		delete(s.waiting, c)
		c.ackRead()
	}
	s.registry.leaveAll(c)
	c.latchClosed()
}

// Reregister sends a server-initiated meta-frame instructing clientID to
// switch serialization formats (SPEC_FULL.md §4.4's Reregister). Since the
// spec leaves the triggering condition to the host program, this is exposed
// directly rather than driven automatically.
func (s *Server) Reregister(clientID, serialization string) bool {
	reply := make(chan bool, 1)
	s.admin <- func() {
		for c := range s.clients {
			if c.id == clientID {
				c.serialization = serialization
				c.sendWire(Frame{Header: Header{
					"status":        1,
					"meta":          true,
					"command":       "reregister",
					"serialization": serialization,
				}})
				reply <- true
				return
			}
		}
		reply <- false
	}
	return <-reply
}
