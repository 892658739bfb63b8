package dime

import (
	"net"
	"os"

	"github.com/rs/zerolog"
)

// Server owns one listener and the single dispatcher goroutine behind it
// (SPEC_FULL.md §2, §4.5). Construct with Listen.
type Server struct {
	cfg *Config
	ln  net.Listener
	adr *Addr

	registry *registry
	clients  map[*Client]struct{}
	waiting  map[*Client]struct{}

	events chan event
	admin  chan func()

	logger  zerolog.Logger
	metrics Metrics
}

// Listen resolves addr through the registered transport factory, binds it,
// and starts the accept loop and dispatcher goroutine. Callers get a
// listening broker back; Close shuts it down and removes any unix socket
// file it owns.
func Listen(addr *Addr, opts ...Option) (*Server, error) {
	cfg := applyConfig(opts)

	ln, err := listenAddr(addr)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		ln:       ln,
		adr:      addr,
		registry: newRegistry(),
		clients:  make(map[*Client]struct{}),
		waiting:  make(map[*Client]struct{}),
		events:   make(chan event, 64),
		admin:    make(chan func()),
		logger:   component(cfg.logger, "server"),
		metrics:  cfg.metrics,
	}

	go s.run()
	go s.acceptLoop()

	return s, nil
}

func (s *Server) acceptLoop() {
	backoff := newAdaptiveBackoff(s.cfg.acceptBackoffFast, s.cfg.acceptBackoffSteady)
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.cfg.ctx.Done():
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				backoff.sleep()
				continue
			}
			s.logger.Error().Err(err).Msg("accept failed, stopping accept loop")
			return
		}
		backoff.reset()

		if s.cfg.noise {
			secured, err := wrapNoiseServer(conn)
			if err != nil {
				s.logger.Warn().Err(err).Msg("noise handshake failed")
				_ = conn.Close()
				continue
			}
			conn = secured
		}

		s.addClient(conn)
	}
}

func (s *Server) addClient(conn net.Conn) {
	c := newClient(conn, s.cfg)
	s.events <- event{kind: eventNewClient, client: c}
	go c.readPump(s.events)
	go c.writePump()
}

// Addr returns the address this server was configured with.
func (s *Server) Addr() *Addr { return s.adr }

// ListenAddr returns the underlying listener's address, useful for
// discovering an OS-assigned port after binding to port 0.
func (s *Server) ListenAddr() net.Addr { return s.ln.Addr() }

// Close stops accepting new connections, closes every client, and removes
// the bound unix socket path if this server owns one (spec §6's "the
// local-domain socket file must be removed at process exit").
func (s *Server) Close() error {
	err := s.ln.Close()

	reply := make(chan struct{})
	s.admin <- func() {
		for c := range s.clients {
			s.reap(c)
		}
		close(reply)
	}
	<-reply

	s.cfg.cancel()

	if s.adr.Scheme == "unix" || s.adr.Scheme == "ipc" {
		_ = os.Remove(s.adr.Host)
	}
	return err
}
