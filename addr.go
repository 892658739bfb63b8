package dime

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// DefaultUnixSocketPath is the conventional local-domain socket path used
// when no address is given on POSIX (spec §6).
const DefaultUnixSocketPath = "/tmp/dime.sock"

// DefaultTCPPort is used when a tcp:// address omits an explicit port.
const DefaultTCPPort = 5000

// transportFactory opens a listener or dials a connection for one URI
// scheme. Mirrors the teacher library's Driver/Factory registry (aznet.go),
// repurposed from "Azure service client" construction to "net.Listener /
// net.Conn construction for one address family".
type transportFactory interface {
	Listen(addr *Addr) (net.Listener, error)
	Dial(addr *Addr) (net.Conn, error)
}

var transportFactories = map[string]transportFactory{}

func init() {
	RegisterTransport("ipc", unixFactory{})
	RegisterTransport("unix", unixFactory{})
	RegisterTransport("tcp", tcpFactory{})
	RegisterTransport("sctp", sctpFactory{})
}

// RegisterTransport installs a transport factory for the given URI scheme.
// Built-in schemes (ipc, unix, tcp, sctp) are registered at package init;
// callers may override them or add new ones before calling Listen/Dial.
func RegisterTransport(scheme string, factory transportFactory) {
	transportFactories[scheme] = factory
}

// RegisteredSchemes returns the sorted list of known URI schemes.
func RegisteredSchemes() []string {
	out := make([]string, 0, len(transportFactories))
	for scheme := range transportFactories {
		out = append(out, scheme)
	}
	sort.Strings(out)
	return out
}

// Addr is a parsed "<proto>://<hostname>[:<port>]" address (spec §6).
type Addr struct {
	Scheme string
	Host   string // hostname for tcp/sctp, filesystem path for ipc/unix
	Port   int    // tcp/sctp only; ParseAddr uses DefaultTCPPort when the URI has none
}

// String renders the address back into URI form.
func (a *Addr) String() string {
	if a.Scheme == "ipc" || a.Scheme == "unix" {
		return a.Scheme + "://" + a.Host
	}
	if a.Port != 0 {
		return fmt.Sprintf("%s://%s:%d", a.Scheme, a.Host, a.Port)
	}
	return a.Scheme + "://" + a.Host
}

// ParseAddr parses a DiME address URI. Schemes are ipc, unix, tcp, sctp.
func ParseAddr(raw string) (*Addr, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if u.Scheme == "" {
		return nil, fmt.Errorf("%w: missing scheme in %q", ErrInvalidAddress, raw)
	}

	scheme := strings.ToLower(u.Scheme)

	if scheme == "ipc" || scheme == "unix" {
		path := u.Host + u.Path
		if path == "" {
			path = DefaultUnixSocketPath
		}
		return &Addr{Scheme: scheme, Host: path}, nil
	}

	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("%w: missing host in %q", ErrInvalidAddress, raw)
	}
	port := DefaultTCPPort
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid port %q", ErrInvalidAddress, p)
		}
		port = n
	}
	return &Addr{Scheme: scheme, Host: host, Port: port}, nil
}

// DefaultAddr returns the conventional default address for this platform:
// a local-domain socket on POSIX. (The spec's "otherwise TCP" fallback for
// non-POSIX platforms is not reachable in this build; the module targets
// POSIX hosts.)
func DefaultAddr() *Addr {
	return &Addr{Scheme: "unix", Host: DefaultUnixSocketPath}
}

// listenAddr resolves addr through the registered transport factory and opens
// a listener.
func listenAddr(addr *Addr) (net.Listener, error) {
	factory, ok := transportFactories[addr.Scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, addr.Scheme)
	}
	return factory.Listen(addr)
}

// dialAddr resolves addr through the registered transport factory and dials it.
func dialAddr(addr *Addr) (net.Conn, error) {
	factory, ok := transportFactories[addr.Scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, addr.Scheme)
	}
	return factory.Dial(addr)
}

type unixFactory struct{}

func (unixFactory) Listen(addr *Addr) (net.Listener, error) {
	return net.Listen("unix", addr.Host)
}

func (unixFactory) Dial(addr *Addr) (net.Conn, error) {
	return net.Dial("unix", addr.Host)
}

type tcpFactory struct{}

func (tcpFactory) Listen(addr *Addr) (net.Listener, error) {
	hostport := net.JoinHostPort(addr.Host, strconv.Itoa(addr.Port))

	// Prefer dual-stack IPv6 when available, clearing IPV6_V6ONLY so the
	// same listener also accepts IPv4 clients (spec §6). Fall back to a
	// plain tcp listener if the dual-stack bind fails for any reason (e.g.
	// the host genuinely has no IPv6 stack).
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0)
			})
		},
	}
	if ln, err := lc.Listen(context.Background(), "tcp6", hostport); err == nil {
		return ln, nil
	}
	return net.Listen("tcp", hostport)
}

func (tcpFactory) Dial(addr *Addr) (net.Conn, error) {
	hostport := net.JoinHostPort(addr.Host, strconv.Itoa(addr.Port))
	return net.Dial("tcp", hostport)
}

// sctpFactory is registered so the "sctp" scheme is recognized by
// ParseAddr/RegisteredSchemes, but it cannot open a real socket: no SCTP
// library exists anywhere in this module's dependency corpus to ground an
// implementation on. Callers who need SCTP can
// RegisterTransport("sctp", ...) their own factory (e.g. backed by
// github.com/ishidawataru/sctp) without touching the rest of the package.
type sctpFactory struct{}

func (sctpFactory) Listen(addr *Addr) (net.Listener, error) {
	return nil, fmt.Errorf("%w: sctp (no SCTP transport registered)", ErrUnsupportedScheme)
}

func (sctpFactory) Dial(addr *Addr) (net.Conn, error) {
	return nil, fmt.Errorf("%w: sctp (no SCTP transport registered)", ErrUnsupportedScheme)
}
