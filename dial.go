package dime

import "net"

// Dial resolves addr through the registered transport factory and opens a
// connection to a running broker, wrapping it in Noise encryption first if
// WithNoiseEncryption is given — the client side of the same transport
// machinery Listen uses to accept connections (SPEC_FULL.md's
// address/endpoint resolution component covers both directions).
func Dial(addr *Addr, opts ...Option) (net.Conn, error) {
	cfg := applyConfig(opts)

	conn, err := dialAddr(addr)
	if err != nil {
		return nil, err
	}
	if cfg.noise {
		secured, err := wrapNoiseClient(conn)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		return secured, nil
	}
	return conn, nil
}
