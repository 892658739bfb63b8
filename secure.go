package dime

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/flynn/noise"
)

// Optional Noise-protocol transport encryption (spec §6's "encryption is a
// transport concern"), adapted from the teacher library's crypto.go. Enabled
// per-connection via Config.noise (WithNoiseEncryption); an alternative to
// wrapping the listener/dialer in crypto/tls externally, for deployments
// that want an encrypted channel without provisioning certificates.

var defaultCipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherAESGCM, noise.HashSHA256)

var (
	ErrHandshakeFailed     = errors.New("dime: noise handshake failed")
	ErrHandshakeIncomplete = errors.New("dime: noise handshake not complete")
)

// noiseState drives a NN-pattern (no static keys, anonymous) Noise
// handshake and the session ciphers it establishes.
type noiseState struct {
	hs          *noise.HandshakeState
	send, recv  *noise.CipherState
	isInitiator bool
}

func newNoiseInitiator() (*noiseState, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: defaultCipherSuite,
		Pattern:     noise.HandshakeNN,
		Initiator:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	return &noiseState{hs: hs, isInitiator: true}, nil
}

func newNoiseResponder() (*noiseState, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: defaultCipherSuite,
		Pattern:     noise.HandshakeNN,
		Initiator:   false,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	return &noiseState{hs: hs}, nil
}

// handshake runs the two-message NN exchange over conn. The initiator
// writes first; the responder reads first.
func (n *noiseState) handshake(conn net.Conn) error {
	if n.isInitiator {
		msg, _, _, err := n.hs.WriteMessage(nil, nil)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
		}
		if err := writeFrame(conn, msg); err != nil {
			return err
		}
		reply, err := readFrame(conn)
		if err != nil {
			return err
		}
		_, cs1, cs2, err := n.hs.ReadMessage(nil, reply)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
		}
		n.send, n.recv = cs1, cs2
		return nil
	}

	msg, err := readFrame(conn)
	if err != nil {
		return err
	}
	if _, _, _, err := n.hs.ReadMessage(nil, msg); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	reply, cs1, cs2, err := n.hs.WriteMessage(nil, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if err := writeFrame(conn, reply); err != nil {
		return err
	}
	n.recv, n.send = cs1, cs2
	return nil
}

func (n *noiseState) seal(plaintext []byte) ([]byte, error) {
	if n.send == nil {
		return nil, ErrHandshakeIncomplete
	}
	return n.send.Encrypt(nil, nil, plaintext)
}

func (n *noiseState) unseal(ciphertext []byte) ([]byte, error) {
	if n.recv == nil {
		return nil, ErrHandshakeIncomplete
	}
	return n.recv.Decrypt(nil, nil, ciphertext)
}

func writeFrame(conn net.Conn, p []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(p)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := conn.Write(p)
	return err
}

func readFrame(conn net.Conn) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// noiseConn wraps a net.Conn, encrypting every Write and decrypting every
// Read through an established Noise session. Plaintext chunks straddling
// reader calls are held in pending until consumed.
type noiseConn struct {
	net.Conn
	state   *noiseState
	pending []byte
}

func wrapNoiseClient(conn net.Conn) (net.Conn, error) {
	state, err := newNoiseInitiator()
	if err != nil {
		return nil, err
	}
	if err := state.handshake(conn); err != nil {
		return nil, err
	}
	return &noiseConn{Conn: conn, state: state}, nil
}

func wrapNoiseServer(conn net.Conn) (net.Conn, error) {
	state, err := newNoiseResponder()
	if err != nil {
		return nil, err
	}
	if err := state.handshake(conn); err != nil {
		return nil, err
	}
	return &noiseConn{Conn: conn, state: state}, nil
}

func (c *noiseConn) Read(p []byte) (int, error) {
	if len(c.pending) == 0 {
		ciphertext, err := readFrame(c.Conn)
		if err != nil {
			return 0, err
		}
		plaintext, err := c.state.unseal(ciphertext)
		if err != nil {
			return 0, err
		}
		c.pending = plaintext
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *noiseConn) Write(p []byte) (int, error) {
	ciphertext, err := c.state.seal(p)
	if err != nil {
		return 0, err
	}
	if err := writeFrame(c.Conn, ciphertext); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *noiseConn) SetDeadline(t time.Time) error      { return c.Conn.SetDeadline(t) }
func (c *noiseConn) SetReadDeadline(t time.Time) error  { return c.Conn.SetReadDeadline(t) }
func (c *noiseConn) SetWriteDeadline(t time.Time) error { return c.Conn.SetWriteDeadline(t) }
