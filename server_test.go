package dime

import (
	"bytes"
	"net"
	"testing"
	"time"
)

// harness is a minimal raw-wire-protocol client used only by these tests;
// it is deliberately not the workspace wrapper spec.md carves out as an
// external collaborator.
type harness struct {
	t    *testing.T
	conn net.Conn
	dec  Decoder
}

func dialHarness(t *testing.T, srv *Server) *harness {
	t.Helper()
	addr := srv.ListenAddr()
	conn, err := net.Dial(addr.Network(), addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &harness{t: t, conn: conn}
}

func (h *harness) send(header Header, body []byte) {
	h.t.Helper()
	var buf bytes.Buffer
	if err := Encode(&buf, Frame{Header: header, Body: body}); err != nil {
		h.t.Fatalf("encode: %v", err)
	}
	if _, err := h.conn.Write(buf.Bytes()); err != nil {
		h.t.Fatalf("write: %v", err)
	}
}

func (h *harness) recv() Frame {
	h.t.Helper()
	h.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	defer h.conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 64*1024)
	for {
		f, ok, err := h.dec.TryDecode()
		if err != nil {
			h.t.Fatalf("decode: %v", err)
		}
		if ok {
			return f
		}
		n, err := h.conn.Read(buf)
		if err != nil {
			h.t.Fatalf("read: %v", err)
		}
		h.dec.Feed(buf[:n])
	}
}

func (h *harness) expectNoResponse(wait time.Duration) {
	h.t.Helper()
	h.conn.SetReadDeadline(time.Now().Add(wait))
	defer h.conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 1)
	if _, err := h.conn.Read(buf); err == nil {
		h.t.Fatal("expected no response, but got data")
	}
}

func startTestServer(t *testing.T) *Server {
	t.Helper()
	srv, err := Listen(&Addr{Scheme: "tcp", Host: "127.0.0.1", Port: 0})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv
}

// S1 — register+send+sync.
func TestScenarioRegisterSendSync(t *testing.T) {
	srv := startTestServer(t)
	a := dialHarness(t, srv)
	b := dialHarness(t, srv)

	a.send(Header{"command": "join", "name": "g"}, nil)
	a.recv()
	b.send(Header{"command": "join", "name": "g"}, nil)
	b.recv()

	a.send(Header{"command": "send", "name": "g", "varname": "x"}, []byte{0x01, 0x02, 0x03})
	if ack := a.recv(); ack.Header.Status() != 0 {
		t.Fatalf("expected ack status 0, got %+v", ack.Header)
	}

	b.send(Header{"command": "sync", "n": -1}, nil)
	data := b.recv()
	if data.Header["varname"] != "x" || !bytes.Equal(data.Body, []byte{0x01, 0x02, 0x03}) {
		t.Fatalf("unexpected data frame: %+v body=%v", data.Header, data.Body)
	}
	term := b.recv()
	if term.Header.Status() != 0 || len(term.Body) != 0 {
		t.Fatalf("expected empty terminator, got %+v body=%v", term.Header, term.Body)
	}
}

// S2 — broadcast exclusion.
func TestScenarioBroadcastExclusion(t *testing.T) {
	srv := startTestServer(t)
	a := dialHarness(t, srv)
	b := dialHarness(t, srv)
	c := dialHarness(t, srv)

	a.send(Header{"command": "broadcast"}, []byte("hi"))
	if ack := a.recv(); ack.Header.Status() != 0 {
		t.Fatalf("expected ack, got %+v", ack.Header)
	}

	for _, h := range []*harness{b, c} {
		h.send(Header{"command": "sync", "n": -1}, nil)
		data := h.recv()
		if !bytes.Equal(data.Body, []byte("hi")) {
			t.Fatalf("expected body hi, got %v", data.Body)
		}
		h.recv() // terminator
	}

	a.send(Header{"command": "sync", "n": -1}, nil)
	term := a.recv()
	if len(term.Body) != 0 {
		t.Fatalf("sender should only see the terminator, got body %v", term.Body)
	}
}

// S3 — empty group.
func TestScenarioEmptyGroup(t *testing.T) {
	srv := startTestServer(t)
	a := dialHarness(t, srv)

	a.send(Header{"command": "send", "name": "nobody-here"}, []byte("x"))
	ack := a.recv()
	if ack.Header.Status() != 0 {
		t.Fatalf("expected status 0 ack, got %+v", ack.Header)
	}
}

// S4 — devices enumeration.
func TestScenarioDevicesEnumeration(t *testing.T) {
	srv := startTestServer(t)
	a := dialHarness(t, srv)
	b := dialHarness(t, srv)

	a.send(Header{"command": "join", "name": []any{"a", "b", "c"}}, nil)
	a.recv()
	b.send(Header{"command": "join", "name": []any{"b", "c", "d"}}, nil)
	b.recv()
	b.send(Header{"command": "leave", "name": "c"}, nil)
	b.recv()

	a.send(Header{"command": "devices"}, nil)
	resp := a.recv()
	devices, _ := resp.Header["devices"].([]any)
	got := map[string]bool{}
	for _, d := range devices {
		got[d.(string)] = true
	}
	for _, want := range []string{"a", "b", "c", "d"} {
		if !got[want] {
			t.Fatalf("expected %q in devices, got %v", want, resp.Header["devices"])
		}
	}
	if len(got) != 4 {
		t.Fatalf("expected exactly a,b,c,d (a is still in c after b left), got %v", resp.Header["devices"])
	}
}

// S5 — sync with bound.
func TestScenarioSyncWithBound(t *testing.T) {
	srv := startTestServer(t)
	a := dialHarness(t, srv)
	b := dialHarness(t, srv)

	a.send(Header{"command": "join", "name": "g"}, nil)
	a.recv()
	b.send(Header{"command": "join", "name": "g"}, nil)
	b.recv()

	for i := 0; i < 5; i++ {
		b.send(Header{"command": "send", "name": "g"}, []byte{byte(i)})
		b.recv()
	}

	a.send(Header{"command": "sync", "n": 2}, nil)
	for i := 0; i < 2; i++ {
		f := a.recv()
		if f.Body[0] != byte(i) {
			t.Fatalf("frame %d: got %v", i, f.Body)
		}
	}
	a.recv() // terminator

	a.send(Header{"command": "sync", "n": -1}, nil)
	for i := 2; i < 5; i++ {
		f := a.recv()
		if f.Body[0] != byte(i) {
			t.Fatalf("frame %d: got %v", i, f.Body)
		}
	}
	a.recv() // terminator
}

// S6 — wait semantics.
func TestScenarioWaitSemantics(t *testing.T) {
	srv := startTestServer(t)
	a := dialHarness(t, srv)
	b := dialHarness(t, srv)

	a.send(Header{"command": "join", "name": "g"}, nil)
	a.recv()
	b.send(Header{"command": "join", "name": "g"}, nil)
	b.recv()

	b.send(Header{"command": "wait"}, nil)
	b.expectNoResponse(200 * time.Millisecond)

	a.send(Header{"command": "send", "name": "g"}, []byte("payload"))
	a.recv()

	resp := b.recv()
	if resp.Header.Status() != 0 {
		t.Fatalf("expected status 0, got %+v", resp.Header)
	}
	if n, ok := resp.Header.N(); !ok || n < 1 {
		t.Fatalf("expected n>=1, got %+v", resp.Header)
	}

	b.send(Header{"command": "sync", "n": -1}, nil)
	data := b.recv()
	if !bytes.Equal(data.Body, []byte("payload")) {
		t.Fatalf("expected payload, got %v", data.Body)
	}
	b.recv() // terminator
}

// A client parked on wait with an empty outbox must still be reclaimed if
// its connection closes before anything is ever routed to it (spec §5).
func TestWaitParkedClientDisconnectIsReclaimed(t *testing.T) {
	srv := startTestServer(t)
	a := dialHarness(t, srv)

	a.send(Header{"command": "join", "name": "g"}, nil)
	a.recv()

	a.send(Header{"command": "wait"}, nil)
	a.expectNoResponse(100 * time.Millisecond)

	a.conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for {
		reply := make(chan int, 1)
		srv.admin <- func() { reply <- len(srv.clients) }
		if n := <-reply; n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("client parked on wait was never reclaimed after disconnect")
		}
		time.Sleep(20 * time.Millisecond)
	}

	reply := make(chan int, 1)
	srv.admin <- func() { reply <- len(srv.waiting) }
	if n := <-reply; n != 0 {
		t.Fatalf("expected no parked clients left, got %d", n)
	}

	b := dialHarness(t, srv)
	b.send(Header{"command": "devices"}, nil)
	resp := b.recv()
	devices, _ := resp.Header["devices"].([]any)
	for _, d := range devices {
		if d.(string) == "g" {
			t.Fatalf("group g still listed after its only member disconnected: %v", resp.Header["devices"])
		}
	}
}

func TestUnknownCommandIsProtocolError(t *testing.T) {
	srv := startTestServer(t)
	a := dialHarness(t, srv)

	a.send(Header{"command": "frobnicate"}, nil)
	resp := a.recv()
	if resp.Header.Status() >= 0 {
		t.Fatalf("expected negative status, got %+v", resp.Header)
	}
	if _, ok := resp.Header["error"]; !ok {
		t.Fatal("expected an error field")
	}

	// Connection stays open: a later valid command still works.
	a.send(Header{"command": "devices"}, nil)
	resp = a.recv()
	if resp.Header.Status() != 0 {
		t.Fatalf("expected status 0 after recovering, got %+v", resp.Header)
	}
}

func TestHandshakeFallsBackToDimeb(t *testing.T) {
	srv := startTestServer(t)
	a := dialHarness(t, srv)

	a.send(Header{"command": "handshake", "serialization": "carrier-pigeon"}, nil)
	resp := a.recv()
	if resp.Header["serialization"] != defaultSerialization {
		t.Fatalf("expected fallback to %q, got %+v", defaultSerialization, resp.Header)
	}
}

func TestBadMagicClosesConnection(t *testing.T) {
	srv := startTestServer(t)
	addr := srv.ListenAddr()
	conn, err := net.Dial(addr.Network(), addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("NOPE\x00\x00\x00\x00\x00\x00\x00\x00")); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("expected connection to be closed after bad magic")
	}
}
