package dime

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := Frame{
		Header: Header{"command": "send", "name": "g", "varname": "x"},
		Body:   []byte{0x01, 0x02, 0x03},
	}

	var buf bytes.Buffer
	if err := Encode(&buf, f); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var dec Decoder
	dec.Feed(buf.Bytes())

	got, ok, err := dec.TryDecode()
	if err != nil {
		t.Fatalf("TryDecode: %v", err)
	}
	if !ok {
		t.Fatal("TryDecode: expected a frame")
	}
	if got.Header.Command() != "send" || got.Header["name"] != "g" {
		t.Fatalf("unexpected header: %+v", got.Header)
	}
	if !bytes.Equal(got.Body, f.Body) {
		t.Fatalf("body mismatch: got %v want %v", got.Body, f.Body)
	}
}

func TestDecodeWaitsForMoreBytes(t *testing.T) {
	f := Frame{Header: Header{"command": "wait"}}
	var buf bytes.Buffer
	if err := Encode(&buf, f); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	whole := buf.Bytes()
	var dec Decoder
	dec.Feed(whole[:len(whole)-1])

	_, ok, err := dec.TryDecode()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected not enough bytes yet")
	}

	dec.Feed(whole[len(whole)-1:])
	_, ok, err = dec.TryDecode()
	if err != nil || !ok {
		t.Fatalf("expected a frame after feeding remainder, got ok=%v err=%v", ok, err)
	}
}

func TestDecodeMultipleFramesInOneFeed(t *testing.T) {
	var buf bytes.Buffer
	for i := 0; i < 3; i++ {
		if err := Encode(&buf, Frame{Header: Header{"command": "wait", "n": i}}); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}

	var dec Decoder
	dec.Feed(buf.Bytes())

	for i := 0; i < 3; i++ {
		f, ok, err := dec.TryDecode()
		if err != nil || !ok {
			t.Fatalf("frame %d: ok=%v err=%v", i, ok, err)
		}
		n, _ := f.Header.N()
		if n != i {
			t.Fatalf("frame %d: got n=%v", i, f.Header["n"])
		}
	}
	if _, ok, _ := dec.TryDecode(); ok {
		t.Fatal("expected no more frames buffered")
	}
}

func TestDecodeBadMagic(t *testing.T) {
	var dec Decoder
	dec.Feed([]byte("XXXX\x00\x00\x00\x00\x00\x00\x00\x00"))
	_, _, err := dec.TryDecode()
	if err == nil {
		t.Fatal("expected bad-magic error")
	}
}

func TestDecodeRejectsOversizeFrame(t *testing.T) {
	old := MaxFrameBytes
	MaxFrameBytes = 16
	defer func() { MaxFrameBytes = old }()

	f := Frame{Header: Header{"command": "send"}, Body: make([]byte, 1024)}
	var buf bytes.Buffer
	if err := Encode(&buf, f); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var dec Decoder
	dec.Feed(buf.Bytes())
	_, _, err := dec.TryDecode()
	if err == nil {
		t.Fatal("expected oversize-frame error")
	}
}

func TestFrameCloneDoesNotAlias(t *testing.T) {
	f := Frame{Header: Header{"name": "g"}, Body: []byte{1, 2, 3}}
	cp := f.clone()
	cp.Header["name"] = "changed"
	cp.Body[0] = 0xFF

	if f.Header["name"] != "g" {
		t.Fatal("clone mutated original header")
	}
	if f.Body[0] != 1 {
		t.Fatal("clone mutated original body")
	}
}
