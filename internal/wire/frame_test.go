package wire

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Frame{
		{Kind: KindOptimizeProcess, Payload: []byte{0x00, 0x00, 0x04, 0xD2}},
		{Kind: KindResetProcess, Payload: []byte{0x00, 0x00, 0x00, 0x01}},
		{Kind: KindResetAll, Payload: nil},
		{Kind: KindStatus, Payload: nil},
		{Kind: 0x0099, Payload: []byte{0x01, 0x02, 0x03}},
	}

	for _, want := range cases {
		raw := Encode(want)
		if len(raw) < MinFrameSize {
			t.Fatalf("encoded frame shorter than MinFrameSize: %d", len(raw))
		}
		got, err := Decode(raw)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got.Kind != want.Kind {
			t.Errorf("kind: got %#x want %#x", got.Kind, want.Kind)
		}
		if !bytes.Equal(got.Payload, want.Payload) {
			t.Errorf("payload: got %v want %v", got.Payload, want.Payload)
		}
	}
}

func TestEncodeSizeMatchesLength(t *testing.T) {
	raw := EncodePID(KindOptimizeProcess, 1234)
	if len(raw) != 10 {
		t.Fatalf("expected 10-byte frame, got %d", len(raw))
	}
	f, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	pid, err := DecodePID(f)
	if err != nil {
		t.Fatalf("DecodePID: %v", err)
	}
	if pid != 1234 {
		t.Errorf("pid: got %d want 1234", pid)
	}
}

func TestDecodeRejectsShortFrame(t *testing.T) {
	if _, err := Decode([]byte{0, 0, 0}); err == nil {
		t.Fatal("expected error for frame shorter than MinFrameSize")
	}
}

func TestDecodeRejectsTruncatedPayload(t *testing.T) {
	raw := EncodePID(KindOptimizeProcess, 42)
	if _, err := Decode(raw[:len(raw)-2]); err == nil {
		t.Fatal("expected error for frame shorter than declared size")
	}
}

func TestDecodeRejectsOversizeFrame(t *testing.T) {
	raw := make([]byte, 6)
	// Declare a size far beyond MaxFrameSize.
	raw[0], raw[1], raw[2], raw[3] = 0xFF, 0xFF, 0xFF, 0xFF
	if _, err := Decode(raw); err == nil {
		t.Fatal("expected error for oversize frame")
	}
}

func TestDecodeIgnoresTrailingBytes(t *testing.T) {
	raw := append(EncodePID(KindResetProcess, 7), 0xAA, 0xBB, 0xCC)
	f, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f.Kind != KindResetProcess {
		t.Errorf("kind: got %#x want %#x", f.Kind, KindResetProcess)
	}
}
