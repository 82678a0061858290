package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestFrameEncodeDecodeRoundTrip(t *testing.T) {
	f, err := NewFrame(FrameEvent, []byte("hello"))
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}

	encoded := f.Encode()
	decoded, err := DecodeFrame(encoded)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if decoded.Type != FrameEvent || !bytes.Equal(decoded.Payload, []byte("hello")) {
		t.Fatalf("decoded = %+v", decoded)
	}
}

func TestNewFrameRejectsOversizedPayload(t *testing.T) {
	_, err := NewFrame(FrameEvent, make([]byte, MaxPayloadSize+1))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("err = %v, want ErrFrameTooLarge", err)
	}
}

func TestDecodeFrameRejectsTruncatedHeader(t *testing.T) {
	_, err := DecodeFrame([]byte{0x01, 0x00})
	if !errors.Is(err, ErrFrameTruncated) {
		t.Fatalf("err = %v, want ErrFrameTruncated", err)
	}
}

func TestDecodeFrameRejectsTruncatedPayload(t *testing.T) {
	f, _ := NewFrame(FrameEvent, []byte("hello"))
	encoded := f.Encode()
	_, err := DecodeFrame(encoded[:len(encoded)-2])
	if !errors.Is(err, ErrFrameTruncated) {
		t.Fatalf("err = %v, want ErrFrameTruncated", err)
	}
}
