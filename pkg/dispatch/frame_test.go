package dispatch

import (
	"bytes"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestEncodeDecodeInvokeRoundTrip(t *testing.T) {
	units := []MessageUnit{
		{Key: "hello", Content: []byte("world"), Qos: "<qos/>"},
		{Key: "empty", Content: nil, Qos: "<qos><priority>5</priority></qos>"},
	}
	b := EncodeInvoke("42", "publishArr", "sess-1", units)

	f, err := DecodeFrame(bytes.NewReader(b))
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if f.Type != FrameInvoke || f.RequestID != "42" || f.Method != "publishArr" || f.SecretSessionID != "sess-1" {
		t.Fatalf("header mismatch: %+v", f)
	}
	if diff := cmp.Diff(units, f.Units, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("units mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeTotalLenMatchesActualBytes(t *testing.T) {
	b := EncodeInvoke("1", "publish", "", []MessageUnit{{Key: "k", Content: []byte("v")}})
	// The property from spec §8: totalLen equals the actual byte count
	// emitted, i.e. decoding consumes exactly len(b) bytes.
	r := bytes.NewReader(b)
	f, err := DecodeFrame(r)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("decoding left %d of %d bytes unread", r.Len(), len(b))
	}
	reencoded := EncodeInvoke(f.RequestID, f.Method, f.SecretSessionID, f.Units)
	if !bytes.Equal(b, reencoded) {
		t.Fatalf("round-trip mismatch:\n got %q\nwant %q", reencoded, b)
	}
}

func TestDecodeFrameTruncatedReturnsEOF(t *testing.T) {
	b := EncodeInvoke("1", "ping", "", nil)
	_, err := DecodeFrame(bytes.NewReader(b[:len(b)-3]))
	if err != io.EOF {
		t.Fatalf("expected io.EOF for a truncated frame, got %v", err)
	}
}

func TestEncodeRawConnectPayload(t *testing.T) {
	b := EncodeRaw(FrameInvoke, "0", "connect", "", "<qos><securityService/></qos>")
	f, err := DecodeFrame(bytes.NewReader(b))
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if f.Raw != "<qos><securityService/></qos>" {
		t.Fatalf("raw payload mismatch: %q", f.Raw)
	}
	if len(f.Units) != 0 {
		t.Fatalf("expected no units for a raw payload, got %d", len(f.Units))
	}
}

func TestEncodeExceptionRoundTrip(t *testing.T) {
	b := EncodeException("7", "get", "sess", "user.illegalArgument", "bad key")
	f, err := DecodeFrame(bytes.NewReader(b))
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if f.Type != FrameException || f.ErrorCode != "user.illegalArgument" || f.ErrorMessage != "bad key" {
		t.Fatalf("exception mismatch: %+v", f)
	}
}

func TestContentLengthIsAuthoritativeAcrossEmbeddedNUL(t *testing.T) {
	content := []byte{0, 1, 0, 2, 0}
	b := EncodeInvoke("1", "publish", "", []MessageUnit{{Key: "k", Content: content}})
	f, err := DecodeFrame(bytes.NewReader(b))
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if len(f.Units) != 1 || !bytes.Equal(f.Units[0].Content, content) {
		t.Fatalf("content with embedded NUL bytes was mis-parsed: %+v", f.Units)
	}
}

func TestClientPropertyExtraction(t *testing.T) {
	u := MessageUnit{Qos: "<qos><clientProperty name='__filename'>report.pdf</clientProperty></qos>"}
	v, ok := u.ClientProperty("__filename")
	if !ok || v != "report.pdf" {
		t.Fatalf("ClientProperty(__filename) = %q, %v", v, ok)
	}
	if _, ok := u.ClientProperty("missing"); ok {
		t.Fatal("expected ok=false for a property that is not present")
	}
}
