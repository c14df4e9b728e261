package osc

import (
	"bytes"
	"reflect"
	"strings"
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	msgs := []Message{
		NewMessage("/noteOn", int32(60), int32(100)),
		NewMessage("/noteOff", int32(60)),
		NewMessage("/cc", int32(64), int32(127)),
		NewMessage("/pitchBend", float32(-0.5)),
		NewMessage("/config/setEffect", int32(3)),
		NewMessage("/label", "hello"),
		NewMessage("/blob", []byte{1, 2, 3, 4, 5}),
		NewMessage("/mixed", int32(1), "two", float32(3), []byte{4}),
		NewMessage("/empty"),
	}
	for _, want := range msgs {
		b, err := want.Encode()
		if err != nil {
			t.Fatalf("%s: Encode failed: %v", want.Addr, err)
		}
		if len(b)%4 != 0 {
			t.Errorf("%s: encoding is %d bytes, not 4-aligned", want.Addr, len(b))
		}
		got, err := Decode(b)
		if err != nil {
			t.Fatalf("%s: Decode failed: %v", want.Addr, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("%s: round trip mismatch, got %+v", want.Addr, got)
		}
		b2, err := got.Encode()
		if err != nil {
			t.Fatalf("%s: re-encode failed: %v", want.Addr, err)
		}
		if !bytes.Equal(b, b2) {
			t.Errorf("%s: re-encode differs", want.Addr)
		}
	}
}

func TestKnownEncoding(t *testing.T) {
	b, err := NewMessage("/cc", int32(64), int32(127)).Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	want := []byte{
		'/', 'c', 'c', 0,
		',', 'i', 'i', 0,
		0, 0, 0, 64,
		0, 0, 0, 127,
	}
	if !bytes.Equal(b, want) {
		t.Errorf("encoding:\ngot  % X\nwant % X", b, want)
	}
}

func TestAddressLimits(t *testing.T) {
	long := "/" + strings.Repeat("a", MaxAddressLength-1)
	if _, err := NewMessage(long, int32(1)).Encode(); err != nil {
		t.Errorf("address of exactly %d bytes rejected: %v", MaxAddressLength, err)
	}
	if _, err := NewMessage(long+"a", int32(1)).Encode(); err != ErrAddressTooLong {
		t.Errorf("overlong address accepted, err=%v", err)
	}
	if _, err := NewMessage("noSlash").Encode(); err != ErrBadAddress {
		t.Errorf("address without slash accepted, err=%v", err)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode(nil); err == nil {
		t.Error("empty packet accepted")
	}
	if _, err := Decode([]byte{'/', 'a', 0, 0, 'x', 'i', 0, 0}); err == nil {
		t.Error("type tags without comma accepted")
	}
	b, _ := NewMessage("/x", int32(1)).Encode()
	if _, err := Decode(b[:len(b)-2]); err == nil {
		t.Error("truncated argument accepted")
	}
	bad, _ := NewMessage("/x", int32(1)).Encode()
	bad[5] = 'q' // unknown type tag
	if _, err := Decode(bad); err == nil {
		t.Error("unknown type tag accepted")
	}
}
