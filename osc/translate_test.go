package osc

import (
	"reflect"
	"testing"

	"github.com/sorvik/midilux"
)

func TestTranslateSchema(t *testing.T) {
	tr := Translator{}
	cases := []struct {
		cmd  midilux.MidiCommand
		addr string
		args []any
	}{
		{midilux.MidiCommand{Kind: midilux.NoteOn, Note: 60, Velocity: 100}, "/noteOn", []any{int32(60), int32(100)}},
		{midilux.MidiCommand{Kind: midilux.NoteOff, Note: 60, Velocity: 10}, "/noteOff", []any{int32(60)}},
		{midilux.MidiCommand{Kind: midilux.NoteOn, Note: 61, Velocity: 0}, "/noteOff", []any{int32(61)}},
		{midilux.MidiCommand{Kind: midilux.ControlChange, Controller: 64, Value: 127}, "/cc", []any{int32(64), int32(127)}},
		{midilux.MidiCommand{Kind: midilux.ProgramChange, Program: 5}, "/config/setEffect", []any{int32(5)}},
	}
	for _, c := range cases {
		out, ok := tr.Translate(c.cmd)
		if !ok {
			t.Fatalf("%v not translated", c.cmd.Kind)
		}
		if out.Msg.Addr != c.addr {
			t.Errorf("%v -> %s, want %s", c.cmd.Kind, out.Msg.Addr, c.addr)
		}
		if !reflect.DeepEqual(out.Msg.Args, c.args) {
			t.Errorf("%v args %v, want %v", c.cmd.Kind, out.Msg.Args, c.args)
		}
	}
}

func TestTranslatePitchBendScaling(t *testing.T) {
	tr := Translator{}
	for _, c := range []struct {
		bend int16
		want float32
	}{
		{-8192, -1.0},
		{0, 0.0},
		{4096, 0.5},
	} {
		out, ok := tr.Translate(midilux.MidiCommand{Kind: midilux.PitchBend, Bend: c.bend})
		if !ok {
			t.Fatal("pitch bend not translated")
		}
		got, _ := out.Msg.Float(0)
		if got != c.want {
			t.Errorf("bend %d -> %f, want %f", c.bend, got, c.want)
		}
	}
	out, _ := tr.Translate(midilux.MidiCommand{Kind: midilux.PitchBend, Bend: 8191})
	got, _ := out.Msg.Float(0)
	if got < 0.999 || got > 1.0 {
		t.Errorf("maximum bend -> %f", got)
	}
}

func TestTranslateCoalescing(t *testing.T) {
	tr := Translator{}
	out, _ := tr.Translate(midilux.MidiCommand{Kind: midilux.ControlChange, Channel: 3, Controller: 1, Value: 5})
	if !out.Coalesce {
		t.Error("control change not marked for coalescing")
	}
	if out.Key != Key(3, 1) {
		t.Errorf("coalesce key %#x, want %#x", out.Key, Key(3, 1))
	}
	out, _ = tr.Translate(midilux.MidiCommand{Kind: midilux.NoteOn, Note: 60, Velocity: 1})
	if out.Coalesce {
		t.Error("note event marked for coalescing")
	}
}

func TestTranslateChannelPrefix(t *testing.T) {
	tr := Translator{ChannelPrefix: true}
	out, _ := tr.Translate(midilux.MidiCommand{Kind: midilux.NoteOn, Channel: 5, Note: 60, Velocity: 1})
	if out.Msg.Addr != "/ch/5/noteOn" {
		t.Errorf("prefixed address %s", out.Msg.Addr)
	}
}

func TestTranslateOutsideSchema(t *testing.T) {
	tr := Translator{}
	if _, ok := tr.Translate(midilux.MidiCommand{Kind: midilux.ChannelPressure, Pressure: 1}); ok {
		t.Error("channel pressure translated")
	}
	if _, ok := tr.Translate(midilux.MidiCommand{Kind: midilux.SystemExclusive, Data: []byte{1}}); ok {
		t.Error("sysex translated")
	}
}
