package osc

import (
	"fmt"

	"github.com/sorvik/midilux"
)

// The wire schema between hub and visualizer:
//
//	NoteOn (vel>0)            /noteOn ii        note, velocity
//	NoteOff or NoteOn vel=0   /noteOff i        note
//	ControlChange             /cc ii            controller, value
//	PitchBend                 /pitchBend f      value in [-1.0, +1.0]
//	ProgramChange             /config/setEffect i  program
//
// The default translator is channel-agnostic; with ChannelPrefix each
// address gains a /ch/<n> prefix. This is a configuration switch, not a
// protocol change.

// Translator maps MIDI commands to OSC messages.
type Translator struct {
	// ChannelPrefix prepends /ch/<n> to every address.
	ChannelPrefix bool
}

// Outgoing pairs a translated message with its coalescing key; Coalesce is
// false for messages that must never be coalesced.
type Outgoing struct {
	Msg      Message
	Key      CoalesceKey
	Coalesce bool
}

// Translate maps one MIDI command. Commands outside the schema (channel
// and poly aftertouch, system commands) translate to nothing. The
// emission order of translated messages always equals the MIDI arrival
// order.
func (t Translator) Translate(cmd midilux.MidiCommand) (Outgoing, bool) {
	addr := func(suffix string) string {
		if t.ChannelPrefix {
			return fmt.Sprintf("/ch/%d%s", cmd.Channel, suffix)
		}
		return suffix
	}
	switch cmd.Kind {
	case midilux.NoteOn:
		if cmd.Velocity == 0 {
			return Outgoing{Msg: NewMessage(addr("/noteOff"), int32(cmd.Note))}, true
		}
		return Outgoing{Msg: NewMessage(addr("/noteOn"), int32(cmd.Note), int32(cmd.Velocity))}, true
	case midilux.NoteOff:
		return Outgoing{Msg: NewMessage(addr("/noteOff"), int32(cmd.Note))}, true
	case midilux.ControlChange:
		return Outgoing{
			Msg:      NewMessage(addr("/cc"), int32(cmd.Controller), int32(cmd.Value)),
			Key:      Key(cmd.Channel, cmd.Controller),
			Coalesce: true,
		}, true
	case midilux.PitchBend:
		v := float32(cmd.Bend) / float32(-midilux.PitchBendMin)
		if v > 1 {
			v = 1
		}
		return Outgoing{Msg: NewMessage(addr("/pitchBend"), v)}, true
	case midilux.ProgramChange:
		return Outgoing{Msg: NewMessage(addr("/config/setEffect"), int32(cmd.Program))}, true
	}
	return Outgoing{}, false
}
