package rtpmidi

import (
	"bytes"

	"github.com/sorvik/midilux"
)

type (
	// ChannelState is the logical MIDI state of one channel. Value fields
	// use -1 for "never seen".
	ChannelState struct {
		Program      int16
		Controllers  [128]int16
		Params       [128]int16 // registered parameters (chapter M)
		PitchWheel   int16      // 14-bit unsigned wire value
		Pressure     int16
		PolyPressure [128]int16
		NoteActive   [128]bool
		NoteVelocity [128]uint8
	}

	// SystemState is the logical system common state.
	SystemState struct {
		SongPosition int32
		SongSelect   int16
		SysEx        []byte // most recent system exclusive payload
	}

	// State is the full logical MIDI state of one stream direction.
	State struct {
		Channels [16]ChannelState
		System   SystemState
	}

	touchedChannel struct {
		any          bool
		program      bool
		controllers  [128]bool
		params       [128]bool
		wheel        bool
		pressure     bool
		polyPressure [128]bool
		notes        [128]bool // chapter N: on/off state touched
		offs         [128]bool // chapter E: release seen since checkpoint
		offVel       [128]uint8
		firstDirty   uint16
		lastDirty    uint16
		haveDirty    bool
	}

	// Tracker maintains the sender's logical state plus per-channel dirty
	// tracking since the last confirmed checkpoint, and synthesizes the
	// outgoing recovery journal.
	Tracker struct {
		state      State
		touched    [16]touchedChannel
		sysTouched struct{ pos, sel, sysex bool }
		sysDirty   bool
		currentRPN [16]int16
		checkpoint uint16
	}
)

// NewState returns a State with every value unknown.
func NewState() *State {
	s := &State{}
	for ch := range s.Channels {
		c := &s.Channels[ch]
		c.Program, c.PitchWheel, c.Pressure = -1, -1, -1
		for i := 0; i < 128; i++ {
			c.Controllers[i], c.Params[i], c.PolyPressure[i] = -1, -1, -1
		}
	}
	s.System.SongPosition, s.System.SongSelect = -1, -1
	return s
}

// Apply updates the logical state with one command. NoteOn with zero
// velocity is normalized to a release.
func (s *State) Apply(cmd midilux.MidiCommand) {
	c := &s.Channels[cmd.Channel&0x0F]
	switch cmd.Kind {
	case midilux.NoteOn:
		if cmd.Velocity == 0 {
			c.NoteActive[cmd.Note] = false
		} else {
			c.NoteActive[cmd.Note] = true
			c.NoteVelocity[cmd.Note] = cmd.Velocity
		}
	case midilux.NoteOff:
		c.NoteActive[cmd.Note] = false
	case midilux.ControlChange:
		c.Controllers[cmd.Controller] = int16(cmd.Value)
	case midilux.ProgramChange:
		c.Program = int16(cmd.Program)
	case midilux.PitchBend:
		lsb, msb := cmd.BendBytes()
		c.PitchWheel = int16(uint16(msb)<<7 | uint16(lsb))
	case midilux.ChannelPressure:
		c.Pressure = int16(cmd.Pressure)
	case midilux.PolyAftertouch:
		c.PolyPressure[cmd.Note] = int16(cmd.Pressure)
	case midilux.SystemExclusive:
		s.System.SysEx = append([]byte(nil), cmd.Data...)
	case midilux.SongPosition:
		s.System.SongPosition = int32(cmd.Position)
	case midilux.SongSelect:
		s.System.SongSelect = int16(cmd.Program)
	}
}

// NewTracker returns a sender-side journal tracker.
func NewTracker() *Tracker {
	t := &Tracker{state: *NewState()}
	for i := range t.currentRPN {
		t.currentRPN[i] = -1
	}
	return t
}

// State returns a copy of the tracker's logical MIDI state.
func (t *Tracker) State() State {
	return t.state
}

// Record notes that cmd was carried by the outgoing packet with sequence
// number seq, updating both the logical state and the dirty tracking.
func (t *Tracker) Record(cmd midilux.MidiCommand, seq uint16) {
	ch := cmd.Channel & 0x0F
	tc := &t.touched[ch]
	mark := func() {
		tc.any = true
		if !tc.haveDirty {
			tc.firstDirty, tc.haveDirty = seq, true
		}
		tc.lastDirty = seq
	}
	switch cmd.Kind {
	case midilux.NoteOn:
		if cmd.Velocity == 0 {
			t.recordRelease(tc, cmd.Note, 0, mark)
		} else {
			tc.notes[cmd.Note] = true
			mark()
		}
	case midilux.NoteOff:
		t.recordRelease(tc, cmd.Note, cmd.Velocity, mark)
	case midilux.ControlChange:
		tc.controllers[cmd.Controller] = true
		mark()
		// data entry while an RPN is selected also lands in chapter M
		switch cmd.Controller {
		case 101:
			t.currentRPN[ch] = int16(cmd.Value)
		case 6:
			if rpn := t.currentRPN[ch]; rpn >= 0 && rpn < 128 {
				tc.params[rpn] = true
				t.state.Channels[ch].Params[rpn] = int16(cmd.Value)
			}
		}
	case midilux.ProgramChange:
		tc.program = true
		mark()
	case midilux.PitchBend:
		tc.wheel = true
		mark()
	case midilux.ChannelPressure:
		tc.pressure = true
		mark()
	case midilux.PolyAftertouch:
		tc.polyPressure[cmd.Note] = true
		mark()
	case midilux.SystemExclusive:
		t.sysTouched.sysex = true
		t.sysDirty = true
	case midilux.SongPosition:
		t.sysTouched.pos = true
		t.sysDirty = true
	case midilux.SongSelect:
		t.sysTouched.sel = true
		t.sysDirty = true
	}
	t.state.Apply(cmd)
}

func (t *Tracker) recordRelease(tc *touchedChannel, note, velocity uint8, mark func()) {
	tc.notes[note] = true
	tc.offs[note] = true
	tc.offVel[note] = velocity
	mark()
}

// Confirm processes receiver feedback: the receiver has fully processed
// everything through seq. Channels whose entire dirty range is confirmed
// drop their entries; the checkpoint advances monotonically.
func (t *Tracker) Confirm(seq uint16) {
	if SeqLess(t.checkpoint, seq) {
		t.checkpoint = seq
	}
	for ch := range t.touched {
		tc := &t.touched[ch]
		if tc.haveDirty && !SeqLess(seq, tc.lastDirty) {
			*tc = touchedChannel{}
		}
	}
	// system journal entries are dropped with the global checkpoint
	if t.sysDirty {
		t.sysTouched = struct{ pos, sel, sysex bool }{}
		t.sysDirty = false
	}
}

// Journal synthesizes the recovery journal for the next outgoing packet,
// reflecting the current logical state of everything touched since the
// checkpoint. Returns nil when there is nothing to recover.
func (t *Tracker) Journal() *Journal {
	j := &Journal{Checkpoint: t.checkpoint, SinglePacketLoss: true}
	for ch := 0; ch < 16; ch++ {
		tc := &t.touched[ch]
		if !tc.any {
			continue
		}
		if tc.firstDirty != tc.lastDirty {
			j.SinglePacketLoss = false
		}
		state := &t.state.Channels[ch]
		cj := ChannelJournal{Channel: uint8(ch)}
		if tc.program && state.Program >= 0 {
			p := uint8(state.Program)
			cj.Program = &p
		}
		for n := 0; n < 128; n++ {
			if tc.controllers[n] && state.Controllers[n] >= 0 {
				cj.Controls = append(cj.Controls, ControlEntry{uint8(n), uint8(state.Controllers[n])})
			}
			if tc.params[n] && state.Params[n] >= 0 {
				cj.Params = append(cj.Params, ParamEntry{uint8(n), uint8(state.Params[n])})
			}
			if tc.polyPressure[n] && state.PolyPressure[n] >= 0 {
				cj.PolyPressure = append(cj.PolyPressure, PolyEntry{uint8(n), uint8(state.PolyPressure[n])})
			}
			if tc.offs[n] {
				cj.Offs = append(cj.Offs, OffEntry{uint8(n), tc.offVel[n]})
			}
		}
		if tc.wheel && state.PitchWheel >= 0 {
			w := uint16(state.PitchWheel)
			cj.PitchWheel = &w
		}
		if tc.pressure && state.Pressure >= 0 {
			p := uint8(state.Pressure)
			cj.Pressure = &p
		}
		cj.Notes = noteLog(tc, state)
		j.Channels = append(j.Channels, cj)
	}
	if t.sysDirty {
		sys := &SystemJournal{}
		if t.sysTouched.pos && t.state.System.SongPosition >= 0 {
			p := uint16(t.state.System.SongPosition)
			sys.SongPosition = &p
		}
		if t.sysTouched.sel && t.state.System.SongSelect >= 0 {
			s := uint8(t.state.System.SongSelect)
			sys.SongSelect = &s
		}
		if t.sysTouched.sysex {
			sys.SysEx = append([]byte(nil), t.state.System.SysEx...)
		}
		j.System = sys
	}
	if len(j.Channels) == 0 && j.System == nil {
		return nil
	}
	return j
}

// noteLog builds chapter N: touched notes currently on become entries with
// their most recent velocity; touched notes currently off become off bits.
func noteLog(tc *touchedChannel, state *ChannelState) *NoteLog {
	log := &NoteLog{}
	low, high := -1, -1
	for n := 0; n < 128; n++ {
		if !tc.notes[n] {
			continue
		}
		if state.NoteActive[n] {
			log.Ons = append(log.Ons, NoteEntry{uint8(n), state.NoteVelocity[n]})
		} else {
			if low < 0 {
				low = n / 8
			}
			high = n / 8
		}
	}
	if low >= 0 {
		log.OffLow = uint8(low)
		log.OffBits = make([]byte, high-low+1)
		for n := 0; n < 128; n++ {
			if tc.notes[n] && !state.NoteActive[n] {
				log.OffBits[n/8-low] |= 1 << (n % 8)
			}
		}
	}
	if len(log.Ons) == 0 && len(log.OffBits) == 0 {
		return nil
	}
	return log
}

// ApplyJournal reconciles the receiver state with the journal of the first
// packet after a gap, returning the commands that bring the local state in
// line with the sender's. Applying the same journal twice yields no
// further commands.
func (s *State) ApplyJournal(j *Journal) []midilux.MidiCommand {
	var out []midilux.MidiCommand
	for i := range j.Channels {
		cj := &j.Channels[i]
		ch := cj.Channel & 0x0F
		state := &s.Channels[ch]
		if cj.Program != nil && state.Program != int16(*cj.Program) {
			state.Program = int16(*cj.Program)
			out = append(out, midilux.MidiCommand{Kind: midilux.ProgramChange, Channel: ch, Program: *cj.Program})
		}
		for _, e := range cj.Controls {
			if state.Controllers[e.Number] != int16(e.Value) {
				state.Controllers[e.Number] = int16(e.Value)
				out = append(out, midilux.MidiCommand{Kind: midilux.ControlChange, Channel: ch, Controller: e.Number, Value: e.Value})
			}
		}
		for _, e := range cj.Params {
			state.Params[e.Number] = int16(e.Value)
		}
		if cj.PitchWheel != nil && state.PitchWheel != int16(*cj.PitchWheel) {
			state.PitchWheel = int16(*cj.PitchWheel)
			out = append(out, midilux.MidiCommand{
				Kind:    midilux.PitchBend,
				Channel: ch,
				Bend:    midilux.BendFromBytes(uint8(*cj.PitchWheel&0x7F), uint8(*cj.PitchWheel>>7)),
			})
		}
		if cj.Notes != nil {
			for _, e := range cj.Notes.Ons {
				if !state.NoteActive[e.Note] {
					state.NoteActive[e.Note] = true
					state.NoteVelocity[e.Note] = e.Velocity
					out = append(out, midilux.MidiCommand{Kind: midilux.NoteOn, Channel: ch, Note: e.Note, Velocity: e.Velocity})
				} else {
					state.NoteVelocity[e.Note] = e.Velocity
				}
			}
			for o, bits := range cj.Notes.OffBits {
				for bit := 0; bit < 8; bit++ {
					if bits&(1<<bit) == 0 {
						continue
					}
					note := uint8((int(cj.Notes.OffLow)+o)*8 + bit)
					if state.NoteActive[note] {
						state.NoteActive[note] = false
						out = append(out, midilux.MidiCommand{Kind: midilux.NoteOff, Channel: ch, Note: note})
					}
				}
			}
		}
		for _, e := range cj.Offs {
			if state.NoteActive[e.Note] {
				state.NoteActive[e.Note] = false
				out = append(out, midilux.MidiCommand{Kind: midilux.NoteOff, Channel: ch, Note: e.Note, Velocity: e.Velocity})
			}
		}
		if cj.Pressure != nil && state.Pressure != int16(*cj.Pressure) {
			state.Pressure = int16(*cj.Pressure)
			out = append(out, midilux.MidiCommand{Kind: midilux.ChannelPressure, Channel: ch, Pressure: *cj.Pressure})
		}
		for _, e := range cj.PolyPressure {
			if state.PolyPressure[e.Note] != int16(e.Pressure) {
				state.PolyPressure[e.Note] = int16(e.Pressure)
				out = append(out, midilux.MidiCommand{Kind: midilux.PolyAftertouch, Channel: ch, Note: e.Note, Pressure: e.Pressure})
			}
		}
	}
	if sys := j.System; sys != nil {
		if sys.SongPosition != nil && s.System.SongPosition != int32(*sys.SongPosition) {
			s.System.SongPosition = int32(*sys.SongPosition)
			out = append(out, midilux.MidiCommand{Kind: midilux.SongPosition, Position: *sys.SongPosition})
		}
		if sys.SongSelect != nil && s.System.SongSelect != int16(*sys.SongSelect) {
			s.System.SongSelect = int16(*sys.SongSelect)
			out = append(out, midilux.MidiCommand{Kind: midilux.SongSelect, Program: *sys.SongSelect})
		}
		if sys.SysEx != nil && !bytes.Equal(s.System.SysEx, sys.SysEx) {
			s.System.SysEx = append([]byte(nil), sys.SysEx...)
			out = append(out, midilux.MidiCommand{Kind: midilux.SystemExclusive, Data: append([]byte(nil), sys.SysEx...)})
		}
	}
	return out
}
