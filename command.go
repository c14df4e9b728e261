package midilux

import "fmt"

// CommandLength returns the number of data bytes following a status byte.
// SystemExclusive (0xF0) has variable length and returns -1.
func CommandLength(status uint8) (int, error) {
	switch {
	case status >= 0x80 && status <= 0xBF:
		return 2, nil // note off/on, poly aftertouch, control change
	case status >= 0xC0 && status <= 0xDF:
		return 1, nil // program change, channel pressure
	case status >= 0xE0 && status <= 0xEF:
		return 2, nil // pitch bend
	case status == 0xF0:
		return -1, nil
	case status == 0xF1 || status == 0xF3:
		return 1, nil
	case status == 0xF2:
		return 2, nil
	case status >= 0xF6:
		return 0, nil // tune request and real-time
	}
	return 0, fmt.Errorf("%w: 0x%02X", ErrBadStatus, status)
}

// Encode serializes the command to raw MIDI wire bytes, always with an
// explicit status byte. SystemExclusive is framed with 0xF0/0xF7.
func (c MidiCommand) Encode() []byte {
	switch c.Kind {
	case NoteOff, NoteOn:
		return []byte{c.Status(), c.Note & 0x7F, c.Velocity & 0x7F}
	case PolyAftertouch:
		return []byte{c.Status(), c.Note & 0x7F, c.Pressure & 0x7F}
	case ControlChange:
		return []byte{c.Status(), c.Controller & 0x7F, c.Value & 0x7F}
	case ProgramChange:
		return []byte{c.Status(), c.Program & 0x7F}
	case ChannelPressure:
		return []byte{c.Status(), c.Pressure & 0x7F}
	case PitchBend:
		lsb, msb := c.BendBytes()
		return []byte{c.Status(), lsb, msb}
	case SystemExclusive:
		out := make([]byte, 0, len(c.Data)+2)
		out = append(out, 0xF0)
		out = append(out, c.Data...)
		return append(out, 0xF7)
	case SongPosition:
		return []byte{0xF2, uint8(c.Position & 0x7F), uint8(c.Position >> 7 & 0x7F)}
	case SongSelect:
		return []byte{0xF3, c.Program & 0x7F}
	}
	return nil
}

// DecodeCommand parses one command from the front of b. The first byte must
// be a status byte; callers handling running status should use StreamDecoder.
// Returns the command and the number of bytes consumed.
func DecodeCommand(b []byte) (MidiCommand, int, error) {
	if len(b) == 0 {
		return MidiCommand{}, 0, ErrShortCommand
	}
	status := b[0]
	if status < 0x80 {
		return MidiCommand{}, 0, fmt.Errorf("%w: 0x%02X", ErrBadStatus, status)
	}
	if status == 0xF0 {
		for i := 1; i < len(b); i++ {
			if b[i] == 0xF7 {
				if i-1 > MaxSysExLength {
					return MidiCommand{}, 0, ErrSysExTooLong
				}
				data := make([]byte, i-1)
				copy(data, b[1:i])
				return MidiCommand{Kind: SystemExclusive, Data: data}, i + 1, nil
			}
		}
		return MidiCommand{}, 0, ErrSysExUnclosed
	}
	n, err := CommandLength(status)
	if err != nil {
		return MidiCommand{}, 0, err
	}
	if len(b) < 1+n {
		return MidiCommand{}, 0, ErrShortCommand
	}
	channel := status & 0x0F
	cmd := MidiCommand{Channel: channel}
	switch status & 0xF0 {
	case 0x80:
		cmd.Kind, cmd.Note, cmd.Velocity = NoteOff, b[1]&0x7F, b[2]&0x7F
	case 0x90:
		cmd.Kind, cmd.Note, cmd.Velocity = NoteOn, b[1]&0x7F, b[2]&0x7F
	case 0xA0:
		cmd.Kind, cmd.Note, cmd.Pressure = PolyAftertouch, b[1]&0x7F, b[2]&0x7F
	case 0xB0:
		cmd.Kind, cmd.Controller, cmd.Value = ControlChange, b[1]&0x7F, b[2]&0x7F
	case 0xC0:
		cmd.Kind, cmd.Program = ProgramChange, b[1]&0x7F
	case 0xD0:
		cmd.Kind, cmd.Pressure = ChannelPressure, b[1]&0x7F
	case 0xE0:
		cmd.Kind, cmd.Bend = PitchBend, BendFromBytes(b[1], b[2])
	case 0xF0:
		cmd.Channel = 0
		switch status {
		case 0xF2:
			cmd.Kind = SongPosition
			cmd.Position = uint16(b[1]&0x7F) | uint16(b[2]&0x7F)<<7
		case 0xF3:
			cmd.Kind, cmd.Program = SongSelect, b[1]&0x7F
		default:
			return MidiCommand{}, 0, fmt.Errorf("unsupported system command 0x%02X", status)
		}
	}
	return cmd, 1 + n, nil
}

// StreamDecoder decodes a raw MIDI byte stream, expanding running status.
// Real-time bytes (0xF8-0xFF) interleaved in the stream are skipped.
type StreamDecoder struct {
	running uint8
	partial []byte // buffered bytes of an incomplete command
}

// Feed consumes bytes from the stream and returns the commands completed by
// them. Incomplete trailing bytes are buffered for the next call.
func (d *StreamDecoder) Feed(b []byte) ([]MidiCommand, error) {
	var out []MidiCommand
	for _, by := range b {
		if by >= 0xF8 {
			continue
		}
		if len(d.partial) > 0 && d.partial[0] == 0xF0 {
			if by < 0x80 || by == 0xF7 {
				d.partial = append(d.partial, by)
				if cmd, ok, err := d.tryComplete(); err != nil {
					return out, err
				} else if ok {
					out = append(out, cmd)
				}
				continue
			}
			d.partial = d.partial[:0] // interrupted sysex is discarded
		}
		if by >= 0x80 {
			if by < 0xF0 {
				d.running = by
			} else {
				d.running = 0 // system commands cancel running status
			}
			d.partial = append(d.partial[:0], by)
		} else {
			if len(d.partial) == 0 {
				if d.running == 0 {
					return out, fmt.Errorf("%w: data byte 0x%02X with no running status", ErrBadStatus, by)
				}
				d.partial = append(d.partial, d.running)
			}
			d.partial = append(d.partial, by)
		}
		if cmd, ok, err := d.tryComplete(); err != nil {
			return out, err
		} else if ok {
			out = append(out, cmd)
		}
	}
	return out, nil
}

func (d *StreamDecoder) tryComplete() (MidiCommand, bool, error) {
	if len(d.partial) == 0 {
		return MidiCommand{}, false, nil
	}
	status := d.partial[0]
	if status == 0xF0 {
		if d.partial[len(d.partial)-1] != 0xF7 {
			if len(d.partial) > MaxSysExLength+2 {
				d.partial = d.partial[:0]
				return MidiCommand{}, false, ErrSysExTooLong
			}
			return MidiCommand{}, false, nil
		}
	} else {
		n, err := CommandLength(status)
		if err != nil {
			d.partial = d.partial[:0]
			return MidiCommand{}, false, err
		}
		if len(d.partial) < 1+n {
			return MidiCommand{}, false, nil
		}
	}
	cmd, _, err := DecodeCommand(d.partial)
	d.partial = d.partial[:0]
	if err != nil {
		return MidiCommand{}, false, err
	}
	return cmd, true, nil
}
