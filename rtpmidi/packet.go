package rtpmidi

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sorvik/midilux"
)

// RTP constants for the MIDI payload profile.
const (
	rtpVersion      = 2
	PayloadTypeMIDI = 0x61

	headerLen = 12
)

var (
	ErrShortPacket     = errors.New("packet shorter than RTP header")
	ErrBadVersion      = errors.New("RTP version is not 2")
	ErrBadPayloadType  = errors.New("payload type is not RTP-MIDI")
	ErrSectionOverflow = errors.New("command section exceeds length field")
)

type (
	// Header is the fixed 12-byte RTP header of an RTP-MIDI packet.
	Header struct {
		Marker         bool
		SequenceNumber uint16
		Timestamp      uint32
		SSRC           uint32
	}

	// Payload is the RTP-MIDI command section plus optional recovery
	// journal. SysExOpen marks an unterminated SystemExclusive start whose
	// continuation arrives in the next packet; SysExContinuation carries
	// such a continuation, its wire form starting with a 0xF7 marker byte.
	Payload struct {
		ZeroDelta          bool // first command carries no delta field
		SysExOpen          []byte
		SysExContinuation  []byte
		SysExContinueDelta uint32
		Commands           []midilux.TimedCommand
		Journal            *Journal
	}

	// Packet is a parsed RTP-MIDI packet.
	Packet struct {
		Header  Header
		Payload Payload
	}
)

// Serialize encodes the packet canonically: running status collapsed,
// Z flag set iff the first command has delta zero, B flag set iff the
// command section exceeds 15 bytes.
func (p *Packet) Serialize() ([]byte, error) {
	section, err := p.Payload.encodeCommands()
	if err != nil {
		return nil, err
	}
	if len(section) > 0x0FFF {
		return nil, fmt.Errorf("command section of %d bytes exceeds 12-bit length", len(section))
	}
	out := make([]byte, headerLen, headerLen+2+len(section))
	out[0] = rtpVersion << 6
	out[1] = PayloadTypeMIDI
	if p.Header.Marker {
		out[1] |= 0x80
	}
	binary.BigEndian.PutUint16(out[2:], p.Header.SequenceNumber)
	binary.BigEndian.PutUint32(out[4:], p.Header.Timestamp)
	binary.BigEndian.PutUint32(out[8:], p.Header.SSRC)

	var flags byte
	if p.Payload.Journal != nil {
		flags |= 0x40 // J
	}
	if p.Payload.zeroDelta() {
		flags |= 0x20 // Z
	}
	if len(p.Payload.SysExOpen) > 0 {
		flags |= 0x10 // P
	}
	if len(section) > 15 {
		flags |= 0x80 // B: 12-bit length
		out = append(out, flags|byte(len(section)>>8&0x0F), byte(len(section)))
	} else {
		out = append(out, flags|byte(len(section)))
	}
	out = append(out, section...)
	if p.Payload.Journal != nil {
		j, err := p.Payload.Journal.Encode()
		if err != nil {
			return nil, err
		}
		out = append(out, j...)
	}
	return out, nil
}

func (p *Payload) zeroDelta() bool {
	switch {
	case len(p.SysExContinuation) > 0:
		return p.SysExContinueDelta == 0
	case len(p.Commands) > 0:
		return p.Commands[0].Delta == 0
	default:
		return len(p.SysExOpen) > 0 // an open sysex is encoded with no delta
	}
}

// encodeCommands builds the MIDI command section with canonical running
// status: a channel voice status byte equal to the previous one is omitted.
func (p *Payload) encodeCommands() ([]byte, error) {
	var out []byte
	var err error
	first := true
	appendDelta := func(delta uint32) error {
		if first {
			first = false
			if delta == 0 {
				return nil // Z flag, no delta field
			}
		}
		out, err = AppendVLQ(out, delta)
		return err
	}
	if len(p.SysExContinuation) > 0 {
		if err := appendDelta(p.SysExContinueDelta); err != nil {
			return nil, err
		}
		out = append(out, 0xF7)
		out = append(out, p.SysExContinuation...)
		out = append(out, 0xF7)
	}
	var running uint8
	for _, tc := range p.Commands {
		if err := appendDelta(tc.Delta); err != nil {
			return nil, err
		}
		raw := tc.Cmd.Encode()
		if raw == nil {
			return nil, fmt.Errorf("cannot encode command kind %v", tc.Cmd.Kind)
		}
		status := raw[0]
		if status < 0xF0 && status == running {
			raw = raw[1:]
		} else {
			running = 0
			if status < 0xF0 {
				running = status
			}
		}
		out = append(out, raw...)
	}
	if len(p.SysExOpen) > 0 {
		if err := appendDelta(0); err != nil {
			return nil, err
		}
		out = append(out, 0xF0)
		out = append(out, p.SysExOpen...)
	}
	return out, nil
}

// ParsePacket parses an RTP-MIDI packet, expanding running status so every
// returned command carries its explicit status. An empty command section is
// a legal keep-alive.
func ParsePacket(b []byte) (*Packet, error) {
	if len(b) < headerLen+1 {
		return nil, ErrShortPacket
	}
	if b[0]>>6 != rtpVersion {
		return nil, ErrBadVersion
	}
	if b[1]&0x7F != PayloadTypeMIDI {
		return nil, fmt.Errorf("%w: 0x%02X", ErrBadPayloadType, b[1]&0x7F)
	}
	pkt := &Packet{Header: Header{
		Marker:         b[1]&0x80 != 0,
		SequenceNumber: binary.BigEndian.Uint16(b[2:]),
		Timestamp:      binary.BigEndian.Uint32(b[4:]),
		SSRC:           binary.BigEndian.Uint32(b[8:]),
	}}
	body := b[headerLen:]
	flags := body[0]
	journalPresent := flags&0x40 != 0
	zeroDelta := flags&0x20 != 0
	phantom := flags&0x10 != 0
	var length int
	if flags&0x80 != 0 {
		if len(body) < 2 {
			return nil, ErrShortPacket
		}
		length = int(flags&0x0F)<<8 | int(body[1])
		body = body[2:]
	} else {
		length = int(flags & 0x0F)
		body = body[1:]
	}
	if length > len(body) {
		return nil, fmt.Errorf("%w: length %d, %d bytes remain", ErrSectionOverflow, length, len(body))
	}
	pkt.Payload.ZeroDelta = zeroDelta
	if err := pkt.Payload.parseCommands(body[:length], zeroDelta, phantom); err != nil {
		return nil, err
	}
	if journalPresent {
		j, _, err := ParseJournal(body[length:])
		if err != nil {
			return nil, fmt.Errorf("journal: %w", err)
		}
		pkt.Payload.Journal = j
	}
	return pkt, nil
}

func (p *Payload) parseCommands(section []byte, zeroDelta, phantom bool) error {
	var running uint8
	first := true
	for len(section) > 0 {
		var delta uint32
		if first && zeroDelta {
			delta = 0
		} else {
			v, n, err := DecodeVLQ(section)
			if err != nil {
				return err
			}
			delta, section = v, section[n:]
		}
		if len(section) == 0 {
			return midilux.ErrShortCommand
		}
		status := section[0]
		switch {
		case status == 0xF7 && first:
			// continuation of a sysex opened by the previous packet
			end := -1
			for i := 1; i < len(section); i++ {
				if section[i] == 0xF7 {
					end = i
					break
				}
			}
			if end < 0 {
				return midilux.ErrSysExUnclosed
			}
			p.SysExContinuation = append([]byte(nil), section[1:end]...)
			p.SysExContinueDelta = delta
			section = section[end+1:]
		case status == 0xF0:
			end := -1
			for i := 1; i < len(section); i++ {
				if section[i] == 0xF7 {
					end = i
					break
				}
			}
			if end < 0 {
				if !phantom {
					return midilux.ErrSysExUnclosed
				}
				p.SysExOpen = append([]byte(nil), section[1:]...)
				section = nil
				break
			}
			cmd, n, err := midilux.DecodeCommand(section[:end+1])
			if err != nil {
				return err
			}
			p.Commands = append(p.Commands, midilux.TimedCommand{Delta: delta, Cmd: cmd})
			section = section[n:]
		case status < 0x80:
			// running status: re-prefix the stored status byte
			if running == 0 {
				return fmt.Errorf("%w: data byte with no running status", midilux.ErrBadStatus)
			}
			n, err := midilux.CommandLength(running)
			if err != nil {
				return err
			}
			if len(section) < n {
				return midilux.ErrShortCommand
			}
			buf := make([]byte, 0, 1+n)
			buf = append(buf, running)
			buf = append(buf, section[:n]...)
			cmd, _, err := midilux.DecodeCommand(buf)
			if err != nil {
				return err
			}
			p.Commands = append(p.Commands, midilux.TimedCommand{Delta: delta, Cmd: cmd})
			section = section[n:]
		default:
			cmd, n, err := midilux.DecodeCommand(section)
			if err != nil {
				return err
			}
			if status < 0xF0 {
				running = status
			} else {
				running = 0
			}
			p.Commands = append(p.Commands, midilux.TimedCommand{Delta: delta, Cmd: cmd})
			section = section[n:]
		}
		first = false
	}
	return nil
}
