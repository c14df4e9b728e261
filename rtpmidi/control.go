package rtpmidi

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// AppleMIDI control messages share a two-byte 0xFFFF preamble followed by a
// two-letter command. IN/OK/NO/BY carry protocol version, initiator token
// and SSRC; CK carries the three-way clock sync timestamps; RS is receiver
// feedback confirming the highest processed sequence number.

const protocolVersion = 2

// ControlKind identifies an AppleMIDI control message.
type ControlKind uint16

const (
	ControlInvitation ControlKind = 'I'<<8 | 'N'
	ControlAccept     ControlKind = 'O'<<8 | 'K'
	ControlReject     ControlKind = 'N'<<8 | 'O'
	ControlExit       ControlKind = 'B'<<8 | 'Y'
	ControlSync       ControlKind = 'C'<<8 | 'K'
	ControlFeedback   ControlKind = 'R'<<8 | 'S'
)

func (k ControlKind) String() string {
	return string([]byte{byte(k >> 8), byte(k)})
}

var (
	ErrNotControl      = errors.New("not an AppleMIDI control message")
	ErrShortControl    = errors.New("truncated AppleMIDI control message")
	ErrBadProtoVersion = errors.New("unsupported AppleMIDI protocol version")
)

type (
	// Invitation is the body of IN, OK and NO messages.
	Invitation struct {
		Kind  ControlKind
		Token uint32
		SSRC  uint32
		Name  string
	}

	// Exit is the BY teardown message.
	Exit struct {
		Token uint32
		SSRC  uint32
	}

	// Sync is the CK clock synchronization message. Count selects which of
	// the three timestamps have been filled in (CK0, CK1, CK2).
	Sync struct {
		SSRC       uint32
		Count      uint8
		Timestamps [3]uint64
	}

	// Feedback is the RS receiver feedback message: the receiver confirms
	// having fully processed every packet through SequenceNumber.
	Feedback struct {
		SSRC           uint32
		SequenceNumber uint16
	}

	// ControlMessage is a parsed control-plane message; exactly one of the
	// pointer fields is set, according to Kind.
	ControlMessage struct {
		Kind       ControlKind
		Invitation *Invitation
		Exit       *Exit
		Sync       *Sync
		Feedback   *Feedback
	}
)

// IsControlMessage reports whether b starts with the AppleMIDI preamble.
func IsControlMessage(b []byte) bool {
	return len(b) >= 4 && b[0] == 0xFF && b[1] == 0xFF
}

// Serialize encodes an IN, OK or NO message.
func (m *Invitation) Serialize() []byte {
	out := make([]byte, 16, 17+len(m.Name))
	out[0], out[1] = 0xFF, 0xFF
	out[2], out[3] = byte(m.Kind>>8), byte(m.Kind)
	binary.BigEndian.PutUint32(out[4:], protocolVersion)
	binary.BigEndian.PutUint32(out[8:], m.Token)
	binary.BigEndian.PutUint32(out[12:], m.SSRC)
	if m.Kind != ControlReject {
		out = append(out, m.Name...)
		out = append(out, 0)
	}
	return out
}

// Serialize encodes a BY message.
func (m *Exit) Serialize() []byte {
	out := make([]byte, 16)
	out[0], out[1] = 0xFF, 0xFF
	out[2], out[3] = byte(ControlExit>>8), byte(ControlExit&0xFF)
	binary.BigEndian.PutUint32(out[4:], protocolVersion)
	binary.BigEndian.PutUint32(out[8:], m.Token)
	binary.BigEndian.PutUint32(out[12:], m.SSRC)
	return out
}

// Serialize encodes a CK message.
func (m *Sync) Serialize() []byte {
	out := make([]byte, 36)
	out[0], out[1] = 0xFF, 0xFF
	out[2], out[3] = byte(ControlSync>>8), byte(ControlSync&0xFF)
	binary.BigEndian.PutUint32(out[4:], m.SSRC)
	out[8] = m.Count
	for i, ts := range m.Timestamps {
		binary.BigEndian.PutUint64(out[12+8*i:], ts)
	}
	return out
}

// Serialize encodes an RS message.
func (m *Feedback) Serialize() []byte {
	out := make([]byte, 12)
	out[0], out[1] = 0xFF, 0xFF
	out[2], out[3] = byte(ControlFeedback>>8), byte(ControlFeedback&0xFF)
	binary.BigEndian.PutUint32(out[4:], m.SSRC)
	binary.BigEndian.PutUint16(out[8:], m.SequenceNumber)
	return out
}

// ParseControl parses any AppleMIDI control message.
func ParseControl(b []byte) (*ControlMessage, error) {
	if !IsControlMessage(b) {
		return nil, ErrNotControl
	}
	kind := ControlKind(b[2])<<8 | ControlKind(b[3])
	switch kind {
	case ControlInvitation, ControlAccept, ControlReject:
		if len(b) < 16 {
			return nil, fmt.Errorf("%w: %v", ErrShortControl, kind)
		}
		if v := binary.BigEndian.Uint32(b[4:]); v != protocolVersion {
			return nil, fmt.Errorf("%w: %d", ErrBadProtoVersion, v)
		}
		inv := &Invitation{
			Kind:  kind,
			Token: binary.BigEndian.Uint32(b[8:]),
			SSRC:  binary.BigEndian.Uint32(b[12:]),
		}
		if kind != ControlReject && len(b) > 16 {
			name := b[16:]
			if name[len(name)-1] == 0 {
				name = name[:len(name)-1]
			}
			inv.Name = string(name)
		}
		return &ControlMessage{Kind: kind, Invitation: inv}, nil
	case ControlExit:
		if len(b) < 16 {
			return nil, fmt.Errorf("%w: BY", ErrShortControl)
		}
		return &ControlMessage{Kind: kind, Exit: &Exit{
			Token: binary.BigEndian.Uint32(b[8:]),
			SSRC:  binary.BigEndian.Uint32(b[12:]),
		}}, nil
	case ControlSync:
		if len(b) < 36 {
			return nil, fmt.Errorf("%w: CK", ErrShortControl)
		}
		sync := &Sync{
			SSRC:  binary.BigEndian.Uint32(b[4:]),
			Count: b[8],
		}
		for i := range sync.Timestamps {
			sync.Timestamps[i] = binary.BigEndian.Uint64(b[12+8*i:])
		}
		return &ControlMessage{Kind: kind, Sync: sync}, nil
	case ControlFeedback:
		if len(b) < 10 {
			return nil, fmt.Errorf("%w: RS", ErrShortControl)
		}
		return &ControlMessage{Kind: kind, Feedback: &Feedback{
			SSRC:           binary.BigEndian.Uint32(b[4:]),
			SequenceNumber: binary.BigEndian.Uint16(b[8:]),
		}}, nil
	}
	return nil, fmt.Errorf("unknown AppleMIDI command %q", string(b[2:4]))
}
