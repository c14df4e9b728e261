package rtpmidi

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// The recovery journal describes the sender's current logical MIDI state
// for everything touched since the last confirmed checkpoint. It is a
// state delta, never a history of lost packets, so its size is bounded by
// the number of distinct controls touched.

var (
	ErrJournalTruncated = errors.New("truncated recovery journal")
	ErrJournalChannels  = errors.New("journal channel count exceeds 15")
)

// Chapter TOC bits in a channel journal.
const (
	chapterP = 1 << 7
	chapterC = 1 << 6
	chapterM = 1 << 5
	chapterW = 1 << 4
	chapterN = 1 << 3
	chapterE = 1 << 2
	chapterT = 1 << 1
	chapterA = 1 << 0
)

type (
	// Journal is the wire-level recovery journal section.
	Journal struct {
		SinglePacketLoss bool
		Checkpoint       uint16
		Channels         []ChannelJournal
		System           *SystemJournal
	}

	// ChannelJournal carries the chapters of one MIDI channel. Nil pointer
	// and empty slice fields mean the chapter is absent.
	ChannelJournal struct {
		Channel      uint8
		Program      *uint8         // chapter P: last program value
		Controls     []ControlEntry // chapter C: one entry per controller touched
		Params       []ParamEntry   // chapter M: registered parameter values
		PitchWheel   *uint16        // chapter W: last 14-bit wheel value
		Notes        *NoteLog       // chapter N: note on/off bits + velocities
		Offs         []OffEntry     // chapter E: releases to preserve
		Pressure     *uint8         // chapter T: channel aftertouch
		PolyPressure []PolyEntry    // chapter A: per-note aftertouch
	}

	ControlEntry struct{ Number, Value uint8 }
	ParamEntry   struct{ Number, Value uint8 }
	PolyEntry    struct{ Note, Pressure uint8 }
	OffEntry     struct{ Note, Velocity uint8 }

	// NoteLog is chapter N: notes currently on (with most recent velocity)
	// and an off-bit field covering octets OffLow..OffLow+len(OffBits)-1,
	// bit i of octet o marking note o*8+i as currently off.
	NoteLog struct {
		Ons     []NoteEntry
		OffLow  uint8
		OffBits []byte
	}

	NoteEntry struct{ Note, Velocity uint8 }

	// SystemJournal recovers system common state: song position, song
	// select and the most recent system exclusive since checkpoint.
	SystemJournal struct {
		SongPosition *uint16
		SongSelect   *uint8
		SysEx        []byte
	}
)

// SeqLess compares sequence numbers with the modulo-2^16 half-range rule:
// a < b iff (b-a) mod 2^16 is in (0, 2^15).
func SeqLess(a, b uint16) bool {
	d := b - a
	return d != 0 && d < 0x8000
}

// Encode serializes the journal section.
func (j *Journal) Encode() ([]byte, error) {
	if len(j.Channels) > 15 {
		return nil, ErrJournalChannels
	}
	out := make([]byte, 3)
	if j.SinglePacketLoss {
		out[0] |= 0x80
	}
	if j.System != nil {
		out[0] |= 0x40
	}
	out[0] |= uint8(len(j.Channels)) & 0x0F
	binary.BigEndian.PutUint16(out[1:], j.Checkpoint)
	for i := range j.Channels {
		body := j.Channels[i].encodeChapters()
		if len(body) > 0x0FFF {
			return nil, fmt.Errorf("channel %d journal of %d bytes exceeds 12-bit length", j.Channels[i].Channel, len(body))
		}
		out = append(out, (j.Channels[i].Channel&0x0F)<<4|uint8(len(body)>>8), uint8(len(body)))
		out = append(out, body...)
	}
	if j.System != nil {
		out = append(out, j.System.encode()...)
	}
	return out, nil
}

func (c *ChannelJournal) encodeChapters() []byte {
	var toc byte
	body := []byte{0}
	if c.Program != nil {
		toc |= chapterP
		body = append(body, *c.Program&0x7F)
	}
	if len(c.Controls) > 0 {
		toc |= chapterC
		body = append(body, uint8(len(c.Controls)))
		for _, e := range c.Controls {
			body = append(body, e.Number&0x7F, e.Value&0x7F)
		}
	}
	if len(c.Params) > 0 {
		toc |= chapterM
		body = append(body, uint8(len(c.Params)))
		for _, e := range c.Params {
			body = append(body, e.Number&0x7F, e.Value&0x7F)
		}
	}
	if c.PitchWheel != nil {
		toc |= chapterW
		body = append(body, uint8(*c.PitchWheel>>7&0x7F), uint8(*c.PitchWheel&0x7F))
	}
	if c.Notes != nil {
		toc |= chapterN
		body = append(body, uint8(len(c.Notes.Ons)))
		for _, e := range c.Notes.Ons {
			body = append(body, e.Note&0x7F, e.Velocity&0x7F)
		}
		body = append(body, c.Notes.OffLow, uint8(len(c.Notes.OffBits)))
		body = append(body, c.Notes.OffBits...)
	}
	if len(c.Offs) > 0 {
		toc |= chapterE
		body = append(body, uint8(len(c.Offs)))
		for _, e := range c.Offs {
			body = append(body, e.Note&0x7F, e.Velocity&0x7F)
		}
	}
	if c.Pressure != nil {
		toc |= chapterT
		body = append(body, *c.Pressure&0x7F)
	}
	if len(c.PolyPressure) > 0 {
		toc |= chapterA
		body = append(body, uint8(len(c.PolyPressure)))
		for _, e := range c.PolyPressure {
			body = append(body, e.Note&0x7F, e.Pressure&0x7F)
		}
	}
	body[0] = toc
	return body
}

func (s *SystemJournal) encode() []byte {
	out := []byte{0}
	if s.SongPosition != nil {
		out[0] |= 0x01
		out = binary.BigEndian.AppendUint16(out, *s.SongPosition&0x3FFF)
	}
	if s.SongSelect != nil {
		out[0] |= 0x02
		out = append(out, *s.SongSelect&0x7F)
	}
	if s.SysEx != nil {
		out[0] |= 0x04
		out = binary.BigEndian.AppendUint16(out, uint16(len(s.SysEx)))
		out = append(out, s.SysEx...)
	}
	return out
}

// ParseJournal parses a journal section from the front of b, returning the
// journal and the number of bytes consumed.
func ParseJournal(b []byte) (*Journal, int, error) {
	if len(b) < 3 {
		return nil, 0, ErrJournalTruncated
	}
	j := &Journal{
		SinglePacketLoss: b[0]&0x80 != 0,
		Checkpoint:       binary.BigEndian.Uint16(b[1:]),
	}
	systemPresent := b[0]&0x40 != 0
	count := int(b[0] & 0x0F)
	n := 3
	for i := 0; i < count; i++ {
		if len(b) < n+2 {
			return nil, 0, ErrJournalTruncated
		}
		channel := b[n] >> 4
		bodyLen := int(b[n]&0x0F)<<8 | int(b[n+1])
		n += 2
		if len(b) < n+bodyLen {
			return nil, 0, ErrJournalTruncated
		}
		cj, err := parseChannelJournal(channel, b[n:n+bodyLen])
		if err != nil {
			return nil, 0, err
		}
		j.Channels = append(j.Channels, cj)
		n += bodyLen
	}
	if systemPresent {
		sys, sn, err := parseSystemJournal(b[n:])
		if err != nil {
			return nil, 0, err
		}
		j.System = sys
		n += sn
	}
	return j, n, nil
}

func parseChannelJournal(channel uint8, b []byte) (ChannelJournal, error) {
	cj := ChannelJournal{Channel: channel}
	if len(b) < 1 {
		return cj, ErrJournalTruncated
	}
	toc := b[0]
	b = b[1:]
	take := func(n int) ([]byte, error) {
		if len(b) < n {
			return nil, ErrJournalTruncated
		}
		out := b[:n]
		b = b[n:]
		return out, nil
	}
	if toc&chapterP != 0 {
		v, err := take(1)
		if err != nil {
			return cj, err
		}
		p := v[0] & 0x7F
		cj.Program = &p
	}
	if toc&chapterC != 0 {
		h, err := take(1)
		if err != nil {
			return cj, err
		}
		entries, err := take(2 * int(h[0]))
		if err != nil {
			return cj, err
		}
		for i := 0; i < len(entries); i += 2 {
			cj.Controls = append(cj.Controls, ControlEntry{entries[i] & 0x7F, entries[i+1] & 0x7F})
		}
	}
	if toc&chapterM != 0 {
		h, err := take(1)
		if err != nil {
			return cj, err
		}
		entries, err := take(2 * int(h[0]))
		if err != nil {
			return cj, err
		}
		for i := 0; i < len(entries); i += 2 {
			cj.Params = append(cj.Params, ParamEntry{entries[i] & 0x7F, entries[i+1] & 0x7F})
		}
	}
	if toc&chapterW != 0 {
		v, err := take(2)
		if err != nil {
			return cj, err
		}
		w := uint16(v[0]&0x7F)<<7 | uint16(v[1]&0x7F)
		cj.PitchWheel = &w
	}
	if toc&chapterN != 0 {
		h, err := take(1)
		if err != nil {
			return cj, err
		}
		log := &NoteLog{}
		ons, err := take(2 * int(h[0]))
		if err != nil {
			return cj, err
		}
		for i := 0; i < len(ons); i += 2 {
			log.Ons = append(log.Ons, NoteEntry{ons[i] & 0x7F, ons[i+1] & 0x7F})
		}
		oh, err := take(2)
		if err != nil {
			return cj, err
		}
		log.OffLow = oh[0]
		bits, err := take(int(oh[1]))
		if err != nil {
			return cj, err
		}
		log.OffBits = append([]byte(nil), bits...)
		cj.Notes = log
	}
	if toc&chapterE != 0 {
		h, err := take(1)
		if err != nil {
			return cj, err
		}
		entries, err := take(2 * int(h[0]))
		if err != nil {
			return cj, err
		}
		for i := 0; i < len(entries); i += 2 {
			cj.Offs = append(cj.Offs, OffEntry{entries[i] & 0x7F, entries[i+1] & 0x7F})
		}
	}
	if toc&chapterT != 0 {
		v, err := take(1)
		if err != nil {
			return cj, err
		}
		p := v[0] & 0x7F
		cj.Pressure = &p
	}
	if toc&chapterA != 0 {
		h, err := take(1)
		if err != nil {
			return cj, err
		}
		entries, err := take(2 * int(h[0]))
		if err != nil {
			return cj, err
		}
		for i := 0; i < len(entries); i += 2 {
			cj.PolyPressure = append(cj.PolyPressure, PolyEntry{entries[i] & 0x7F, entries[i+1] & 0x7F})
		}
	}
	if len(b) != 0 {
		return cj, fmt.Errorf("channel %d journal has %d trailing bytes", channel, len(b))
	}
	return cj, nil
}

func parseSystemJournal(b []byte) (*SystemJournal, int, error) {
	if len(b) < 1 {
		return nil, 0, ErrJournalTruncated
	}
	sys := &SystemJournal{}
	flags := b[0]
	n := 1
	if flags&0x01 != 0 {
		if len(b) < n+2 {
			return nil, 0, ErrJournalTruncated
		}
		pos := binary.BigEndian.Uint16(b[n:]) & 0x3FFF
		sys.SongPosition = &pos
		n += 2
	}
	if flags&0x02 != 0 {
		if len(b) < n+1 {
			return nil, 0, ErrJournalTruncated
		}
		sel := b[n] & 0x7F
		sys.SongSelect = &sel
		n++
	}
	if flags&0x04 != 0 {
		if len(b) < n+2 {
			return nil, 0, ErrJournalTruncated
		}
		l := int(binary.BigEndian.Uint16(b[n:]))
		n += 2
		if len(b) < n+l {
			return nil, 0, ErrJournalTruncated
		}
		sys.SysEx = append([]byte(nil), b[n:n+l]...)
		n += l
	}
	return sys, n, nil
}
