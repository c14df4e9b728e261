package visualizer

import "github.com/lucasb-eyer/go-colorful"

// RGB is one LED's color.
type RGB struct {
	R, G, B uint8
}

// Frame is a full-state snapshot of the strip, composed from scratch
// every render tick.
type Frame []RGB

// Strip is the LED driver timing layer: write frame, lights change.
type Strip interface {
	WriteFrame(Frame) error
}

// NoteColor derives a note's color: hue walks the wheel two steps per
// semitone, full saturation, brightness from the state machine.
func NoteColor(note int, value uint8) RGB {
	if value == 0 {
		return RGB{}
	}
	hue := float64((note*2)%256) * 360.0 / 256.0
	c := colorful.Hsv(hue, 1, float64(value)/255.0)
	r, g, b := c.RGB255()
	return RGB{r, g, b}
}

// add blends polyphonic contributions by saturating addition.
func (c RGB) add(o RGB) RGB {
	return RGB{satAdd(c.R, o.R), satAdd(c.G, o.G), satAdd(c.B, o.B)}
}

func satAdd(a, b uint8) uint8 {
	s := uint16(a) + uint16(b)
	if s > 255 {
		return 255
	}
	return uint8(s)
}

// Compose renders the machine state into a frame of length leds. Note n
// lands on LED n mod leds; colliding notes blend by saturating addition.
func Compose(m *Machine, now int64, leds int) Frame {
	frame := make(Frame, leds)
	for note := 0; note < 128; note++ {
		v := m.Intensity(note, now)
		if v == 0 {
			continue
		}
		idx := note % leds
		frame[idx] = frame[idx].add(NoteColor(note, v))
	}
	return frame
}
