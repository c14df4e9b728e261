package visualizer

import "testing"

// Scenario: clean note round trip. The LED lights with the note's hue at
// velocity intensity, then fades linearly to black over the fade window.
func TestNoteLifecycle(t *testing.T) {
	m := NewMachine(2000)
	m.Apply(Command{Kind: CmdNoteOn, Note: 60, Velocity: 100}, 0)
	if got := m.Intensity(60, 0); got != scale(100, 50, 255) {
		t.Errorf("intensity at onset %d, want %d", got, scale(100, 50, 255))
	}
	m.Apply(Command{Kind: CmdNoteOff, Note: 60}, 250)
	full := m.Intensity(60, 250)
	mid := m.Intensity(60, 250+1000)
	if mid >= full || mid == 0 {
		t.Errorf("half-fade intensity %d, onset %d", mid, full)
	}
	if got := m.Intensity(60, 250+500); got == 0 {
		t.Error("note dark early in the fade window")
	}
	m.Advance(250 + 2000)
	if m.Notes[60].Active {
		t.Error("note still active after fade window")
	}
	if got := m.Intensity(60, 250+2000); got != 0 {
		t.Errorf("intensity after fade %d", got)
	}
}

func TestVelocityScaling(t *testing.T) {
	if got := scale(0, 50, 255); got != 50 {
		t.Errorf("scale(0) = %d, want 50", got)
	}
	if got := scale(127, 50, 255); got != 255 {
		t.Errorf("scale(127) = %d, want 255", got)
	}
	// velocity 100 lands near 205 (the scenario's ~205 value)
	if got := scale(100, 50, 255); got < 200 || got > 215 {
		t.Errorf("scale(100) = %d", got)
	}
}

// Scenario: sustain pedal hold. The note stays lit through NoteOff while
// the pedal is down; the fade starts when the pedal is released.
func TestSustainHold(t *testing.T) {
	m := NewMachine(2000)
	m.Apply(Command{Kind: CmdControlChange, Controller: 64, Value: 127}, 0)
	m.Apply(Command{Kind: CmdNoteOn, Note: 60, Velocity: 100}, 10)
	m.Apply(Command{Kind: CmdNoteOff, Note: 60}, 20)

	m.Advance(1000)
	if got := m.Intensity(60, 1000); got != scale(100, 50, 255) {
		t.Errorf("held note dimmed to %d during sustain", got)
	}
	m.Apply(Command{Kind: CmdControlChange, Controller: 64, Value: 0}, 1000)
	if !m.Notes[60].Fading {
		t.Fatal("fade did not start on sustain release")
	}
	if m.Notes[60].FadeStart != 1000+SustainHoldMS {
		t.Errorf("fade starts at %d, want %d", m.Notes[60].FadeStart, 1000+SustainHoldMS)
	}
	m.Advance(1000 + 2000)
	if m.Notes[60].Active {
		t.Error("note survived the post-release fade")
	}
}

func TestSustainThreshold(t *testing.T) {
	m := NewMachine(2000)
	m.Apply(Command{Kind: CmdControlChange, Controller: 64, Value: 63}, 0)
	if m.Sustain {
		t.Error("value 63 engaged sustain")
	}
	m.Apply(Command{Kind: CmdControlChange, Controller: 64, Value: 64}, 0)
	if !m.Sustain {
		t.Error("value 64 did not engage sustain")
	}
}

// A note retriggered while fading restarts at full intensity.
func TestRetriggerCancelsFade(t *testing.T) {
	m := NewMachine(2000)
	m.Apply(Command{Kind: CmdNoteOn, Note: 60, Velocity: 100}, 0)
	m.Apply(Command{Kind: CmdNoteOff, Note: 60}, 10)
	m.Apply(Command{Kind: CmdNoteOn, Note: 60, Velocity: 80}, 1500)
	if m.Notes[60].Fading {
		t.Error("retriggered note still fading")
	}
	m.Advance(5000)
	if !m.Notes[60].Active {
		t.Error("retriggered note retired by the old fade")
	}
}

// Scenario: polyphonic blend. Notes 60 and 72 collide on LED 0 of a
// 12-LED strip; the result is the saturating sum of both colors.
func TestPolyphonicBlend(t *testing.T) {
	m := NewMachine(2000)
	m.Apply(Command{Kind: CmdNoteOn, Note: 60, Velocity: 100}, 0)
	m.Apply(Command{Kind: CmdNoteOn, Note: 72, Velocity: 100}, 0)
	frame := Compose(m, 0, 12)

	v := m.Intensity(60, 0)
	want := NoteColor(60, v).add(NoteColor(72, m.Intensity(72, 0)))
	if frame[0] != want {
		t.Errorf("blended LED %+v, want %+v", frame[0], want)
	}
	for i := 1; i < 12; i++ {
		if frame[i] != (RGB{}) {
			t.Errorf("LED %d lit with no note: %+v", i, frame[i])
		}
	}
}

func TestSaturatingAdd(t *testing.T) {
	c := RGB{200, 200, 200}.add(RGB{100, 10, 56})
	if c != (RGB{255, 210, 255}) {
		t.Errorf("saturating add gave %+v", c)
	}
}

// Invariant: an LED is lit iff some note mapping to it is active or
// within its fade window.
func TestFrameLitIffContributing(t *testing.T) {
	m := NewMachine(100)
	m.Apply(Command{Kind: CmdNoteOn, Note: 61, Velocity: 127}, 0)
	m.Apply(Command{Kind: CmdNoteOff, Note: 61}, 0)
	frame := Compose(m, 50, NumLEDs)
	if frame[61] == (RGB{}) {
		t.Error("fading note dark before window elapsed")
	}
	m.Advance(200)
	frame = Compose(m, 200, NumLEDs)
	for i, led := range frame {
		if led != (RGB{}) {
			t.Errorf("LED %d lit after all notes retired: %+v", i, led)
		}
	}
}

func TestNoteColorDeterministic(t *testing.T) {
	a := NoteColor(60, 205)
	b := NoteColor(60, 205)
	if a != b {
		t.Error("note color is not reproducible")
	}
	if NoteColor(60, 205) == NoteColor(61, 205) {
		t.Error("adjacent notes share a color")
	}
	if NoteColor(60, 0) != (RGB{}) {
		t.Error("zero intensity is not black")
	}
}

func TestEffectAndBendTracked(t *testing.T) {
	m := NewMachine(2000)
	m.Apply(Command{Kind: CmdSetEffect, Effect: 7}, 0)
	m.Apply(Command{Kind: CmdPitchBend, Bend: -0.25}, 0)
	if m.Effect != 7 || m.Bend != -0.25 {
		t.Errorf("effect %d bend %f", m.Effect, m.Bend)
	}
}
