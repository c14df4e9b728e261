package hub

import (
	"errors"
	"fmt"
	"strings"

	log "github.com/schollz/logger"
	"github.com/sorvik/midilux"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
)

// Input owns the USB MIDI input device and converts incoming messages to
// MidiCommand values on a buffered channel. If the channel is full the
// message is dropped; the hub must keep draining.
type Input struct {
	driver *rtmididrv.Driver
	in     drivers.In
	stop   func()
	events chan midilux.MidiCommand
}

// OpenInput opens the first input whose name starts with namePrefix, or
// the first available input when the prefix is empty.
func OpenInput(namePrefix string) (*Input, error) {
	drv, err := rtmididrv.New()
	if err != nil {
		return nil, fmt.Errorf("could not open MIDI driver: %w", err)
	}
	ins, err := drv.Ins()
	if err != nil {
		drv.Close()
		return nil, fmt.Errorf("could not list MIDI inputs: %w", err)
	}
	var chosen drivers.In
	for _, in := range ins {
		if namePrefix == "" || strings.HasPrefix(in.String(), namePrefix) {
			chosen = in
			break
		}
	}
	if chosen == nil {
		drv.Close()
		if namePrefix != "" {
			return nil, fmt.Errorf("no MIDI input starting with %q", namePrefix)
		}
		return nil, errors.New("no MIDI inputs available")
	}
	if err := chosen.Open(); err != nil {
		drv.Close()
		return nil, fmt.Errorf("opening MIDI input %v failed: %w", chosen, err)
	}
	input := &Input{
		driver: drv,
		in:     chosen,
		events: make(chan midilux.MidiCommand, 1024),
	}
	stop, err := midi.ListenTo(chosen, input.handleMessage, midi.UseSysEx())
	if err != nil {
		chosen.Close()
		drv.Close()
		return nil, fmt.Errorf("listening on MIDI input %v failed: %w", chosen, err)
	}
	input.stop = stop
	log.Infof("midi: reading from %v", chosen)
	return input, nil
}

// Events is the stream of decoded commands, in device order.
func (i *Input) Events() <-chan midilux.MidiCommand { return i.events }

func (i *Input) handleMessage(msg midi.Message, timestampms int32) {
	var (
		channel, key, velocity uint8
		controller, value      uint8
		program, pressure      uint8
		rel                    int16
		abs                    uint16
		data                   []byte
	)
	var cmd midilux.MidiCommand
	switch {
	case msg.GetNoteOn(&channel, &key, &velocity):
		cmd = midilux.MidiCommand{Kind: midilux.NoteOn, Channel: channel, Note: key, Velocity: velocity}
	case msg.GetNoteOff(&channel, &key, &velocity):
		cmd = midilux.MidiCommand{Kind: midilux.NoteOff, Channel: channel, Note: key, Velocity: velocity}
	case msg.GetControlChange(&channel, &controller, &value):
		cmd = midilux.MidiCommand{Kind: midilux.ControlChange, Channel: channel, Controller: controller, Value: value}
	case msg.GetPitchBend(&channel, &rel, &abs):
		cmd = midilux.MidiCommand{Kind: midilux.PitchBend, Channel: channel, Bend: rel}
	case msg.GetProgramChange(&channel, &program):
		cmd = midilux.MidiCommand{Kind: midilux.ProgramChange, Channel: channel, Program: program}
	case msg.GetAfterTouch(&channel, &pressure):
		cmd = midilux.MidiCommand{Kind: midilux.ChannelPressure, Channel: channel, Pressure: pressure}
	case msg.GetPolyAfterTouch(&channel, &key, &pressure):
		cmd = midilux.MidiCommand{Kind: midilux.PolyAftertouch, Channel: channel, Note: key, Pressure: pressure}
	case msg.GetSysEx(&data):
		if len(data) > midilux.MaxSysExLength {
			log.Warnf("midi: dropping %d byte sysex", len(data))
			return
		}
		cmd = midilux.MidiCommand{Kind: midilux.SystemExclusive, Data: append([]byte(nil), data...)}
	default:
		return
	}
	if !TrySend(i.events, cmd) {
		log.Warnf("midi: input queue full, dropping %v", cmd.Kind)
	}
}

// Close stops listening and releases the device.
func (i *Input) Close() {
	if i.stop != nil {
		i.stop()
	}
	if i.in != nil && i.in.IsOpen() {
		i.in.Close()
	}
	if i.driver != nil {
		i.driver.Close()
	}
}
