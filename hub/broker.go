package hub

import (
	"time"

	"github.com/sorvik/midilux"
)

type (
	// Broker is the centralized channel fabric of the hub. The MIDI input
	// fan-out pushes commands to ToRTP and ToOSC; the sink goroutines
	// drain them independently, so a stalled sink never delays the other.
	// ToHub carries connection-state events for the UI layer.
	//
	// For closing goroutines, the broker has a CloseXXX channel with a
	// capacity of 1, so requesting closure never blocks; a second request
	// finds the channel full and may be dropped, as the goroutine is
	// already closing. FinishedXXX is closed (never sent to) when the
	// goroutine has cleaned up, so waiters can select on it together with
	// a deadline.
	Broker struct {
		ToRTP chan midilux.MidiCommand
		ToOSC chan midilux.MidiCommand
		ToHub chan StateEvent

		CloseRTP chan struct{}
		CloseOSC chan struct{}

		FinishedRTP chan struct{}
		FinishedOSC chan struct{}
	}

	// StateEvent reports a sink's connection-state transition.
	StateEvent struct {
		Sink  string // "rtp" or "osc"
		State ConnState
	}

	// ConnState is the coarse connection state surfaced to the UI layer.
	ConnState int
)

const (
	Discovering ConnState = iota
	Connecting
	Established
	Lost
)

func (s ConnState) String() string {
	switch s {
	case Discovering:
		return "Discovering"
	case Connecting:
		return "Connecting"
	case Established:
		return "Established"
	case Lost:
		return "Lost"
	}
	return "Unknown"
}

func NewBroker() *Broker {
	return &Broker{
		ToRTP:       make(chan midilux.MidiCommand, 1024),
		ToOSC:       make(chan midilux.MidiCommand, 1024),
		ToHub:       make(chan StateEvent, 64),
		CloseRTP:    make(chan struct{}, 1),
		CloseOSC:    make(chan struct{}, 1),
		FinishedRTP: make(chan struct{}),
		FinishedOSC: make(chan struct{}),
	}
}

// TrySend is a helper function to send a value to a channel if it is not
// full. It is guaranteed to be non-blocking. Returns true if the value was
// sent, false otherwise.
func TrySend[T any](c chan<- T, v T) bool {
	select {
	case c <- v:
	default:
		return false
	}
	return true
}

// TimeoutReceive blocks until a value is received from c or until t has
// elapsed; ok is false on timeout or when the channel is closed.
func TimeoutReceive[T any](c <-chan T, t time.Duration) (v T, ok bool) {
	select {
	case v, ok = <-c:
		return v, ok
	case <-time.After(t):
		return v, false
	}
}
