// Package visualizer is the host-side build of the LED visualizer
// firmware: a network task and a render task cooperating over one bounded
// command queue, driving a note state machine and a frame compositor.
package visualizer

import "time"

// Board configuration, fixed at compile time like the firmware header.
// LED pin, strip type and color order belong to the driver layer behind
// the Strip interface and are not repeated here.
const (
	NumLEDs       = 144
	OSCPort       = 8000
	AnimationFPS  = 60
	FadeMS        = 2000
	SustainHoldMS = 0 // extra hold after sustain release before fading

	// QueueDepth bounds the command queue between the two tasks.
	QueueDepth = 64

	// pollBudget bounds one network-task receive wait, so shutdown is
	// observed promptly.
	pollBudget = 10 * time.Millisecond
)
