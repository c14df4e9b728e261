package visualizer

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	log "github.com/schollz/logger"
	"github.com/sorvik/midilux/osc"
)

// Visualizer runs the two cooperating tasks of the embedded design: the
// network task owns the UDP socket and enqueues typed commands, the
// render task drains the queue at the animation cadence, advances the
// state machine and writes frames to the strip. The queue is their only
// shared state; rendering never touches the socket and networking never
// touches the LED buffer, so the render floor holds under UDP jitter.
type Visualizer struct {
	queue   Queue
	machine *Machine
	strip   Strip
	leds    int
	fps     int
	epoch   time.Time

	// BadPackets counts datagrams that failed OSC parsing.
	BadPackets uint64
}

// New creates a visualizer for a strip of leds LEDs.
func New(strip Strip, leds, fadeMS, fps int) *Visualizer {
	if leds <= 0 {
		leds = NumLEDs
	}
	if fps <= 0 {
		fps = AnimationFPS
	}
	return &Visualizer{
		machine: NewMachine(fadeMS),
		strip:   strip,
		leds:    leds,
		fps:     fps,
	}
}

// Drops reports how many commands the queue overflow policy discarded.
func (v *Visualizer) Drops() uint64 { return v.queue.Drops() }

// ListenAndRun binds the OSC port and runs both tasks until ctx is
// cancelled.
func (v *Visualizer) ListenAndRun(ctx context.Context, port int) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return fmt.Errorf("could not bind OSC port %d: %w", port, err)
	}
	defer conn.Close()
	log.Infof("visualizer: listening on :%d, %d LEDs at %d fps", port, v.leds, v.fps)
	v.epoch = time.Now()
	done := make(chan struct{})
	go func() {
		defer close(done)
		v.networkTask(ctx, conn)
	}()
	v.renderTask(ctx)
	<-done
	return nil
}

// networkTask receives datagrams, parses OSC and enqueues commands. The
// read deadline is the poll budget, so cancellation is observed quickly.
func (v *Visualizer) networkTask(ctx context.Context, conn *net.UDPConn) {
	buf := make([]byte, 1536)
	for ctx.Err() == nil {
		conn.SetReadDeadline(time.Now().Add(pollBudget))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		msg, err := osc.Decode(buf[:n])
		if err != nil {
			v.BadPackets++
			log.Warnf("visualizer: bad OSC packet: %v", err)
			continue
		}
		if cmd, ok := Dispatch(msg); ok {
			v.queue.Push(cmd)
		}
	}
}

// renderTask runs the fixed-cadence render loop: drain the queue up to
// its depth, advance the state machine, compose, write.
func (v *Visualizer) renderTask(ctx context.Context) {
	ticker := time.NewTicker(time.Second / time.Duration(v.fps))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Since(v.epoch).Milliseconds()
			for i := 0; i < QueueDepth; i++ {
				cmd, ok := v.queue.Pop()
				if !ok {
					break
				}
				v.machine.Apply(cmd, now)
			}
			v.machine.Advance(now)
			if err := v.strip.WriteFrame(Compose(v.machine, now, v.leds)); err != nil {
				log.Warnf("visualizer: frame write failed: %v", err)
			}
		}
	}
}

// Dispatch maps an OSC message to a visualizer command. A /ch/<n> prefix
// is accepted and ignored; the machine is channel-agnostic.
func Dispatch(msg osc.Message) (Command, bool) {
	addr := msg.Addr
	if strings.HasPrefix(addr, "/ch/") {
		if i := strings.Index(addr[4:], "/"); i >= 0 {
			addr = addr[4+i:]
		}
	}
	switch addr {
	case "/noteOn":
		note, ok1 := msg.Int(0)
		vel, ok2 := msg.Int(1)
		if !ok1 || !ok2 || note < 0 || note > 127 {
			return Command{}, false
		}
		return Command{Kind: CmdNoteOn, Note: uint8(note), Velocity: uint8(vel & 0x7F)}, true
	case "/noteOff":
		note, ok := msg.Int(0)
		if !ok || note < 0 || note > 127 {
			return Command{}, false
		}
		return Command{Kind: CmdNoteOff, Note: uint8(note)}, true
	case "/cc":
		ctrl, ok1 := msg.Int(0)
		value, ok2 := msg.Int(1)
		if !ok1 || !ok2 {
			return Command{}, false
		}
		return Command{Kind: CmdControlChange, Controller: uint8(ctrl & 0x7F), Value: uint8(value & 0x7F)}, true
	case "/pitchBend":
		bend, ok := msg.Float(0)
		if !ok {
			return Command{}, false
		}
		return Command{Kind: CmdPitchBend, Bend: bend}, true
	case "/config/setEffect":
		effect, ok := msg.Int(0)
		if !ok {
			return Command{}, false
		}
		return Command{Kind: CmdSetEffect, Effect: uint8(effect & 0x7F)}, true
	}
	return Command{}, false
}
