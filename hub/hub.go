// Package hub is the orchestrator of the MIDI routing hub: it owns the
// input fan-out to the RTP-MIDI session and the OSC sender, the session
// registry, discovery-driven reconnection and graceful shutdown.
package hub

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/schollz/logger"
	"github.com/sorvik/midilux"
	"github.com/sorvik/midilux/discovery"
	"github.com/sorvik/midilux/osc"
	"github.com/sorvik/midilux/rtpmidi"
)

const (
	drainDeadline = 500 * time.Millisecond
	tickInterval  = 250 * time.Millisecond
)

type (
	// Hub wires one MIDI input stream to two independent sinks. The
	// session registry is the only shared state; its lock guards the
	// session and sender pointers and is held only briefly, to swap them
	// or to read the current one.
	Hub struct {
		cfg        midilux.Config
		broker     *Broker
		input      *Input
		translator osc.Translator

		controlConn *net.UDPConn
		dataConn    *net.UDPConn

		// browse is discovery.Browse, replaceable in tests.
		browse func(ctx context.Context, service string) (<-chan discovery.Event, error)

		mu      sync.Mutex
		session *rtpmidi.Session
		sender  *osc.Sender

		// Received carries commands the DAW sends back to us; the UI
		// layer may drain it, nothing else depends on it.
		Received chan []midilux.MidiCommand
	}

	// udpTransport binds a session to the hub's two sockets and the
	// peer's control/data endpoints.
	udpTransport struct {
		control, data         *net.UDPConn
		peerControl, peerData *net.UDPAddr
	}
)

func (t *udpTransport) SendControl(b []byte) error {
	_, err := t.control.WriteToUDP(b, t.peerControl)
	return err
}

func (t *udpTransport) SendData(b []byte) error {
	_, err := t.data.WriteToUDP(b, t.peerData)
	return err
}

// New binds the control and data ports and prepares the hub. A bind
// failure is fatal misconfiguration.
func New(cfg midilux.Config, input *Input) (*Hub, error) {
	control, err := net.ListenUDP("udp", &net.UDPAddr{Port: cfg.RtpMidi.ControlPort})
	if err != nil {
		return nil, fmt.Errorf("could not bind control port %d: %w", cfg.RtpMidi.ControlPort, err)
	}
	data, err := net.ListenUDP("udp", &net.UDPAddr{Port: cfg.RtpMidi.ControlPort + 1})
	if err != nil {
		control.Close()
		return nil, fmt.Errorf("could not bind data port %d: %w", cfg.RtpMidi.ControlPort+1, err)
	}
	return &Hub{
		cfg:         cfg,
		broker:      NewBroker(),
		input:       input,
		translator:  osc.Translator{ChannelPrefix: cfg.Osc.EmitChannelPrefix},
		browse:      discovery.Browse,
		controlConn: control,
		dataConn:    data,
		Received:    make(chan []midilux.MidiCommand, 64),
	}, nil
}

// newReconnectBackoff builds the reconnection curve: exponential from
// initial, capped at 30 s, never giving up.
func newReconnectBackoff(initial time.Duration) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	return bo
}

// Events surfaces sink connection-state transitions for the UI layer.
func (h *Hub) Events() <-chan StateEvent { return h.broker.ToHub }

// Run operates the hub until ctx is cancelled, then drains in-flight
// sends within the shutdown deadline and closes the sockets.
func (h *Hub) Run(ctx context.Context) error {
	var adv discovery.Server
	if h.cfg.DiscoveryEnabled() {
		var err error
		adv, err = discovery.Advertise(h.cfg.RtpMidi.SessionName, discovery.ServiceAppleMIDI,
			h.cfg.RtpMidi.ControlPort, nil)
		if err != nil {
			log.Warnf("hub: advertising failed, staying browsable-only: %v", err)
		}
	}

	var wg sync.WaitGroup
	start := func(f func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f()
		}()
	}
	start(func() { h.fanout(ctx) })
	start(func() { h.rtpSink(ctx) })
	start(func() { h.oscSink(ctx) })
	start(func() { h.readLoop(ctx, h.controlConn, true) })
	start(func() { h.readLoop(ctx, h.dataConn, false) })
	start(func() { h.tickLoop(ctx) })
	start(func() { h.managePeer(ctx) })
	start(func() { h.manageVisualizer(ctx) })

	<-ctx.Done()
	// unblock the socket readers, then give the sinks the drain window
	h.controlConn.SetReadDeadline(time.Now())
	h.dataConn.SetReadDeadline(time.Now())
	TrySend(h.broker.CloseRTP, struct{}{})
	TrySend(h.broker.CloseOSC, struct{}{})
	select {
	case <-h.broker.FinishedRTP:
	case <-time.After(drainDeadline):
	}
	select {
	case <-h.broker.FinishedOSC:
	case <-time.After(drainDeadline):
	}
	h.mu.Lock()
	if h.session != nil {
		h.session.Close()
		h.session = nil
	}
	if h.sender != nil {
		h.sender.Close()
		h.sender = nil
	}
	h.mu.Unlock()
	if adv != nil {
		adv.Shutdown()
	}
	h.controlConn.Close()
	h.dataConn.Close()
	wg.Wait()
	return nil
}

// fanout delivers each input command to both sinks in order, without
// blocking; a full sink channel drops the command for that sink only.
func (h *Hub) fanout(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-h.input.Events():
			if !ok {
				return
			}
			if !TrySend(h.broker.ToRTP, cmd) {
				log.Tracef("hub: rtp sink full, dropping %v", cmd.Kind)
			}
			if !TrySend(h.broker.ToOSC, cmd) {
				log.Tracef("hub: osc sink full, dropping %v", cmd.Kind)
			}
		}
	}
}

func (h *Hub) rtpSink(ctx context.Context) {
	defer close(h.broker.FinishedRTP)
	for {
		select {
		case <-h.broker.CloseRTP:
			return
		case cmd := <-h.broker.ToRTP:
			h.mu.Lock()
			session := h.session
			h.mu.Unlock()
			if session == nil {
				continue // no DAW peer; events destined for it are dropped
			}
			err := session.SendCommands([]midilux.TimedCommand{{Cmd: cmd}}, time.Now())
			if err != nil && err != rtpmidi.ErrNotEstablished {
				log.Warnf("hub: rtp send failed: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) oscSink(ctx context.Context) {
	defer close(h.broker.FinishedOSC)
	for {
		select {
		case <-h.broker.CloseOSC:
			return
		case cmd := <-h.broker.ToOSC:
			h.mu.Lock()
			sender := h.sender
			h.mu.Unlock()
			if sender == nil {
				continue
			}
			out, ok := h.translator.Translate(cmd)
			if !ok {
				continue
			}
			if out.Coalesce {
				sender.SendCoalesced(out.Key, out.Msg)
			} else {
				sender.Send(out.Msg)
			}
		case <-ctx.Done():
			return
		}
	}
}

// readLoop feeds datagrams from one socket to the current session,
// creating a listener session when a DAW invites us first.
func (h *Hub) readLoop(ctx context.Context, conn *net.UDPConn, controlPort bool) {
	buf := make([]byte, 2048)
	for ctx.Err() == nil {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		b := buf[:n]
		h.mu.Lock()
		session := h.session
		if session == nil && controlPort && rtpmidi.IsControlMessage(b) {
			session = h.adoptListenerSession(addr)
		}
		h.mu.Unlock()
		if session == nil {
			continue
		}
		if controlPort {
			err = session.HandleControl(b, time.Now())
		} else {
			err = session.HandleData(b, time.Now())
		}
		switch {
		case err == nil:
		case errors.Is(err, rtpmidi.ErrSSRCMismatch),
			errors.Is(err, rtpmidi.ErrTokenMismatch),
			errors.Is(err, rtpmidi.ErrWrongState):
			// protocol error: tear down and let reconnection take over
			log.Warnf("hub: protocol error from %v: %v", addr, err)
			h.dropSession()
		default:
			// parse error: the packet is dropped, the session continues
			log.Warnf("hub: packet from %v dropped: %v", addr, err)
		}
	}
}

// adoptListenerSession accepts an unsolicited invitation. Called with the
// registry lock held.
func (h *Hub) adoptListenerSession(addr *net.UDPAddr) *rtpmidi.Session {
	session := rtpmidi.NewSession(rtpmidi.SessionConfig{
		Name:       h.cfg.RtpMidi.SessionName,
		Role:       rtpmidi.Listener,
		SampleRate: h.cfg.RtpMidi.SampleRate,
	}, &udpTransport{
		control:     h.controlConn,
		data:        h.dataConn,
		peerControl: addr,
		peerData:    &net.UDPAddr{IP: addr.IP, Port: addr.Port + 1},
	}, time.Now())
	h.session = session
	log.Infof("hub: accepting session from %v", addr)
	TrySend(h.broker.ToHub, StateEvent{Sink: "rtp", State: Connecting})
	return session
}

// tickLoop drives session timers and forwards session events.
func (h *Hub) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		h.mu.Lock()
		session := h.session
		h.mu.Unlock()
		var events <-chan rtpmidi.SessionEvent
		if session != nil {
			events = session.Events()
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if session != nil {
				session.Tick(time.Now())
			}
		case ev := <-events:
			if len(ev.Commands) > 0 {
				TrySend(h.Received, ev.Commands)
			}
			switch ev.State {
			case rtpmidi.StateEstablished:
				TrySend(h.broker.ToHub, StateEvent{Sink: "rtp", State: Established})
			case rtpmidi.StateClosed:
				TrySend(h.broker.ToHub, StateEvent{Sink: "rtp", State: Lost})
				h.mu.Lock()
				if h.session == session {
					h.session = nil
				}
				h.mu.Unlock()
			}
		}
	}
}

// managePeer connects to the DAW: via a fixed endpoint when configured,
// otherwise by browsing _apple-midi._udp. Reconnection uses exponential
// backoff capped at 30 s; the MIDI input stream is never paused while the
// peer is away.
func (h *Hub) managePeer(ctx context.Context) {
	bo := newReconnectBackoff(5 * time.Second)

	if addr := h.cfg.RtpMidi.PeerAddress; addr != "" || !h.cfg.DiscoveryEnabled() {
		for ctx.Err() == nil {
			if h.currentSession() == nil && addr != "" {
				if err := h.connectPeer(addr); err != nil {
					log.Warnf("hub: connecting to %s failed: %v", addr, err)
					sleepCtx(ctx, bo.NextBackOff())
					continue
				}
				bo.Reset()
			}
			sleepCtx(ctx, time.Second)
		}
		return
	}

	for ctx.Err() == nil {
		TrySend(h.broker.ToHub, StateEvent{Sink: "rtp", State: Discovering})
		events, err := h.browse(ctx, discovery.ServiceAppleMIDI)
		if err != nil {
			log.Warnf("hub: browsing for DAW failed: %v", err)
			sleepCtx(ctx, bo.NextBackOff())
			continue
		}
		bo.Reset()
		var peer *discovery.Event
		for ev := range events {
			switch ev.Kind {
			case discovery.Added, discovery.Updated:
				if ev.Instance == h.cfg.RtpMidi.SessionName {
					continue // our own advertisement
				}
				if h.currentSession() != nil {
					continue // one active peer at a time
				}
				target := net.JoinHostPort(ev.Addr.String(), strconv.Itoa(ev.Port))
				if err := h.connectPeer(target); err != nil {
					log.Warnf("hub: inviting %s failed: %v", ev.Instance, err)
					sleepCtx(ctx, bo.NextBackOff())
					continue
				}
				bo.Reset()
				e := ev
				peer = &e
			case discovery.Removed:
				if peer != nil && ev.Instance == peer.Instance {
					peer = nil
					h.dropSession()
				}
			}
		}
		sleepCtx(ctx, bo.NextBackOff())
	}
}

func (h *Hub) currentSession() *rtpmidi.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session
}

func (h *Hub) dropSession() {
	h.mu.Lock()
	session := h.session
	h.session = nil
	h.mu.Unlock()
	if session != nil {
		session.Close()
		TrySend(h.broker.ToHub, StateEvent{Sink: "rtp", State: Lost})
	}
}

func (h *Hub) connectPeer(target string) error {
	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return err
	}
	session := rtpmidi.NewSession(rtpmidi.SessionConfig{
		Name:       h.cfg.RtpMidi.SessionName,
		Role:       rtpmidi.Initiator,
		SampleRate: h.cfg.RtpMidi.SampleRate,
	}, &udpTransport{
		control:     h.controlConn,
		data:        h.dataConn,
		peerControl: addr,
		peerData:    &net.UDPAddr{IP: addr.IP, Port: addr.Port + 1},
	}, time.Now())
	h.mu.Lock()
	h.session = session
	h.mu.Unlock()
	TrySend(h.broker.ToHub, StateEvent{Sink: "rtp", State: Connecting})
	return session.Invite(time.Now())
}

// manageVisualizer keeps the OSC sender pointed at the visualizer: a
// fixed endpoint when configured, otherwise the browsed _osc._udp
// service. On removal the sender is torn down and outbound messages drop
// until the advertisement returns.
func (h *Hub) manageVisualizer(ctx context.Context) {
	window := time.Duration(h.cfg.Osc.CcCoalesceMs) * time.Millisecond
	if target := h.cfg.Osc.TargetAddress; target != "" || !h.cfg.DiscoveryEnabled() {
		if target == "" {
			log.Warnf("hub: discovery disabled and no osc.target_address; visualizer sink stays dark")
			return
		}
		if err := h.setSenderTarget(target, window); err != nil {
			log.Warnf("hub: osc sender setup failed: %v", err)
		}
		return
	}
	bo := newReconnectBackoff(backoff.DefaultInitialInterval)
	for ctx.Err() == nil {
		TrySend(h.broker.ToHub, StateEvent{Sink: "osc", State: Discovering})
		events, err := h.browse(ctx, discovery.ServiceOSC)
		if err != nil {
			log.Warnf("hub: browsing for visualizer failed: %v", err)
			sleepCtx(ctx, bo.NextBackOff())
			continue
		}
		bo.Reset()
		var current string
		for ev := range events {
			switch ev.Kind {
			case discovery.Added, discovery.Updated:
				target := net.JoinHostPort(ev.Addr.String(), strconv.Itoa(ev.Port))
				if err := h.setSenderTarget(target, window); err != nil {
					log.Warnf("hub: osc sender setup failed: %v", err)
					continue
				}
				current = ev.Instance
			case discovery.Removed:
				if ev.Instance == current {
					current = ""
					h.dropSender()
				}
			}
		}
		sleepCtx(ctx, bo.NextBackOff())
	}
}

func (h *Hub) setSenderTarget(target string, window time.Duration) error {
	sender, err := osc.NewSender(target, window)
	if err != nil {
		return err
	}
	h.mu.Lock()
	old := h.sender
	h.sender = sender
	h.mu.Unlock()
	if old != nil {
		old.Close()
	}
	TrySend(h.broker.ToHub, StateEvent{Sink: "osc", State: Established})
	return nil
}

func (h *Hub) dropSender() {
	h.mu.Lock()
	old := h.sender
	h.sender = nil
	h.mu.Unlock()
	if old != nil {
		old.Close()
	}
	TrySend(h.broker.ToHub, StateEvent{Sink: "osc", State: Lost})
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
