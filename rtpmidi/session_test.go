package rtpmidi

import (
	"testing"
	"time"

	"github.com/sorvik/midilux"
)

// fakeTransport queues outbound datagrams; tests pump them to the peer
// explicitly, so no delivery happens while a session lock is held.
type fakeTransport struct {
	control [][]byte
	data    [][]byte
}

func (t *fakeTransport) SendControl(b []byte) error {
	t.control = append(t.control, append([]byte(nil), b...))
	return nil
}

func (t *fakeTransport) SendData(b []byte) error {
	t.data = append(t.data, append([]byte(nil), b...))
	return nil
}

func (t *fakeTransport) popControl() []byte {
	if len(t.control) == 0 {
		return nil
	}
	b := t.control[0]
	t.control = t.control[1:]
	return b
}

func (t *fakeTransport) popData() []byte {
	if len(t.data) == 0 {
		return nil
	}
	b := t.data[0]
	t.data = t.data[1:]
	return b
}

// pump delivers every queued datagram from src to dst until both queues
// drain, alternating so replies flow in the same call.
func pump(t *testing.T, src, dst *fakeTransport, from, to *Session, now time.Time) {
	t.Helper()
	for i := 0; i < 32; i++ {
		progress := false
		if b := src.popControl(); b != nil {
			progress = true
			if err := to.HandleControl(b, now); err != nil {
				t.Fatalf("HandleControl failed: %v", err)
			}
		}
		if b := src.popData(); b != nil {
			progress = true
			if err := to.HandleData(b, now); err != nil {
				t.Fatalf("HandleData failed: %v", err)
			}
		}
		if b := dst.popControl(); b != nil {
			progress = true
			if err := from.HandleControl(b, now); err != nil {
				t.Fatalf("HandleControl failed: %v", err)
			}
		}
		if b := dst.popData(); b != nil {
			progress = true
			if err := from.HandleData(b, now); err != nil {
				t.Fatalf("HandleData failed: %v", err)
			}
		}
		if !progress {
			return
		}
	}
	t.Fatal("handshake did not converge")
}

func establishedPair(t *testing.T, epoch time.Time) (*Session, *Session, *fakeTransport, *fakeTransport) {
	t.Helper()
	initTr := &fakeTransport{}
	listTr := &fakeTransport{}
	init := NewSession(SessionConfig{Name: "hub", Role: Initiator, SampleRate: 10000, SSRC: 0x11111111, Token: 0xAAAA5555}, initTr, epoch)
	list := NewSession(SessionConfig{Name: "daw", Role: Listener, SampleRate: 10000, SSRC: 0x22222222, Token: 0xBBBB6666}, listTr, epoch)
	if err := init.Invite(epoch); err != nil {
		t.Fatalf("Invite failed: %v", err)
	}
	pump(t, initTr, listTr, init, list, epoch)
	if got := init.State(); got != StateEstablished {
		t.Fatalf("initiator in %v after handshake", got)
	}
	if got := list.State(); got != StateEstablished {
		t.Fatalf("listener in %v after handshake", got)
	}
	return init, list, initTr, listTr
}

func TestHandshakeEstablishes(t *testing.T) {
	establishedPair(t, time.Unix(1000, 0))
}

// The three-way clock exchange with the arithmetic of the session design:
// T1=1000, T2=1050, T3=1020 gives latency 10 and offset 40.
func TestClockSyncArithmetic(t *testing.T) {
	epoch := time.Unix(5000, 0)
	tr := &fakeTransport{}
	s := NewSession(SessionConfig{Name: "hub", Role: Initiator, SampleRate: 10000, SSRC: 1, Token: 2}, tr, epoch)

	// walk the session to the data-OK point by hand
	if err := s.Invite(epoch); err != nil {
		t.Fatalf("Invite failed: %v", err)
	}
	tr.control = nil
	ok := (&Invitation{Kind: ControlAccept, Token: 2, SSRC: 99, Name: "daw"}).Serialize()
	if err := s.HandleControl(ok, epoch); err != nil {
		t.Fatalf("control OK failed: %v", err)
	}
	// data OK at epoch+100ms: T1 = 0.1 s * 10 kHz = 1000
	t1Time := epoch.Add(100 * time.Millisecond)
	if err := s.HandleData(ok, t1Time); err != nil {
		t.Fatalf("data OK failed: %v", err)
	}
	ck0, err := ParseControl(tr.data[len(tr.data)-1])
	if err != nil || ck0.Kind != ControlSync || ck0.Sync.Count != 0 {
		t.Fatalf("expected CK0, got %+v (err %v)", ck0, err)
	}
	if ck0.Sync.Timestamps[0] != 1000 {
		t.Fatalf("T1 = %d, want 1000", ck0.Sync.Timestamps[0])
	}

	// CK1 echoes T1 and carries the peer clock T2=1050; it arrives at
	// T3 = epoch+102ms = 1020 local units
	ck1 := (&Sync{SSRC: 99, Count: 1, Timestamps: [3]uint64{1000, 1050, 0}}).Serialize()
	if err := s.HandleData(ck1, epoch.Add(102*time.Millisecond)); err != nil {
		t.Fatalf("CK1 failed: %v", err)
	}
	latency, offset, ok2 := s.Latency()
	if !ok2 {
		t.Fatal("no latency estimate after CK1")
	}
	if latency != 10 {
		t.Errorf("latency = %d, want 10", latency)
	}
	if offset != 40 {
		t.Errorf("offset = %d, want 40", offset)
	}
	if s.State() != StateEstablished {
		t.Errorf("state = %v after sync", s.State())
	}
	ck2, err := ParseControl(tr.data[len(tr.data)-1])
	if err != nil || ck2.Kind != ControlSync || ck2.Sync.Count != 2 {
		t.Fatalf("expected CK2, got %+v", ck2)
	}
	if ck2.Sync.Timestamps != [3]uint64{1000, 1050, 1020} {
		t.Errorf("CK2 timestamps %v", ck2.Sync.Timestamps)
	}
}

func TestSequenceNumbersMonotonic(t *testing.T) {
	epoch := time.Unix(1000, 0)
	init, _, initTr, _ := establishedPair(t, epoch)
	initTr.data = nil
	var last uint16
	for i := 0; i < 5; i++ {
		cmd := midilux.TimedCommand{Cmd: midilux.MidiCommand{Kind: midilux.NoteOn, Note: uint8(60 + i), Velocity: 1}}
		if err := init.SendCommands([]midilux.TimedCommand{cmd}, epoch.Add(time.Duration(i)*time.Millisecond)); err != nil {
			t.Fatalf("SendCommands failed: %v", err)
		}
		pkt, err := ParsePacket(initTr.popData())
		if err != nil {
			t.Fatalf("sent packet unparseable: %v", err)
		}
		if i > 0 && pkt.Header.SequenceNumber != last+1 {
			t.Errorf("sequence %d follows %d", pkt.Header.SequenceNumber, last)
		}
		last = pkt.Header.SequenceNumber
	}
}

// Scenario: the second and third of four packets are lost; the journal in
// the fourth releases the note that went off in the third.
func TestGapRecoveryThroughSession(t *testing.T) {
	epoch := time.Unix(1000, 0)
	init, list, initTr, _ := establishedPair(t, epoch)
	initTr.data = nil

	send := func(cmd midilux.MidiCommand, at time.Duration) []byte {
		t.Helper()
		if err := init.SendCommands([]midilux.TimedCommand{{Cmd: cmd}}, epoch.Add(at)); err != nil {
			t.Fatalf("SendCommands failed: %v", err)
		}
		return initTr.popData()
	}

	p1 := send(midilux.MidiCommand{Kind: midilux.NoteOn, Note: 60, Velocity: 100}, time.Millisecond)
	p2 := send(midilux.MidiCommand{Kind: midilux.ControlChange, Controller: 1, Value: 10}, 2*time.Millisecond)
	p3 := send(midilux.MidiCommand{Kind: midilux.NoteOff, Note: 60}, 3*time.Millisecond)
	p4 := send(midilux.MidiCommand{Kind: midilux.ControlChange, Controller: 1, Value: 20}, 4*time.Millisecond)

	if err := list.HandleData(p1, epoch.Add(time.Millisecond)); err != nil {
		t.Fatalf("packet 1: %v", err)
	}
	drain(list)
	_, _ = p2, p3 // lost in transit
	if err := list.HandleData(p4, epoch.Add(5*time.Millisecond)); err != nil {
		t.Fatalf("packet 4: %v", err)
	}
	cmds := drain(list)
	var off, ccFinal bool
	for _, cmd := range cmds {
		if cmd.Kind == midilux.NoteOff && cmd.Note == 60 {
			off = true
		}
		if cmd.Kind == midilux.ControlChange && cmd.Controller == 1 && cmd.Value == 20 {
			ccFinal = true
		}
	}
	if !off {
		t.Error("lost NoteOff not recovered from journal")
	}
	if !ccFinal {
		t.Error("controller value from the delivered packet missing")
	}
}

// drain collects commands from the session event channel without blocking.
func drain(s *Session) []midilux.MidiCommand {
	var out []midilux.MidiCommand
	for {
		select {
		case ev := <-s.Events():
			out = append(out, ev.Commands...)
		default:
			return out
		}
	}
}

func TestDuplicateDropped(t *testing.T) {
	epoch := time.Unix(1000, 0)
	init, list, initTr, _ := establishedPair(t, epoch)
	initTr.data = nil
	if err := init.SendCommands([]midilux.TimedCommand{{Cmd: midilux.MidiCommand{Kind: midilux.NoteOn, Note: 60, Velocity: 9}}}, epoch); err != nil {
		t.Fatalf("SendCommands failed: %v", err)
	}
	p := initTr.popData()
	if err := list.HandleData(p, epoch); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	first := drain(list)
	if len(first) != 1 {
		t.Fatalf("first delivery produced %d commands", len(first))
	}
	if err := list.HandleData(p, epoch); err != nil {
		t.Fatalf("duplicate delivery: %v", err)
	}
	if dup := drain(list); len(dup) != 0 {
		t.Errorf("duplicate packet produced %d commands", len(dup))
	}
}

// Sequence wrap: 0x0000 is the successor of 0xFFFF, not a reorder.
func TestSequenceWrap(t *testing.T) {
	epoch := time.Unix(1000, 0)
	tr := &fakeTransport{}
	s := NewSession(SessionConfig{Name: "daw", Role: Listener, SampleRate: 10000, SSRC: 7, Token: 8}, tr, epoch)
	s.state = StateEstablished
	s.remoteSSRC, s.haveRemote = 42, true

	mk := func(seq uint16, note uint8) []byte {
		pkt := &Packet{
			Header: Header{Marker: true, SequenceNumber: seq, Timestamp: 10, SSRC: 42},
			Payload: Payload{Commands: []midilux.TimedCommand{
				{Cmd: midilux.MidiCommand{Kind: midilux.NoteOn, Note: note, Velocity: 1}},
			}},
		}
		b, err := pkt.Serialize()
		if err != nil {
			t.Fatalf("Serialize failed: %v", err)
		}
		return b
	}
	if err := s.HandleData(mk(0xFFFF, 1), epoch); err != nil {
		t.Fatalf("packet 0xFFFF: %v", err)
	}
	if err := s.HandleData(mk(0x0000, 2), epoch); err != nil {
		t.Fatalf("packet 0x0000: %v", err)
	}
	cmds := drain(s)
	if len(cmds) != 2 {
		t.Fatalf("wrap-around dropped commands: got %d", len(cmds))
	}
}

func TestTeardownOnBY(t *testing.T) {
	epoch := time.Unix(1000, 0)
	init, list, _, listTr := establishedPair(t, epoch)
	list.Close()
	if b := listTr.popControl(); b != nil {
		if err := init.HandleControl(b, epoch); err != nil {
			t.Fatalf("BY handling failed: %v", err)
		}
	}
	if init.State() != StateClosed {
		t.Errorf("initiator in %v after BY", init.State())
	}
}

func TestSilenceTeardown(t *testing.T) {
	epoch := time.Unix(1000, 0)
	init, _, _, _ := establishedPair(t, epoch)
	init.Tick(epoch.Add(31 * time.Second))
	if init.State() != StateClosed {
		t.Errorf("session in %v after 31s of silence", init.State())
	}
}

func TestInvitationTimeout(t *testing.T) {
	epoch := time.Unix(1000, 0)
	tr := &fakeTransport{}
	s := NewSession(SessionConfig{Name: "hub", Role: Initiator, SampleRate: 10000, SSRC: 1, Token: 2}, tr, epoch)
	if err := s.Invite(epoch); err != nil {
		t.Fatalf("Invite failed: %v", err)
	}
	for i := 1; i <= 3; i++ {
		s.Tick(epoch.Add(time.Duration(i) * 6 * time.Second))
	}
	if s.State() != StateClosed {
		t.Errorf("session in %v after exhausted invitations", s.State())
	}
	if len(tr.control) != 3 { // initial IN plus two retries
		t.Errorf("%d control messages sent, want 3", len(tr.control))
	}
}

func TestKeepAliveEmitted(t *testing.T) {
	epoch := time.Unix(1000, 0)
	init, _, initTr, _ := establishedPair(t, epoch)
	initTr.data = nil
	init.Tick(epoch.Add(11 * time.Second))
	var sawKeepAlive bool
	for _, b := range initTr.data {
		if IsControlMessage(b) {
			continue
		}
		pkt, err := ParsePacket(b)
		if err != nil {
			t.Fatalf("keep-alive unparseable: %v", err)
		}
		if len(pkt.Payload.Commands) == 0 {
			sawKeepAlive = true
		}
	}
	if !sawKeepAlive {
		t.Error("no zero-command keep-alive after idle period")
	}
}
