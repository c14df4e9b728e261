package rtpmidi

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	log "github.com/schollz/logger"
	"github.com/sorvik/midilux"
)

// SessionState is the lifecycle state of an AppleMIDI session.
type SessionState int

const (
	StateIdle SessionState = iota
	StateControlInvited
	StateDataInvited
	StateSyncingCK0
	StateSyncingCK1
	StateSyncingCK2
	StateEstablished
	StateTerminating
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateControlInvited:
		return "ControlInvited"
	case StateDataInvited:
		return "DataInvited"
	case StateSyncingCK0:
		return "SyncingCK0"
	case StateSyncingCK1:
		return "SyncingCK1"
	case StateSyncingCK2:
		return "SyncingCK2"
	case StateEstablished:
		return "Established"
	case StateTerminating:
		return "Terminating"
	case StateClosed:
		return "Closed"
	}
	return "Unknown"
}

// Role distinguishes the inviting peer from the invited one.
type Role int

const (
	Initiator Role = iota
	Listener
)

// Protocol timing per the session design: invitations retry every 5 s up
// to 3 attempts; a clock sync round trip times out after 3 s; 30 s of data
// silence tears the session down; resync adapts within [2 s, 60 s].
const (
	inviteTimeout   = 5 * time.Second
	inviteAttempts  = 3
	syncTimeout     = 3 * time.Second
	keepAlive       = 10 * time.Second
	silenceTimeout  = 30 * time.Second
	resyncMin       = 2 * time.Second
	resyncMax       = 60 * time.Second
	feedbackEvery   = time.Second
	sysexSplitLimit = 128
)

var (
	ErrNotEstablished = errors.New("session not established")
	ErrWrongState     = errors.New("unexpected message for session state")
	ErrSSRCMismatch   = errors.New("SSRC does not match session peer")
	ErrTokenMismatch  = errors.New("initiator token mismatch")
)

type (
	// Transport sends raw datagrams to the peer's control and data ports.
	// The session owns no sockets; the orchestrator wires a UDP transport
	// and feeds received datagrams to HandleControl/HandleData.
	Transport interface {
		SendControl(b []byte) error
		SendData(b []byte) error
	}

	// SessionEvent is delivered to the orchestrator: state transitions and
	// received (or journal-recovered) MIDI commands.
	SessionEvent struct {
		State    SessionState
		Commands []midilux.MidiCommand
	}

	// SessionConfig configures a session. Zero SSRC and Token are replaced
	// with random values.
	SessionConfig struct {
		Name       string
		Role       Role
		SampleRate int
		SSRC       uint32
		Token      uint32
	}

	// Session implements the AppleMIDI two-port session: invitation
	// handshake, CK clock sync, sequence tracking and journal recovery.
	// All methods are safe for concurrent use.
	Session struct {
		mu        sync.Mutex
		name      string
		role      Role
		rate      int
		localSSRC uint32
		token     uint32
		transport Transport

		state      SessionState
		remoteSSRC uint32
		remoteName string
		haveRemote bool

		seq        uint16
		lastRxSeq  uint16
		haveRx     bool
		lastSentTS uint32

		tracker *Tracker
		rxState *State

		epoch        time.Time
		latency      int64 // in timestamp units
		clockOffset  int64
		haveSync     bool
		syncT1       uint64
		syncPending  bool
		syncDeadline time.Time

		inviteDeadline time.Time
		inviteTries    int

		resyncInterval time.Duration
		nextResync     time.Time
		lastDataRx     time.Time
		lastDataTx     time.Time

		pendingAck   bool
		nextFeedback time.Time

		events chan SessionEvent
	}
)

// NewSession creates a session anchored at now; now also becomes the RTP
// timestamp epoch.
func NewSession(cfg SessionConfig, transport Transport, now time.Time) *Session {
	if cfg.SSRC == 0 {
		cfg.SSRC = rand.Uint32()
	}
	if cfg.Token == 0 {
		cfg.Token = rand.Uint32()
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = midilux.DefaultSampleRate
	}
	return &Session{
		name:           cfg.Name,
		role:           cfg.Role,
		rate:           cfg.SampleRate,
		localSSRC:      cfg.SSRC,
		token:          cfg.Token,
		seq:            uint16(rand.Uint32()),
		transport:      transport,
		tracker:        NewTracker(),
		rxState:        NewState(),
		epoch:          now,
		lastDataRx:     now,
		resyncInterval: resyncMin,
		events:         make(chan SessionEvent, 64),
	}
}

// Events delivers state transitions and received commands. The channel is
// never closed; sends are non-blocking and drop when the reader lags.
func (s *Session) Events() <-chan SessionEvent { return s.events }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SSRC returns the local synchronization source identifier.
func (s *Session) SSRC() uint32 { return s.localSSRC }

// Latency returns the estimated one-way latency and clock offset to the
// peer, in timestamp units; ok is false before the first sync completes.
func (s *Session) Latency() (latency, offset int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latency, s.clockOffset, s.haveSync
}

func (s *Session) timestamp(now time.Time) uint32 {
	return uint32(now.Sub(s.epoch) * time.Duration(s.rate) / time.Second)
}

func (s *Session) timestamp64(now time.Time) uint64 {
	return uint64(now.Sub(s.epoch) * time.Duration(s.rate) / time.Second)
}

func (s *Session) setState(next SessionState) {
	if s.state == next {
		return
	}
	log.Debugf("session %s: %v -> %v", s.name, s.state, next)
	s.state = next
	s.emit(SessionEvent{State: next})
}

func (s *Session) emit(ev SessionEvent) {
	select {
	case s.events <- ev:
	default:
	}
}

// Invite starts the two-port handshake towards the peer. Initiator only.
func (s *Session) Invite(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.role != Initiator {
		return errors.New("only the initiator invites")
	}
	if s.state != StateIdle {
		return fmt.Errorf("%w: invite in %v", ErrWrongState, s.state)
	}
	s.inviteTries = 1
	s.inviteDeadline = now.Add(inviteTimeout)
	s.setState(StateControlInvited)
	return s.transport.SendControl((&Invitation{
		Kind:  ControlInvitation,
		Token: s.token,
		SSRC:  s.localSSRC,
		Name:  s.name,
	}).Serialize())
}

// HandleControl processes one datagram from the control port.
func (s *Session) HandleControl(b []byte, now time.Time) error {
	msg, err := ParseControl(b)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch msg.Kind {
	case ControlInvitation:
		return s.acceptInvitation(msg.Invitation, false)
	case ControlAccept:
		if s.state != StateControlInvited {
			return fmt.Errorf("%w: OK on control port in %v", ErrWrongState, s.state)
		}
		if msg.Invitation.Token != s.token {
			return ErrTokenMismatch
		}
		s.remoteSSRC = msg.Invitation.SSRC
		s.remoteName = msg.Invitation.Name
		s.haveRemote = true
		s.inviteTries = 1
		s.inviteDeadline = now.Add(inviteTimeout)
		s.setState(StateDataInvited)
		return s.transport.SendData((&Invitation{
			Kind:  ControlInvitation,
			Token: s.token,
			SSRC:  s.localSSRC,
			Name:  s.name,
		}).Serialize())
	case ControlReject:
		log.Infof("session %s: invitation rejected by peer", s.name)
		s.teardownLocked(false)
		return nil
	case ControlExit:
		s.teardownLocked(false)
		return nil
	}
	return fmt.Errorf("%w: %v on control port", ErrWrongState, msg.Kind)
}

// HandleData processes one datagram from the data port: the second
// invitation leg, clock sync, receiver feedback, or an RTP-MIDI packet.
func (s *Session) HandleData(b []byte, now time.Time) error {
	if IsControlMessage(b) {
		msg, err := ParseControl(b)
		if err != nil {
			return err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.lastDataRx = now
		switch msg.Kind {
		case ControlInvitation:
			return s.acceptInvitation(msg.Invitation, true)
		case ControlAccept:
			if s.state != StateDataInvited {
				return fmt.Errorf("%w: OK on data port in %v", ErrWrongState, s.state)
			}
			if msg.Invitation.Token != s.token {
				return ErrTokenMismatch
			}
			return s.startClockSync(now)
		case ControlSync:
			return s.handleSync(msg.Sync, now)
		case ControlFeedback:
			if s.haveRemote && msg.Feedback.SSRC != s.remoteSSRC {
				return ErrSSRCMismatch
			}
			s.tracker.Confirm(msg.Feedback.SequenceNumber)
			return nil
		case ControlExit:
			s.teardownLocked(false)
			return nil
		}
		return fmt.Errorf("%w: %v on data port", ErrWrongState, msg.Kind)
	}
	return s.handlePacket(b, now)
}

func (s *Session) acceptInvitation(inv *Invitation, dataPort bool) error {
	if s.role != Listener {
		return fmt.Errorf("%w: invitation received by initiator", ErrWrongState)
	}
	ok := (&Invitation{
		Kind:  ControlAccept,
		Token: inv.Token,
		SSRC:  s.localSSRC,
		Name:  s.name,
	}).Serialize()
	if dataPort {
		if s.state != StateControlInvited {
			return fmt.Errorf("%w: data invitation in %v", ErrWrongState, s.state)
		}
		// handshake completes for the listener once CK0/CK1/CK2 ran
		s.setState(StateSyncingCK0)
		return s.transport.SendData(ok)
	}
	if s.state != StateIdle {
		return fmt.Errorf("%w: control invitation in %v", ErrWrongState, s.state)
	}
	s.remoteSSRC = inv.SSRC
	s.remoteName = inv.Name
	s.haveRemote = true
	s.setState(StateControlInvited)
	return s.transport.SendControl(ok)
}

func (s *Session) startClockSync(now time.Time) error {
	s.syncT1 = s.timestamp64(now)
	s.syncDeadline = now.Add(syncTimeout)
	s.setState(StateSyncingCK0)
	return s.transport.SendData((&Sync{
		SSRC:       s.localSSRC,
		Count:      0,
		Timestamps: [3]uint64{s.syncT1, 0, 0},
	}).Serialize())
}

// handleSync runs the three-way CK exchange. The initiator computes
// latency = ((T3-T1) - (T2'-T2))/2 with T2' taken equal to T2, and
// offset = T2 - (T1 + latency), using signed-modular arithmetic so a
// timestamp wrap does not corrupt the estimate.
func (s *Session) handleSync(ck *Sync, now time.Time) error {
	if s.haveRemote && ck.SSRC != s.remoteSSRC {
		return ErrSSRCMismatch
	}
	switch ck.Count {
	case 0: // peer initiated: echo T1, append our T2
		if s.state != StateEstablished && s.state != StateSyncingCK0 {
			return fmt.Errorf("%w: CK0 in %v", ErrWrongState, s.state)
		}
		s.setStateSyncing(StateSyncingCK1)
		return s.transport.SendData((&Sync{
			SSRC:       s.localSSRC,
			Count:      1,
			Timestamps: [3]uint64{ck.Timestamps[0], s.timestamp64(now), 0},
		}).Serialize())
	case 1: // our CK0 answered: compute estimate, close with CK2
		resync := s.state == StateEstablished && s.syncPending
		if s.state != StateSyncingCK0 && !resync {
			return fmt.Errorf("%w: CK1 in %v", ErrWrongState, s.state)
		}
		t1, t2 := ck.Timestamps[0], ck.Timestamps[1]
		if t1 != s.syncT1 {
			return fmt.Errorf("CK1 echoes T1 %d, sent %d", t1, s.syncT1)
		}
		t3 := s.timestamp64(now)
		s.updateEstimate(int64(t1), int64(t2), int64(t3), now)
		s.syncPending = false
		err := s.transport.SendData((&Sync{
			SSRC:       s.localSSRC,
			Count:      2,
			Timestamps: [3]uint64{t1, t2, t3},
		}).Serialize())
		if !resync {
			s.setState(StateSyncingCK2)
			s.setState(StateEstablished)
		}
		return err
	case 2: // listener side: exchange complete
		if s.state != StateSyncingCK1 && s.state != StateEstablished {
			return fmt.Errorf("%w: CK2 in %v", ErrWrongState, s.state)
		}
		s.setState(StateEstablished)
		return nil
	}
	return fmt.Errorf("CK count %d out of range", ck.Count)
}

// setStateSyncing enters a transient sync state without losing an
// established session: periodic resyncs stutter through without teardown.
func (s *Session) setStateSyncing(next SessionState) {
	if s.state == StateEstablished {
		return
	}
	s.setState(next)
}

func (s *Session) updateEstimate(t1, t2, t3 int64, now time.Time) {
	latency := (t3 - t1) / 2
	offset := t2 - (t1 + latency)
	stable := s.haveSync && abs64(latency-s.latency) <= max64(1, s.latency/10)
	s.latency, s.clockOffset, s.haveSync = latency, offset, true
	if stable {
		s.resyncInterval *= 2
		if s.resyncInterval > resyncMax {
			s.resyncInterval = resyncMax
		}
	} else {
		s.resyncInterval /= 2
		if s.resyncInterval < resyncMin {
			s.resyncInterval = resyncMin
		}
	}
	s.nextResync = now.Add(s.resyncInterval)
	s.syncDeadline = time.Time{}
	log.Debugf("session %s: latency %d offset %d, next resync in %v", s.name, latency, offset, s.resyncInterval)
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// handlePacket processes an inbound RTP-MIDI packet per the sequence rule:
// successor packets decode commands and skip the journal; a gap decodes
// commands and then applies the journal to recover the missing state;
// duplicates and reordered packets are dropped.
func (s *Session) handlePacket(b []byte, now time.Time) error {
	pkt, err := ParsePacket(b)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastDataRx = now
	if s.haveRemote && pkt.Header.SSRC != s.remoteSSRC {
		return ErrSSRCMismatch
	}
	if j := pkt.Payload.Journal; j != nil {
		// the peer echoes its highest processed sequence of our stream in
		// its journal header; treat it as checkpoint feedback like RS
		s.tracker.Confirm(j.Checkpoint)
	}
	seq := pkt.Header.SequenceNumber
	if s.haveRx && !SeqLess(s.lastRxSeq, seq) {
		log.Tracef("session %s: dropping duplicate/reordered packet %d", s.name, seq)
		return nil
	}
	gap := s.haveRx && seq != s.lastRxSeq+1

	var received []midilux.MidiCommand
	for _, tc := range pkt.Payload.Commands {
		s.rxState.Apply(tc.Cmd)
		received = append(received, tc.Cmd)
	}
	if gap && pkt.Payload.Journal != nil {
		recovered := s.rxState.ApplyJournal(pkt.Payload.Journal)
		if len(recovered) > 0 {
			log.Infof("session %s: gap of %d packets, recovered %d commands from journal",
				s.name, seq-s.lastRxSeq-1, len(recovered))
		}
		received = append(received, recovered...)
	} else if gap {
		log.Warnf("session %s: gap of %d packets with no journal present", s.name, seq-s.lastRxSeq-1)
	}
	s.lastRxSeq, s.haveRx = seq, true
	s.pendingAck = true
	if len(received) > 0 {
		s.emit(SessionEvent{State: s.state, Commands: received})
	}
	return nil
}

// SendCommands transmits MIDI commands to the peer, attaching the current
// recovery journal. An empty command list is a legal keep-alive.
func (s *Session) SendCommands(cmds []midilux.TimedCommand, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEstablished {
		return ErrNotEstablished
	}
	for i := range cmds {
		if data := cmds[i].Cmd.Data; cmds[i].Cmd.Kind == midilux.SystemExclusive && len(data) > sysexSplitLimit {
			rest := cmds[i+1:]
			if err := s.sendPacketLocked(cmds[:i], data, now); err != nil {
				return err
			}
			return s.sendContinuationLocked(data, rest, now)
		}
	}
	return s.sendPacketLocked(cmds, nil, now)
}

func (s *Session) sendPacketLocked(cmds []midilux.TimedCommand, openSysEx []byte, now time.Time) error {
	// record before building the journal: the journal reflects the
	// sender's logical state at transmit time, this packet included, so
	// a receiver may apply it after the packet's own commands
	for _, tc := range cmds {
		s.tracker.Record(tc.Cmd, s.seq)
	}
	pkt := &Packet{
		Header: Header{
			Marker:         true,
			SequenceNumber: s.seq,
			Timestamp:      s.timestamp(now),
			SSRC:           s.localSSRC,
		},
		Payload: Payload{Commands: cmds, Journal: s.outgoingJournal()},
	}
	if openSysEx != nil {
		pkt.Payload.SysExOpen = openSysEx[:sysexSplitLimit]
	}
	b, err := pkt.Serialize()
	if err != nil {
		return err
	}
	// a failed send is just another lost packet; the journal recovers it
	s.seq++
	if err := s.transport.SendData(b); err != nil {
		return err
	}
	s.lastSentTS = pkt.Header.Timestamp
	s.lastDataTx = now
	return nil
}

// outgoingJournal synthesizes the journal for the next packet. Its header
// checkpoint echoes the highest inbound sequence we processed, doubling as
// checkpoint feedback for the peer alongside RS.
func (s *Session) outgoingJournal() *Journal {
	j := s.tracker.Journal()
	if j != nil && s.haveRx {
		j.Checkpoint = s.lastRxSeq
	}
	return j
}

func (s *Session) sendContinuationLocked(data []byte, rest []midilux.TimedCommand, now time.Time) error {
	s.tracker.Record(midilux.MidiCommand{Kind: midilux.SystemExclusive, Data: data}, s.seq)
	for _, tc := range rest {
		s.tracker.Record(tc.Cmd, s.seq)
	}
	pkt := &Packet{
		Header: Header{
			Marker:         true,
			SequenceNumber: s.seq,
			Timestamp:      s.timestamp(now),
			SSRC:           s.localSSRC,
		},
		Payload: Payload{
			SysExContinuation: data[sysexSplitLimit:],
			Commands:          rest,
			Journal:           s.outgoingJournal(),
		},
	}
	b, err := pkt.Serialize()
	if err != nil {
		return err
	}
	if err := s.transport.SendData(b); err != nil {
		return err
	}
	s.lastDataTx = now
	s.seq++
	return nil
}

// Tick drives the session's timers: invitation retries, sync timeouts,
// keep-alives, silence teardown, periodic resync and receiver feedback.
// The orchestrator calls it at a coarse interval (~250 ms).
func (s *Session) Tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateControlInvited, StateDataInvited:
		if s.role == Initiator && now.After(s.inviteDeadline) {
			if s.inviteTries >= inviteAttempts {
				log.Warnf("session %s: invitation timed out after %d attempts", s.name, s.inviteTries)
				s.teardownLocked(false)
				return
			}
			s.inviteTries++
			s.inviteDeadline = now.Add(inviteTimeout)
			inv := (&Invitation{Kind: ControlInvitation, Token: s.token, SSRC: s.localSSRC, Name: s.name}).Serialize()
			if s.state == StateControlInvited {
				s.transport.SendControl(inv)
			} else {
				s.transport.SendData(inv)
			}
		}
	case StateSyncingCK0, StateSyncingCK1, StateSyncingCK2:
		if !s.syncDeadline.IsZero() && now.After(s.syncDeadline) {
			log.Warnf("session %s: clock sync timed out", s.name)
			s.teardownLocked(true)
		}
	case StateEstablished:
		if now.Sub(s.lastDataRx) > silenceTimeout {
			log.Warnf("session %s: %v of data silence, tearing down", s.name, silenceTimeout)
			s.teardownLocked(true)
			return
		}
		if s.syncPending && now.After(s.syncDeadline) {
			log.Warnf("session %s: resync timed out", s.name)
			s.teardownLocked(true)
			return
		}
		if s.role == Initiator && !s.syncPending && !s.nextResync.IsZero() && now.After(s.nextResync) {
			s.syncT1 = s.timestamp64(now)
			s.syncPending = true
			s.syncDeadline = now.Add(syncTimeout)
			s.nextResync = now.Add(s.resyncInterval)
			s.transport.SendData((&Sync{
				SSRC:       s.localSSRC,
				Count:      0,
				Timestamps: [3]uint64{s.syncT1, 0, 0},
			}).Serialize())
		}
		if now.Sub(s.lastDataTx) > keepAlive {
			s.sendPacketLocked(nil, nil, now)
		}
		if s.pendingAck && now.After(s.nextFeedback) {
			s.pendingAck = false
			s.nextFeedback = now.Add(feedbackEvery)
			s.transport.SendData((&Feedback{SSRC: s.localSSRC, SequenceNumber: s.lastRxSeq}).Serialize())
		}
	}
}

// Close sends BY and closes the session.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.setState(StateTerminating)
	s.transport.SendControl((&Exit{Token: s.token, SSRC: s.localSSRC}).Serialize())
	s.setState(StateClosed)
}

// teardownLocked closes the session locally; sendBy also notifies the peer.
func (s *Session) teardownLocked(sendBy bool) {
	if s.state == StateClosed {
		return
	}
	if sendBy {
		s.transport.SendControl((&Exit{Token: s.token, SSRC: s.localSSRC}).Serialize())
	}
	s.setState(StateClosed)
}
