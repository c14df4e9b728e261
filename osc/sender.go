package osc

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/schollz/logger"
)

// CoalesceKey identifies one controller stream for coalescing: channel in
// the high byte, controller number in the low byte.
type CoalesceKey uint16

// Key builds the coalescing key for a (channel, controller) pair.
func Key(channel, controller uint8) CoalesceKey {
	return CoalesceKey(channel)<<8 | CoalesceKey(controller)
}

// Sender delivers OSC messages over unreliable unicast UDP. Repeated
// controller messages for the same (channel, controller) arriving within
// the coalescing window collapse into one packet carrying the latest
// value; note events always pass through immediately. Send errors drop
// the message and increment Dropped.
type Sender struct {
	conn   net.Conn
	window time.Duration

	mu      sync.Mutex
	pending map[CoalesceKey]Message
	order   []CoalesceKey
	timer   *time.Timer
	closed  bool

	// Sent and Dropped count outbound packets and failed or discarded
	// sends; exposed for tests and diagnostics.
	Sent    atomic.Uint64
	Dropped atomic.Uint64
}

// NewSender dials the visualizer endpoint. A window of zero disables
// coalescing.
func NewSender(target string, window time.Duration) (*Sender, error) {
	conn, err := net.Dial("udp", target)
	if err != nil {
		return nil, err
	}
	log.Infof("osc: sending to %s, cc coalesce window %v", target, window)
	return &Sender{
		conn:    conn,
		window:  window,
		pending: make(map[CoalesceKey]Message),
	}, nil
}

// Send transmits the message immediately.
func (s *Sender) Send(m Message) error {
	b, err := m.Encode()
	if err != nil {
		s.Dropped.Add(1)
		return err
	}
	if _, err := s.conn.Write(b); err != nil {
		s.Dropped.Add(1)
		log.Warnf("osc: send failed: %v", err)
		return err
	}
	s.Sent.Add(1)
	return nil
}

// SendCoalesced schedules a controller message. Within the window, later
// values for the same key replace earlier ones; flushing preserves the
// arrival order of the surviving values.
func (s *Sender) SendCoalesced(key CoalesceKey, m Message) {
	if s.window <= 0 {
		s.Send(m)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.Dropped.Add(1)
		return
	}
	if _, have := s.pending[key]; !have {
		s.order = append(s.order, key)
	} else {
		s.Dropped.Add(1) // the intermediate value is discarded
	}
	s.pending[key] = m
	if s.timer == nil {
		s.timer = time.AfterFunc(s.window, s.flush)
	}
}

func (s *Sender) flush() {
	s.mu.Lock()
	msgs := make([]Message, 0, len(s.order))
	for _, key := range s.order {
		msgs = append(msgs, s.pending[key])
		delete(s.pending, key)
	}
	s.order = s.order[:0]
	s.timer = nil
	s.mu.Unlock()
	for _, m := range msgs {
		s.Send(m)
	}
}

// Close flushes pending controller messages and closes the socket.
func (s *Sender) Close() error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.closed = true
	s.mu.Unlock()
	s.flush()
	return s.conn.Close()
}
