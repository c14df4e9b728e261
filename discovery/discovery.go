// Package discovery advertises and browses the multicast DNS services the
// hub depends on: _apple-midi._udp for RTP-MIDI peers and _osc._udp for
// visualizers.
package discovery

import (
	"context"
	"net"
	"time"

	"github.com/grandcat/zeroconf"
	log "github.com/schollz/logger"
)

// Service types browsed and advertised, always in the local. domain.
const (
	ServiceAppleMIDI = "_apple-midi._udp"
	ServiceOSC       = "_osc._udp"

	domain = "local."

	// ResolveTimeout is the shortest time a discovered instance may stay
	// unrefreshed before it is reported as removed; a longer advertised
	// TTL extends it.
	ResolveTimeout = 10 * time.Second
)

// EventKind classifies a discovery event.
type EventKind int

const (
	Added EventKind = iota
	Updated
	Removed
)

func (k EventKind) String() string {
	switch k {
	case Added:
		return "Added"
	case Updated:
		return "Updated"
	case Removed:
		return "Removed"
	}
	return "Unknown"
}

// Event reports an appearing, changing or disappearing service instance.
type Event struct {
	Kind     EventKind
	Instance string
	Addr     net.IP
	Port     int
	Text     []string
}

// Server is a running advertisement; Shutdown withdraws it.
type Server interface {
	Shutdown()
}

// Advertise registers a service instance with TXT records carrying the
// protocol version.
func Advertise(instance, service string, port int, text []string) (Server, error) {
	if len(text) == 0 {
		text = []string{"vers=2"}
	}
	srv, err := zeroconf.Register(instance, service, domain, port, text, nil)
	if err != nil {
		return nil, err
	}
	log.Infof("discovery: advertising %s.%s port %d", instance, service, port)
	return srv, nil
}

type (
	instanceRecord struct {
		event    Event
		lastSeen time.Time
		ttl      time.Duration
	}

	// browser is the instance table behind Browse: it turns resolved
	// entries and the passage of time into Added/Updated/Removed events.
	browser struct {
		known map[string]*instanceRecord
	}
)

func newBrowser() *browser {
	return &browser{known: make(map[string]*instanceRecord)}
}

// observe processes one resolved entry. First resolution yields Added, a
// changed address or port yields Updated, a zero-TTL goodbye yields
// Removed; a plain refresh yields nothing.
func (b *browser) observe(entry *zeroconf.ServiceEntry, now time.Time) (Event, bool) {
	ev := entryEvent(entry)
	rec, have := b.known[entry.Instance]
	switch {
	case entry.TTL == 0:
		if !have {
			return Event{}, false
		}
		delete(b.known, entry.Instance)
		ev.Kind = Removed
		return ev, true
	case !have:
		ev.Kind = Added
		b.known[entry.Instance] = &instanceRecord{event: ev, lastSeen: now, ttl: entryTTL(entry)}
		return ev, true
	default:
		changed := !rec.event.Addr.Equal(ev.Addr) || rec.event.Port != ev.Port
		rec.lastSeen = now
		rec.ttl = entryTTL(entry)
		rec.event = ev
		if !changed {
			return Event{}, false
		}
		ev.Kind = Updated
		return ev, true
	}
}

// expire returns Removed events for every instance left unrefreshed past
// its TTL.
func (b *browser) expire(now time.Time) []Event {
	var out []Event
	for name, rec := range b.known {
		if now.Sub(rec.lastSeen) > rec.ttl {
			ev := rec.event
			ev.Kind = Removed
			delete(b.known, name)
			out = append(out, ev)
		}
	}
	return out
}

// Browse watches a service type until ctx is cancelled. Instances produce
// Added on first resolution, Updated when address or port change, and
// Removed on a zero-TTL goodbye or when unrefreshed past their TTL.
func Browse(ctx context.Context, service string) (<-chan Event, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}
	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := resolver.Browse(ctx, service, domain, entries); err != nil {
		return nil, err
	}
	out := make(chan Event, 16)
	go watch(ctx, entries, out)
	return out, nil
}

func watch(ctx context.Context, entries <-chan *zeroconf.ServiceEntry, out chan<- Event) {
	defer close(out)
	b := newBrowser()
	sweep := time.NewTicker(time.Second)
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-entries:
			if !ok {
				return
			}
			if entry == nil {
				continue
			}
			if ev, ok := b.observe(entry, time.Now()); ok {
				switch ev.Kind {
				case Added:
					log.Infof("discovery: found %s at %v:%d", ev.Instance, ev.Addr, ev.Port)
				case Removed:
					log.Infof("discovery: %s said goodbye", ev.Instance)
				}
				out <- ev
			}
		case now := <-sweep.C:
			for _, ev := range b.expire(now) {
				log.Infof("discovery: %s disappeared", ev.Instance)
				out <- ev
			}
		}
	}
}

func entryEvent(entry *zeroconf.ServiceEntry) Event {
	ev := Event{
		Instance: entry.Instance,
		Port:     entry.Port,
		Text:     entry.Text,
	}
	if len(entry.AddrIPv4) > 0 {
		ev.Addr = entry.AddrIPv4[0]
	} else if len(entry.AddrIPv6) > 0 {
		ev.Addr = entry.AddrIPv6[0]
	}
	return ev
}

func entryTTL(entry *zeroconf.ServiceEntry) time.Duration {
	if entry.TTL == 0 {
		return ResolveTimeout
	}
	ttl := time.Duration(entry.TTL) * time.Second
	if ttl < ResolveTimeout {
		return ResolveTimeout
	}
	return ttl
}
