// Command luxviz runs the visualizer on a host machine: it advertises
// _osc._udp, receives the hub's OSC stream and renders LED frames to a
// pluggable strip backend (terminal blocks by default).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/schollz/logger"

	"github.com/sorvik/midilux/discovery"
	"github.com/sorvik/midilux/version"
	"github.com/sorvik/midilux/visualizer"
)

// termStrip renders frames as ANSI-colored blocks on one terminal line.
type termStrip struct {
	quiet bool
}

func (s *termStrip) WriteFrame(f visualizer.Frame) error {
	if s.quiet {
		return nil
	}
	var b strings.Builder
	b.WriteString("\r")
	for _, led := range f {
		fmt.Fprintf(&b, "\x1b[48;2;%d;%d;%dm ", led.R, led.G, led.B)
	}
	b.WriteString("\x1b[0m")
	_, err := os.Stdout.WriteString(b.String())
	return err
}

func main() {
	port := flag.Int("port", visualizer.OSCPort, "UDP port to listen for OSC on.")
	leds := flag.Int("leds", visualizer.NumLEDs, "Number of LEDs on the strip.")
	fps := flag.Int("fps", visualizer.AnimationFPS, "Render cadence in frames per second.")
	fade := flag.Int("fade", visualizer.FadeMS, "Note fade duration in milliseconds.")
	name := flag.String("name", "luxviz", "mDNS instance name to advertise.")
	quiet := flag.Bool("quiet", false, "Do not draw frames; counters only.")
	noMdns := flag.Bool("no-mdns", false, "Do not advertise over multicast DNS.")
	versionFlag := flag.Bool("v", false, "Print version.")
	flag.Parse()
	if *versionFlag {
		fmt.Println(version.VersionOrHash)
		os.Exit(0)
	}
	log.SetLevel("info")

	if !*noMdns {
		srv, err := discovery.Advertise(*name, discovery.ServiceOSC, *port, nil)
		if err != nil {
			log.Warnf("luxviz: mDNS advertising failed: %v", err)
		} else {
			defer srv.Shutdown()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v := visualizer.New(&termStrip{quiet: *quiet}, *leds, *fade, *fps)
	if err := v.ListenAndRun(ctx, *port); err != nil {
		fmt.Fprintf(os.Stderr, "luxviz: %v\n", err)
		os.Exit(1)
	}
	fmt.Println()
}
