package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/schollz/logger"

	"github.com/sorvik/midilux"
	"github.com/sorvik/midilux/hub"
	"github.com/sorvik/midilux/version"
)

func main() {
	configPath := flag.String("config", "midilux.yml", "Path to the configuration file.")
	versionFlag := flag.Bool("v", false, "Print version.")
	flag.Parse()
	if *versionFlag {
		fmt.Println(version.VersionOrHash)
		os.Exit(0)
	}

	cfg, err := midilux.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "midilux: %v\n", err)
		os.Exit(1)
	}
	log.SetLevel(cfg.LogLevel)

	input, err := hub.OpenInput(cfg.Midi.InputName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "midilux: %v\n", err)
		os.Exit(1)
	}
	defer input.Close()

	h, err := hub.New(cfg, input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "midilux: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		for ev := range h.Events() {
			log.Infof("midilux: %s sink %v", ev.Sink, ev.State)
		}
	}()

	if err := h.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "midilux: %v\n", err)
		os.Exit(1)
	}
}
