package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/shaunagostinho/tungsten-boot/internal/device"
	"github.com/shaunagostinho/tungsten-boot/internal/flash"
	"github.com/shaunagostinho/tungsten-boot/internal/journal"
	"github.com/shaunagostinho/tungsten-boot/internal/server"
	"github.com/shaunagostinho/tungsten-boot/internal/transport"
	"github.com/shaunagostinho/tungsten-boot/internal/usb"
	"github.com/shaunagostinho/tungsten-boot/web"
)

func main() {
	configPath := flag.String("config", "/etc/tungsten-boot/config.yaml", "Path to config file")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	image := flag.String("image", "", "Override flash image path (\"mem\" keeps flash in memory)")
	serialPort := flag.String("serial", "", "Override serial port and enable the serial channel")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] tungsten-boot starting")

	// Load config
	cfg := server.LoadConfig(*configPath)

	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	switch *image {
	case "":
	case "mem":
		cfg.Flash.Image = ""
	default:
		cfg.Flash.Image = *image
	}
	if *serialPort != "" {
		cfg.Serial.PortPath = *serialPort
		cfg.Bootloader.ChannelSerial = true
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[main] invalid config: %v", err)
	}

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	// Flash array
	var store flash.Store
	if cfg.Flash.Image == "" {
		store = flash.NewMemory(cfg.Flash.Geometry)
		log.Printf("[main] flash kept in memory (%d bytes)", cfg.Flash.Geometry.Size())
	} else {
		f, err := flash.OpenFile(cfg.Flash.Image, cfg.Flash.Geometry)
		if err != nil {
			log.Fatalf("[main] %v", err)
		}
		defer f.Close()
		store = f
	}

	// UART, retried with backoff until the port shows up
	var uart device.SerialChannel
	if cfg.Bootloader.ChannelSerial {
		s, err := transport.Dial(ctx, cfg.Serial)
		if err != nil {
			log.Printf("[main] serial channel unavailable: %v", err)
			return
		}
		defer s.Close()
		uart = s
	}

	port := &usb.Port{}
	dev := device.New(cfg.Bootloader, store, port, uart)

	j := journal.New(cfg.Journal)
	defer j.Close()
	dev.OnPageWrite = j.Record

	srv := server.New(cfg, dev, port, j, web.FS)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dev.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	if err := g.Wait(); err != nil {
		log.Printf("[main] exited: %v", err)
	}
}
