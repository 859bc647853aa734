package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shaunagostinho/tungsten-boot/internal/bootloader"
	"github.com/shaunagostinho/tungsten-boot/internal/flash"
	"github.com/shaunagostinho/tungsten-boot/internal/protocol"
	"github.com/shaunagostinho/tungsten-boot/internal/uploader"
	"github.com/shaunagostinho/tungsten-boot/internal/usb"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage : %s [flags] <ihexfile> [serialport]\n", os.Args[0])
		flag.PrintDefaults()
	}
	target := flag.String("usb", "", "Virtual USB endpoint (ws://host:port/usb); empty uses the real bus")
	baud := flag.Int("baud", protocol.DefaultBaudRate, "Serial baud rate")
	recordSize := flag.Int("record-size", 0, "Re-encode the image with at most this many data bytes per record")
	force := flag.Bool("force", false, "Skip the local image checks")
	protectedPages := flag.Int("protected-pages", bootloader.DefaultProtectedPages, "Pages reserved for the bootloader")
	rebootDelay := flag.Duration("reboot-delay", 2*time.Second, "Time given to the board to restart into the bootloader")
	timeout := flag.Duration("timeout", 5*time.Second, "Give up when the device is silent this long (0 waits forever)")
	verbose := flag.Bool("v", false, "Log protocol details")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !*verbose {
		log.SetOutput(io.Discard)
	}

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}
	filename := flag.Arg(0)
	serialPortName := flag.Arg(1)

	img, err := uploader.LoadImage(filename)
	if err != nil {
		fail("Error : %v", err)
	}
	for _, n := range img.Ignored {
		fmt.Printf("Warning : ignoring line %d not starting with ':'\n", n)
	}
	if *recordSize > 0 {
		if img, err = img.Reencode(*recordSize); err != nil {
			fail("Error : %v", err)
		}
	}
	if !*force {
		g := flash.DefaultGeometry()
		lim := uploader.Limits{
			ProtectedBytes: uint32(*protectedPages * g.PageSize),
			FlashBytes:     uint32(g.Size()),
			MaxLine:        bootloader.DefaultBufferSize,
		}
		if err := img.Preflight(lim); err != nil {
			var pe *uploader.PreflightError
			if errors.As(err, &pe) {
				for _, p := range pe.Problems {
					fmt.Fprintln(os.Stderr, p)
				}
			}
			fail("Error : %v (use -force to send it anyway)", err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var link uploader.Link
	if serialPortName != "" {
		fmt.Printf("Opening %s...\n", serialPortName)
		port, err := uploader.OpenSerial(serialPortName, *baud)
		if err != nil {
			fail("Error : %v", err)
		}
		defer port.Close()
		link = uploader.NewSerialLink(port, *timeout)
	} else {
		opts := uploader.DefaultUSBOptions()
		opts.RebootDelay = *rebootDelay
		opts.BusyTimeout = *timeout
		link = uploader.NewUSBLink(func() (usb.ControlDevice, error) {
			return usb.Open(*target, protocol.USBVendorID, protocol.USBProductID)
		}, opts)
	}
	defer link.Close()

	fmt.Print("Connecting to bootloader... ")
	bar, onProgress := uploader.ProgressBar(os.Stdout, len(img.Lines))
	u := uploader.New(&announce{Link: link}, uploader.WithProgress(onProgress))
	if err := u.Upload(ctx, img); err != nil {
		bar.Exit()
		fmt.Println()
		fail("%v", err)
	}
	fmt.Println("Firmware uploaded successfully!")
}

// announce prints the connection outcome before the progress bar starts.
type announce struct {
	uploader.Link
}

func (a *announce) Connect(ctx context.Context) error {
	if err := a.Link.Connect(ctx); err != nil {
		fmt.Println("failed")
		return err
	}
	fmt.Println("connected")
	return nil
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
