package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/dgnsrekt/walkie/internal/config"
	"github.com/dgnsrekt/walkie/internal/ptt"
	"github.com/dgnsrekt/walkie/internal/store"
	"github.com/dgnsrekt/walkie/internal/transport"
)

var (
	loopbackDuration time.Duration
	loopbackSource   string
	loopbackArchive  bool
)

var loopbackCmd = &cobra.Command{
	Use:   "loopback",
	Short: "Send one transmission between two in-process peers",
	Long: paragraph(fmt.Sprintf("\n%s a talker and a listener over an in-process store and send one transmission from one to the other. Useful for checking audio devices without a relay.",
		keyword("Connect"))),
	Example: paragraph("walkie loopback\nwalkie loopback --source mic --duration 5s"),
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		c := cfg
		c.Capture.Source = loopbackSource
		if loopbackArchive {
			c.Archive.Enabled = true
		}
		if err := c.Capture.Validate(); err != nil {
			return err
		}

		res, err := loopback(ctx, c, loopbackDuration)
		if err != nil {
			return err
		}
		printLoopback(res)
		return nil
	},
}

// loopbackResult summarizes what the listener saw.
type loopbackResult struct {
	Sent     time.Duration
	Events   uint64
	Rendered int64
	Archived int64
	Bytes    int64
}

// loopback sends one transmission of length d from a talker to a listener
// sharing an in-process store.
func loopback(ctx context.Context, c config.Config, d time.Duration) (loopbackResult, error) {
	var res loopbackResult

	mem := store.NewMemory()
	defer mem.Close()

	talkerSession, err := ptt.NewSessionContext("alpha", c.Room)
	if err != nil {
		return res, err
	}
	listenerSession, err := ptt.NewSessionContext("bravo", c.Room)
	if err != nil {
		return res, err
	}

	renderer, closeRenderer, err := openRenderer(c.Playback)
	if err != nil {
		return res, err
	}
	defer func() { _ = closeRenderer() }()

	arch, err := openArchive(c.Archive)
	if err != nil {
		return res, err
	}
	if arch != nil {
		defer func() { _ = arch.Close() }()
	}

	listener, err := startPeer(ctx, peerOptions{
		Session:  listenerSession,
		Channel:  transport.NewStoreChannel(mem),
		Address:  listenerSession.StoreKey(),
		Renderer: renderer,
		Archive:  arch,
	})
	if err != nil {
		return res, err
	}
	defer listener.Close()

	dev, closeDev, err := openCaptureDevice(c.Capture)
	if err != nil {
		return res, err
	}
	defer func() { _ = closeDev() }()

	talker, err := startPeer(ctx, peerOptions{
		Session: talkerSession,
		Channel: transport.NewStoreChannel(mem),
		Address: talkerSession.StoreKey(),
		Device:  dev,
		Capture: c.Capture.ToCaptureConfig(),
	})
	if err != nil {
		return res, err
	}
	defer talker.Close()

	log.Info("loopback transmitting", "room", c.Room, "source", c.Capture.Source, "duration", d)
	start := time.Now()
	if err := talker.TransmitFor(ctx, d); err != nil {
		return res, err
	}
	res.Sent = time.Since(start)

	drainCtx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()
	if err := listener.Drain(drainCtx); err != nil && !errors.Is(err, context.Canceled) {
		return res, err
	}

	res.Events = listener.demux.Stats().Dispatched
	if listener.playback != nil {
		res.Rendered = listener.playback.Stats().Rendered
	}
	if arch != nil {
		// The stop marker may still be in flight.
		for arch.Pending() > 0 && drainCtx.Err() == nil {
			time.Sleep(10 * time.Millisecond)
		}
		arch.Flush()
		st := arch.Stats()
		res.Archived = st.Saved
		res.Bytes = st.BytesWritten
	}
	return res, nil
}

func printLoopback(res loopbackResult) {
	fmt.Println(paragraph(fmt.Sprintf("\nTransmitted for %s", keyword(res.Sent.Round(time.Millisecond).String()))))
	fmt.Println(paragraph(faint(fmt.Sprintf("events dispatched: %d", res.Events))))
	fmt.Println(paragraph(faint(fmt.Sprintf("chunks rendered:   %d", res.Rendered))))
	if res.Archived > 0 {
		fmt.Println(paragraph(faint(fmt.Sprintf("archived:          %d (%s)", res.Archived, humanize.Bytes(uint64(res.Bytes))))))
	}
	fmt.Println()
}

func init() {
	flags := loopbackCmd.Flags()
	flags.DurationVarP(&loopbackDuration, "duration", "d", 2*time.Second, "length of the transmission")
	flags.StringVarP(&loopbackSource, "source", "s", config.SourceTone, "capture source (mic, tone, file)")
	flags.BoolVar(&loopbackArchive, "archive", false, "archive the received transmission")
}
