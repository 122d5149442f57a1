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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/dgnsrekt/walkie/internal/config"
	"github.com/dgnsrekt/walkie/internal/transport"
)

const drainTimeout = 30 * time.Second

var transmitFor time.Duration

var talkCmd = &cobra.Command{
	Use:   "talk",
	Short: "Join a room and talk",
	Long: paragraph(fmt.Sprintf("\n%s a room on a relay. Press %s to start and stop transmitting, %s to quit.",
		keyword("Join"), keyword("space"), keyword("q"))),
	Example: paragraph("walkie talk --room ops\nwalkie talk --source tone --transmit-for 3s"),
	Args:    cobra.NoArgs,
	Annotations: map[string]string{
		annotationInteractive: "true",
	},
	RunE: func(cmd *cobra.Command, _ []string) error {
		if cfg.Transport.Mode != config.ModeSocket {
			return fmt.Errorf("talk needs transport mode %q; try %s for an in-process session",
				config.ModeSocket, keyword("walkie loopback"))
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		p, release, err := openTalkPeer(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := release(); err != nil {
				log.Warn("failed to close peer", "error", err)
			}
		}()

		if transmitFor > 0 {
			return transmitOnce(ctx, p, transmitFor)
		}
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return errors.New("interactive mode needs a terminal; use --transmit-for instead")
		}

		go watchConfig(ctx)
		return runInteractive(ctx, p)
	},
}

// openTalkPeer builds a socket peer for c and a function that tears it and
// its devices down.
func openTalkPeer(ctx context.Context, c config.Config) (*peer, func() error, error) {
	session, err := c.Session()
	if err != nil {
		return nil, nil, err
	}
	address, err := c.RoomURL()
	if err != nil {
		return nil, nil, err
	}

	dev, closeDev, err := openCaptureDevice(c.Capture)
	if err != nil {
		return nil, nil, err
	}
	renderer, closeRenderer, err := openRenderer(c.Playback)
	if err != nil {
		_ = closeDev()
		return nil, nil, err
	}
	arch, err := openArchive(c.Archive)
	if err != nil {
		_ = closeDev()
		_ = closeRenderer()
		return nil, nil, err
	}

	p, err := startPeer(ctx, peerOptions{
		Session:  session,
		Channel:  transport.NewWebSocket(c.Transport.ToWebSocketConfig()),
		Address:  address,
		Device:   dev,
		Capture:  c.Capture.ToCaptureConfig(),
		Renderer: renderer,
		Archive:  arch,
	})
	if err != nil {
		_ = closeDev()
		_ = closeRenderer()
		if arch != nil {
			_ = arch.Close()
		}
		return nil, nil, err
	}

	release := func() error {
		errs := []error{p.Close(), closeDev(), closeRenderer()}
		if arch != nil {
			arch.Flush()
			errs = append(errs, arch.Close())
		}
		return errors.Join(errs...)
	}
	return p, release, nil
}

// transmitOnce sends a single transmission and waits for playback of
// anything received meanwhile.
func transmitOnce(ctx context.Context, p *peer, d time.Duration) error {
	log.Info("transmitting", "room", p.session.Room, "duration", d)
	if err := p.TransmitFor(ctx, d); err != nil {
		return err
	}

	drainCtx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()
	if err := p.Drain(drainCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// stopTransmitting ends an open transmission so listeners get its stop
// marker.
func stopTransmitting(p *peer) error {
	if !p.Transmitting() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	_, err := p.Toggle(ctx)
	return err
}

func init() {
	flags := talkCmd.Flags()
	flags.DurationVarP(&transmitFor, "transmit-for", "t", 0, "transmit once for this long, then exit")
	flags.StringP("source", "s", "", "capture source (mic, tone, file)")
	flags.String("file", "", "WAV file for the file source")
	flags.StringP("playback-device", "p", "", "playback device (speaker, null)")
	flags.Bool("archive", false, "archive received transmissions")

	// Config bindings
	_ = viper.BindPFlag("capture.source", flags.Lookup("source"))
	_ = viper.BindPFlag("capture.file", flags.Lookup("file"))
	_ = viper.BindPFlag("playback.device", flags.Lookup("playback-device"))
	_ = viper.BindPFlag("archive.enabled", flags.Lookup("archive"))
}
