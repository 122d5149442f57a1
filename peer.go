package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dgnsrekt/walkie/internal/archive"
	"github.com/dgnsrekt/walkie/internal/audio"
	"github.com/dgnsrekt/walkie/internal/capture"
	"github.com/dgnsrekt/walkie/internal/config"
	"github.com/dgnsrekt/walkie/internal/demux"
	"github.com/dgnsrekt/walkie/internal/playback"
	"github.com/dgnsrekt/walkie/internal/protocol"
	"github.com/dgnsrekt/walkie/internal/ptt"
	"github.com/dgnsrekt/walkie/internal/transport"
)

// peerOptions describes one end of a conversation.
type peerOptions struct {
	Session ptt.SessionContext
	Channel transport.Channel
	Address string // passed to Channel.Connect

	Device  capture.Device // nil for a listen-only peer
	Capture capture.Config

	Renderer playback.Renderer // nil disables playback
	Archive  *archive.Archive  // nil disables archiving
}

// peer wires capture, both multiplexers, playback and archive around one
// channel.
type peer struct {
	session  ptt.SessionContext
	channel  transport.Channel
	mux      *protocol.Multiplexer
	demux    *demux.Demultiplexer
	capture  *capture.Session
	playback *playback.Session
	archive  *archive.Archive

	detach []func()
}

// startPeer connects the channel and negotiates capture. On error everything
// opened so far is closed.
func startPeer(ctx context.Context, opts peerOptions) (_ *peer, err error) {
	p := &peer{
		session: opts.Session,
		channel: opts.Channel,
		mux:     protocol.NewMultiplexer(opts.Session, opts.Channel),
		demux:   demux.New(opts.Session, opts.Channel),
		archive: opts.Archive,
	}
	defer func() {
		if err != nil {
			p.Close()
		}
	}()

	if opts.Renderer != nil {
		p.playback = playback.New(opts.Renderer, playback.WithErrorObserver(func(err error) {
			log.Debug("playback observer", "peer", p.session.LocalID, "error", err)
		}))
		p.detach = append(p.detach, p.playback.Attach(p.demux))
	}
	if opts.Archive != nil {
		p.detach = append(p.detach, opts.Archive.Attach(p.demux))
	}

	errSub := p.channel.On(transport.EventError, func(ev transport.Event) {
		log.Warn("channel error", "peer", p.session.LocalID, "error", ev.Err)
	})
	closeSub := p.channel.On(transport.EventClose, func(ev transport.Event) {
		if ev.Err != nil {
			log.Error("channel closed", "peer", p.session.LocalID, "error", ev.Err)
		}
	})
	reconnectSub := p.channel.On(transport.EventReconnect, func(transport.Event) {
		log.Info("reconnected", "peer", p.session.LocalID)
	})
	p.detach = append(p.detach, errSub.Cancel, closeSub.Cancel, reconnectSub.Cancel)

	if err := p.channel.Connect(ctx, opts.Address); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	if opts.Device != nil {
		p.capture, err = capture.Open(ctx, opts.Device, p.mux, opts.Capture)
		if err != nil {
			return nil, err
		}
		p.capture.OnError(func(err error) {
			log.Warn("capture error", "peer", p.session.LocalID, "error", err)
		})
	}

	log.Info("peer ready", "peer", p.session.LocalID, "room", p.session.Room)
	return p, nil
}

// Toggle starts transmitting when idle and stops when recording.
func (p *peer) Toggle(ctx context.Context) (transmitting bool, err error) {
	if p.capture == nil {
		return false, errors.New("peer has no capture device")
	}
	if p.Transmitting() {
		return false, p.capture.Stop(ctx)
	}
	return true, p.capture.Start(ctx)
}

// Transmitting reports whether capture is recording.
func (p *peer) Transmitting() bool {
	return p.capture != nil && p.capture.State() == capture.StateRecording
}

// TransmitFor sends one transmission lasting d.
func (p *peer) TransmitFor(ctx context.Context, d time.Duration) error {
	if p.capture == nil {
		return errors.New("peer has no capture device")
	}
	if err := p.capture.Start(ctx); err != nil {
		return err
	}

	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
	return p.capture.Stop(context.WithoutCancel(ctx))
}

// Drain waits for queued playback to finish.
func (p *peer) Drain(ctx context.Context) error {
	if p.playback == nil {
		return nil
	}
	return p.playback.Drain(ctx)
}

// Close tears the peer down in reverse order of construction.
func (p *peer) Close() error {
	var errs []error
	if p.capture != nil {
		errs = append(errs, p.capture.Close())
	}
	if p.channel != nil {
		errs = append(errs, p.channel.Close())
	}
	for _, d := range p.detach {
		d()
	}
	p.demux.Close()
	if p.playback != nil {
		errs = append(errs, p.playback.Close())
	}
	return errors.Join(errs...)
}

// openCaptureDevice returns the configured capture source and a function
// that releases it.
func openCaptureDevice(cfg config.CaptureConfig) (capture.Device, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Source {
	case config.SourceTone:
		return audio.NewToneDevice(cfg.ToneHz), noop, nil
	case config.SourceFile:
		return audio.NewFileDevice(cfg.File), noop, nil
	case config.SourceMic:
		mic, err := audio.NewMicrophone()
		if err != nil {
			return nil, nil, ptt.NewError(ptt.CodeNegotiationFailed, "microphone unavailable", err)
		}
		return mic, mic.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown capture source %q", cfg.Source)
	}
}

// openRenderer returns the configured playback device, or nil when playback
// is disabled.
func openRenderer(cfg config.PlaybackConfig) (playback.Renderer, func() error, error) {
	noop := func() error { return nil }
	if !cfg.Enabled {
		return nil, noop, nil
	}
	switch cfg.Device {
	case config.DeviceNull:
		return audio.NewNullRenderer(), noop, nil
	case config.DeviceSpeaker:
		sc := audio.DefaultSpeakerConfig()
		sc.Volume = cfg.Volume
		speaker, err := audio.NewSpeaker(sc)
		if err != nil {
			return nil, nil, err
		}
		return speaker, speaker.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown playback device %q", cfg.Device)
	}
}

// openArchive returns the archive when enabled.
func openArchive(cfg config.ArchiveConfig) (*archive.Archive, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dir, err := archiveDir(cfg)
	if err != nil {
		return nil, err
	}
	return archive.New(dir, cfg.CompressionLevel)
}
