package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/dgnsrekt/walkie/internal/config"
)

func TestLoopback(t *testing.T) {
	c := config.Default()
	c.Room = "test"
	c.Capture.Source = config.SourceTone
	c.Capture.ChunkDuration = 100 * time.Millisecond
	c.Capture.StopDelay = 100 * time.Millisecond
	c.Capture.SampleRate = 8000
	c.Playback.Device = config.DeviceNull
	c.Archive.Enabled = true
	c.Archive.Dir = t.TempDir()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := loopback(ctx, c, 300*time.Millisecond)
	if err != nil {
		t.Fatalf("loopback failed: %v", err)
	}

	// started, metadata, at least one chunk, stopped
	if res.Events < 4 {
		t.Errorf("Events = %d, want at least 4", res.Events)
	}
	if res.Rendered == 0 {
		t.Error("nothing rendered")
	}
	if res.Archived != 1 {
		t.Errorf("Archived = %d, want 1", res.Archived)
	}

	matches, _ := filepath.Glob(filepath.Join(c.Archive.Dir, "alpha-*.wav.zst"))
	if len(matches) != 1 {
		t.Errorf("archive files = %v", matches)
	}
}

func TestLoopback_PlaybackDisabled(t *testing.T) {
	c := config.Default()
	c.Capture.Source = config.SourceTone
	c.Capture.ChunkDuration = 50 * time.Millisecond
	c.Capture.StopDelay = 50 * time.Millisecond
	c.Playback.Enabled = false

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := loopback(ctx, c, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("loopback failed: %v", err)
	}
	if res.Rendered != 0 || res.Archived != 0 {
		t.Errorf("res = %+v", res)
	}
}

func TestOpenDevices_Unknown(t *testing.T) {
	if _, _, err := openCaptureDevice(config.CaptureConfig{Source: "radio"}); err == nil {
		t.Error("expected error for unknown source")
	}
	if _, _, err := openRenderer(config.PlaybackConfig{Enabled: true, Device: "radio"}); err == nil {
		t.Error("expected error for unknown device")
	}

	r, closer, err := openRenderer(config.PlaybackConfig{Enabled: false})
	if err != nil || r != nil {
		t.Errorf("disabled playback = %v, %v", r, err)
	}
	if err := closer(); err != nil {
		t.Error(err)
	}
}

func TestArchiveDir(t *testing.T) {
	dir, err := archiveDir(config.ArchiveConfig{Dir: "/srv/walkie"})
	if err != nil || dir != "/srv/walkie" {
		t.Errorf("archiveDir = %q, %v", dir, err)
	}

	dir, err = archiveDir(config.ArchiveConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(dir) != "archive" {
		t.Errorf("default archive dir = %q", dir)
	}
}
