package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/charmbracelet/x/editor"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultConfig = `# identity to talk as (default random)
# identity: "alice"
# room to join
room: "lobby"

log:
  # debug, info, warn or error
  level: "info"
  # text, json or logfmt
  format: "text"
  # file: "/path/to/walkie.log"

transport:
  # socket (relay over WebSocket) or store (in-process)
  mode: "socket"
  # relay address; the room path is appended
  address: "ws://localhost:8765"
  # pause before redialing a dropped connection
  redial_pause: "250ms"
  # outgoing messages buffered while disconnected
  send_queue: 256
  # deliver the room's last document on join
  replay: true

capture:
  # mic, tone or file
  source: "mic"
  # file: "/path/to/input.wav"
  tone_hz: 440
  # audio per transmitted chunk
  chunk_duration: "500ms"
  # how long capture keeps running after stop (default chunk_duration)
  # stop_delay: "500ms"
  sample_rate: 44100
  channels: 1
  bit_depth: 16

playback:
  enabled: true
  # speaker or null
  device: "speaker"
  # 0.0 to 1.0
  volume: 1.0

archive:
  # keep every received transmission as a compressed WAV
  enabled: false
  # dir: "/path/to/archive"
  # zstd level, 1 to 22
  compression_level: 3

hub:
  # address walkie serve listens on
  listen: ":8765"
  ping_interval: "25s"
  pong_wait: "60s"
  # largest accepted message in bytes
  max_message_size: 1048576
  # messages per second per client
  rate_limit: 50
  burst: 100
`

var configCmd = &cobra.Command{
	Use:     "config",
	Hidden:  false,
	Short:   "Edit the walkie config file",
	Long:    paragraph(fmt.Sprintf("\n%s the walkie config file. We’ll use EDITOR to determine which editor to use. If the config file doesn't exist, it will be created.", keyword("Edit"))),
	Example: paragraph("walkie config\nwalkie config --config path/to/config.yml"),
	Args:    cobra.NoArgs,
	Annotations: map[string]string{
		annotationNoConfig: "true",
	},
	RunE: func(*cobra.Command, []string) error {
		if err := ensureConfigFile(); err != nil {
			return err
		}

		c, err := editor.Cmd("Walkie", configFile)
		if err != nil {
			return fmt.Errorf("unable to set config file: %w", err)
		}
		c.Stdin = os.Stdin
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		if err := c.Run(); err != nil {
			return fmt.Errorf("unable to run command: %w", err)
		}

		fmt.Println("Wrote config file to:", configFile)
		return nil
	},
}

func ensureConfigFile() error {
	if configFile == "" {
		configFile = viper.GetViper().ConfigFileUsed()
		if err := os.MkdirAll(filepath.Dir(configFile), 0o755); err != nil { //nolint:gosec
			return fmt.Errorf("could not write configuration file: %w", err)
		}
	}

	if ext := path.Ext(configFile); ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("'%s' is not a supported configuration type: use '%s' or '%s'", ext, ".yaml", ".yml")
	}

	if _, err := os.Stat(configFile); errors.Is(err, fs.ErrNotExist) {
		// File doesn't exist yet, create all necessary directories and
		// write the default config file
		if err := os.MkdirAll(filepath.Dir(configFile), 0o700); err != nil {
			return fmt.Errorf("unable create directory: %w", err)
		}

		f, err := os.Create(configFile)
		if err != nil {
			return fmt.Errorf("unable to create config file: %w", err)
		}
		defer func() { _ = f.Close() }()

		if _, err := f.WriteString(defaultConfig); err != nil {
			return fmt.Errorf("unable to write config file: %w", err)
		}
	} else if err != nil { // some other error occurred
		return fmt.Errorf("unable to stat config file: %w", err)
	}
	return nil
}
