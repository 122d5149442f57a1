// Package main provides the entry point for the walkie CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	gap "github.com/muesli/go-app-paths"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/dgnsrekt/walkie/internal/config"
)

var (
	// Version as provided by goreleaser.
	Version = ""
	// CommitSHA as provided by goreleaser.
	CommitSHA = ""

	configFile string
	cfg        config.Config
	envCfg     config.EnvConfig
	closeLog   = func() error { return nil }

	rootCmd = &cobra.Command{
		Use:   "walkie",
		Short: "Push-to-talk voice for the terminal",
		Long: paragraph(
			fmt.Sprintf("\nPush-to-talk voice for the terminal, %s!", keyword("over the wire")),
		),
		SilenceErrors:    false,
		SilenceUsage:     true,
		TraverseChildren: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(cmd)
		},
	}
)

// Command annotations understood by loadConfig.
const (
	annotationInteractive = "walkie/interactive"
	annotationNoConfig    = "walkie/no-config"
)

// loadConfig builds the global config from viper and the environment and
// sets up logging for the command about to run.
func loadConfig(cmd *cobra.Command) error {
	if cmd.Annotations[annotationNoConfig] == "true" {
		closer, err := setupLog(config.Default().Log, false)
		if err != nil {
			return err
		}
		closeLog = closer
		return nil
	}

	if configFile != "" && configFile != viper.ConfigFileUsed() {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("unable to read config file: %w", err)
		}
	}

	c, err := config.LoadFromViper(viper.GetViper())
	if err != nil {
		return err
	}
	envCfg.Apply(&c)
	cfg = c

	closer, err := setupLog(cfg.Log, isInteractive(cmd))
	if err != nil {
		return err
	}
	closeLog = closer

	if used := viper.ConfigFileUsed(); used != "" {
		log.Debug("Using configuration file", "path", used)
	}
	return nil
}

// isInteractive reports whether the command will own the terminal.
func isInteractive(cmd *cobra.Command) bool {
	if cmd.Annotations[annotationInteractive] != "true" {
		return false
	}
	if f := cmd.Flags().Lookup("transmit-for"); f != nil && f.Changed {
		return false
	}
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// watchConfig re-applies the log level whenever the config file changes.
func watchConfig(ctx context.Context) {
	path := viper.ConfigFileUsed()
	if path == "" {
		return
	}

	err := config.Watch(ctx, path, func() {
		v := viper.New()
		config.SetDefaults(v)
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			log.Warn("Could not parse configuration file", "err", err)
			return
		}
		c, err := config.LoadFromViper(v)
		if err != nil {
			log.Warn("Ignoring invalid configuration", "err", err)
			return
		}
		envCfg.Apply(&c)

		level, err := log.ParseLevel(c.Log.Level)
		if err != nil {
			return
		}
		if level != log.GetLevel() {
			log.SetLevel(level)
			log.Info("log level changed", "level", c.Log.Level)
		}
	})
	if err != nil {
		log.Warn("Could not watch configuration file", "err", err)
	}
}

// archiveDir returns the configured archive directory or the per-user data
// directory.
func archiveDir(c config.ArchiveConfig) (string, error) {
	if c.Dir != "" {
		return c.Dir, nil
	}
	dir, err := gap.NewScope(gap.User, "walkie").DataPath("archive")
	if err != nil {
		return "", fmt.Errorf("could not locate data directory: %w", err)
	}
	return dir, nil
}

func main() {
	err := rootCmd.Execute()
	_ = closeLog()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	var err error
	envCfg, err = config.ParseEnv()
	if err != nil {
		fmt.Println("error parsing environment:", err)
		os.Exit(1)
	}

	tryLoadConfigFromDefaultPlaces()
	if len(CommitSHA) >= 7 {
		vt := rootCmd.VersionTemplate()
		rootCmd.SetVersionTemplate(vt[:len(vt)-1] + " (" + CommitSHA[0:7] + ")\n")
	}
	if Version == "" {
		Version = "unknown (built from source)"
	}
	rootCmd.Version = Version
	rootCmd.InitDefaultCompletionCmd()

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", fmt.Sprintf("config file (default %s)", viper.GetViper().ConfigFileUsed()))
	flags.StringP("room", "r", "", "room to talk in")
	flags.StringP("identity", "i", "", "identity to talk as (default random)")
	flags.StringP("address", "a", "", "relay address")
	flags.String("log-level", "", "log level (debug, info, warn, error)")

	// Config bindings
	_ = viper.BindPFlag("room", flags.Lookup("room"))
	_ = viper.BindPFlag("identity", flags.Lookup("identity"))
	_ = viper.BindPFlag("transport.address", flags.Lookup("address"))
	_ = viper.BindPFlag("log.level", flags.Lookup("log-level"))

	config.SetDefaults(viper.GetViper())

	rootCmd.AddCommand(configCmd, manCmd, serveCmd, talkCmd, loopbackCmd, archiveCmd)
}

func tryLoadConfigFromDefaultPlaces() {
	scope := gap.NewScope(gap.User, "walkie")
	dirs, err := scope.ConfigDirs()
	if err != nil {
		fmt.Println("Could not load find configuration directory.")
		os.Exit(1)
	}

	if c := envCfg.XDGConfig; c != "" {
		dirs = append([]string{filepath.Join(c, "walkie")}, dirs...)
	}

	if c := envCfg.ConfigHome; c != "" {
		dirs = append([]string{c}, dirs...)
	}

	for _, v := range dirs {
		viper.AddConfigPath(v)
	}

	viper.SetConfigName("walkie")
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("walkie")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warn("Could not parse configuration file", "err", err)
		}
	}

	if used := viper.ConfigFileUsed(); used != "" {
		return
	}

	configFile = filepath.Join(dirs[0], "walkie.yml")
	if err := ensureConfigFile(); err != nil {
		log.Error("Could not create default configuration", "error", err)
	}
}
