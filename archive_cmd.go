package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dgnsrekt/walkie/internal/archive"
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Browse archived transmissions",
	Long:  paragraph(fmt.Sprintf("\n%s transmissions received while archiving was enabled.", keyword("Browse"))),
	Args:  cobra.NoArgs,
}

var archiveListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List archived transmissions",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := openArchiveForRead()
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.List()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(entries) == 0 {
			fmt.Fprintln(out, faint("No transmissions in "+a.Dir()))
			return nil
		}
		for _, e := range entries {
			fmt.Fprintf(out, "%s  %s  %s  %s\n",
				keyword(e.Name),
				e.Sender,
				faint(humanize.Time(e.Timestamp)),
				faint(humanize.Bytes(uint64(e.Size))))
		}
		return nil
	},
}

var archiveExportCmd = &cobra.Command{
	Use:     "export NAME OUT.wav",
	Short:   "Export a transmission as a WAV file",
	Example: paragraph("walkie archive export alice-1700000000000.wav.zst alice.wav\nwalkie archive export alice-1700000000000.wav.zst - | aplay"),
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openArchiveForRead()
		if err != nil {
			return err
		}
		defer a.Close()

		if args[1] == "-" {
			_, err := a.Export(args[0], cmd.OutOrStdout())
			return err
		}

		f, err := os.Create(args[1])
		if err != nil {
			return fmt.Errorf("unable to create %s: %w", args[1], err)
		}
		n, err := a.Export(args[0], f)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(args[1])
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %s to %s\n", humanize.Bytes(uint64(n)), args[1])
		return nil
	},
}

var archivePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove old transmissions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		age, err := cmd.Flags().GetDuration("older-than")
		if err != nil {
			return err
		}
		if age <= 0 {
			return errors.New("--older-than must be positive")
		}

		a, err := openArchiveForRead()
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.RemoveOlderThan(time.Now().Add(-age))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d transmissions\n", n)
		return nil
	},
}

func openArchiveForRead() (*archive.Archive, error) {
	dir, err := archiveDir(cfg.Archive)
	if err != nil {
		return nil, err
	}
	return archive.New(dir, cfg.Archive.CompressionLevel)
}

func init() {
	archiveCmd.PersistentFlags().String("dir", "", "archive directory")
	_ = viper.BindPFlag("archive.dir", archiveCmd.PersistentFlags().Lookup("dir"))

	archivePruneCmd.Flags().Duration("older-than", 7*24*time.Hour, "remove transmissions older than this")

	archiveCmd.AddCommand(archiveListCmd, archiveExportCmd, archivePruneCmd)
}
