package main

import (
	"fmt"
	"runtime"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/meigma/rip"
)

func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "rip [flags] DIR...",
		Short: "Archive directories into portable ZIP files",
		Long: `rip archives each DIR into its own ZIP file, DIR.zip, next to the directory.

Archive names are portable: UTF-8 in NFC form, with characters and device
names that Windows refuses rewritten and clashing names numbered. Symlinks
are followed only when they stay inside DIR. An existing archive is never
replaced; "DIR (1).zip", "DIR (2).zip" and so on are used instead.

Every flag can also be set with a RIP_ environment variable (RIP_JOBS,
RIP_MAX_FILE_SIZE, ...) or in a config file.`,
		Example: `  rip photos notes
  rip -j 2 --level 9 -o /backups ~/projects/*
  rip --max-file-size 512MiB --exit-policy any data
  rip --exclude '**/node_modules' --exclude '**/*.tmp' project`,
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(cmd, cfgFile)
			if err != nil {
				return err
			}
			return runArchive(cmd, s, args)
		},
	}

	f := cmd.Flags()
	f.BoolP("verbose", "v", false, "log every archived entry")
	f.IntP("jobs", "j", runtime.GOMAXPROCS(0), "archives to build in parallel")
	f.Int("level", rip.DefaultLevel, "DEFLATE level from -2 (Huffman only) to 9, -1 for the default")
	f.Bool("store", false, "store files without compression")
	f.String("max-file-size", units.BytesSize(float64(rip.DefaultPerFileCap)), "skip files larger than this")
	f.String("max-archive-size", units.BytesSize(float64(rip.DefaultArchiveCap)), "stop adding files once an archive holds this much")
	f.Int("max-depth", rip.DefaultMaxDepth, "skip entries nested deeper than this")
	f.Bool("no-follow-symlinks", false, "skip every symlink")
	f.Bool("case-sensitive", false, "treat names that differ only in case as distinct")
	f.StringSlice("exclude", nil, "leave out paths matching a doublestar pattern such as '**/.git' (repeatable)")
	f.StringP("output-dir", "o", "", "write archives here instead of next to each DIR")
	f.String("exit-policy", rip.ExitOnAllFailed.String(), "exit non-zero when all, any or never archives fail")
	f.StringVar(&cfgFile, "config", "", "config file (default is rip.{toml,yaml,json} in the user config dir)")

	return cmd
}

func runArchive(cmd *cobra.Command, s settings, dirs []string) error {
	logger := newLogger(cmd.ErrOrStderr(), s.verbose)
	opts, err := s.options()
	if err != nil {
		return err
	}
	opts = append(opts, rip.WithLogger(logger))

	summary := rip.Run(cmd.Context(), dirs, opts...)
	renderSummary(cmd.OutOrStdout(), summary)

	if code := summary.ExitCode(s.exitPolicy); code != 0 {
		return &exitError{
			code: code,
			err:  fmt.Errorf("%d of %d archives failed", summary.Count(rip.StatusFailed), len(summary.Results)),
		}
	}
	return nil
}
