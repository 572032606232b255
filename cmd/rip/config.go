package main

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/docker/go-units"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/meigma/rip"
)

// appName names the config directory, the config file and the
// environment prefix.
const appName = "rip"

// settings is the resolved configuration of one run.
type settings struct {
	verbose        bool
	jobs           int
	level          int
	store          bool
	maxFileSize    uint64
	maxArchiveSize uint64
	maxDepth       int
	noFollow       bool
	caseSensitive  bool
	outputDir      string
	exclude        []string
	exitPolicy     rip.ExitPolicy
}

// loadSettings merges flags, RIP_ environment variables and the config
// file, in that order of precedence.
func loadSettings(cmd *cobra.Command, cfgFile string) (settings, error) {
	v := viper.New()
	v.SetEnvPrefix(strings.ToUpper(appName))
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return settings{}, fmt.Errorf("bind flags: %w", err)
	}

	if err := readConfig(v, cfgFile); err != nil {
		return settings{}, err
	}

	s := settings{
		verbose:       v.GetBool("verbose"),
		jobs:          v.GetInt("jobs"),
		level:         v.GetInt("level"),
		store:         v.GetBool("store"),
		maxDepth:      v.GetInt("max-depth"),
		noFollow:      v.GetBool("no-follow-symlinks"),
		caseSensitive: v.GetBool("case-sensitive"),
		outputDir:     v.GetString("output-dir"),
		exclude:       v.GetStringSlice("exclude"),
	}

	var err error
	if s.maxFileSize, err = parseSize("max-file-size", v.GetString("max-file-size")); err != nil {
		return settings{}, err
	}
	if s.maxArchiveSize, err = parseSize("max-archive-size", v.GetString("max-archive-size")); err != nil {
		return settings{}, err
	}
	if s.exitPolicy, err = rip.ParseExitPolicy(v.GetString("exit-policy")); err != nil {
		return settings{}, err
	}
	for _, p := range s.exclude {
		if !doublestar.ValidatePattern(p) {
			return settings{}, fmt.Errorf("exclude: %w: %q", doublestar.ErrBadPattern, p)
		}
	}
	if s.jobs < 1 {
		return settings{}, fmt.Errorf("jobs must be at least 1, got %d", s.jobs)
	}
	if s.maxDepth < 1 {
		return settings{}, fmt.Errorf("max-depth must be at least 1, got %d", s.maxDepth)
	}
	return s, nil
}

// readConfig loads cfgFile, or rip.* from the user config directory when
// cfgFile is empty. Only an explicitly named file has to exist.
func readConfig(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", cfgFile, err)
		}
		return nil
	}

	dir, err := os.UserConfigDir()
	if err != nil {
		return nil //nolint:nilerr // no config dir means no config file
	}
	v.SetConfigName(appName)
	v.AddConfigPath(filepath.Join(dir, appName))
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// parseSize parses a size such as "512MiB" or "1g". Units are binary.
func parseSize(name, value string) (uint64, error) {
	n, err := units.RAMInBytes(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if n <= 0 || n == math.MaxInt64 {
		return 0, fmt.Errorf("%s: must be positive, got %q", name, value)
	}
	return uint64(n), nil
}

// options converts the settings to archive options.
func (s settings) options() ([]rip.Option, error) {
	if s.level < -2 || s.level > 9 {
		return nil, fmt.Errorf("level must be between -2 and 9, got %d", s.level)
	}
	opts := []rip.Option{
		rip.WithJobs(s.jobs),
		rip.WithLevel(s.level),
		rip.WithMaxFileSize(s.maxFileSize),
		rip.WithMaxArchiveSize(s.maxArchiveSize),
		rip.WithMaxDepth(s.maxDepth),
		rip.WithFollowSymlinks(!s.noFollow),
	}
	if s.store {
		opts = append(opts, rip.WithStore())
	}
	if s.caseSensitive {
		opts = append(opts, rip.WithCaseSensitive())
	}
	if s.outputDir != "" {
		opts = append(opts, rip.WithOutputDir(s.outputDir))
	}
	if len(s.exclude) > 0 {
		opts = append(opts, rip.WithExclude(s.exclude...))
	}
	return opts, nil
}
