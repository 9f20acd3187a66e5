package main

import (
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/signcast/host/internal/config"
)

// loadConfig reads the config file (default location when path is empty),
// lets override adjust it, then applies defaults and validates.
func loadConfig(path string, override func(*config.Config)) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if override != nil {
		override(cfg)
	}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// visited returns the names of flags set on the command line, so boolean
// flags can override file values with --flag=false.
func visited(fs *flag.FlagSet) map[string]bool {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		explicit[f.Name] = true
	})
	return explicit
}

func runConfigInit(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("config init", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var path string
	var force bool
	fs.StringVar(&path, "config", "", "Path to write (default: ~/.signcast/config.toml)")
	fs.BoolVar(&force, "force", false, "Overwrite an existing file")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: signcast config init [options]\n\nWrite a commented config file.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	if path == "" {
		var err error
		path, err = config.DefaultConfigPath()
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}

	if err := config.WriteDefault(path, force); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Config written to %s\n", path)
	return 0
}
