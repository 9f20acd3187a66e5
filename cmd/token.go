package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/signcast/host/internal/auth"
)

// runToken issues an HS256 operator token signed with the configured secret.
// Control panels normally get tokens from their own identity provider; this
// is for scripts and local testing.
func runToken(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var configPath, operator string
	var ttl time.Duration
	fs.StringVar(&configPath, "config", "", "Path to config file (default: ~/.signcast/config.toml)")
	fs.StringVar(&operator, "operator", "cli", "Operator id to put in the token")
	fs.DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: signcast token [options]\n\nIssue an operator bearer token.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	if ttl <= 0 {
		fmt.Fprintln(stderr, "Error: --ttl must be positive")
		return 1
	}

	cfg, err := loadConfig(configPath, nil)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if cfg.Auth.JWTSecret == "" {
		fmt.Fprintln(stderr, "Error: auth.jwt_secret is not set; tokens for RS256 deployments come from your identity provider")
		return 1
	}

	token, err := auth.Issue(cfg.Auth.JWTSecret, operator, cfg.Auth.JWTIssuer, ttl, time.Now())
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, token)
	return 0
}
