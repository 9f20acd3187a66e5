package main

import (
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/skip2/go-qrcode"

	"github.com/signcast/host/internal/config"
	"github.com/signcast/host/internal/pairing"
)

// runQR prints the claim link for a code as a terminal QR code, for
// claiming a display whose own QR is not visible.
func runQR(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("qr", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var configPath, claimURL string
	fs.StringVar(&configPath, "config", "", "Path to config file (default: ~/.signcast/config.toml)")
	fs.StringVar(&claimURL, "claim-url", "", "Control panel claim page (default: pairing.claim_url from config)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: signcast qr [options] <code>\n\nPrint the claim link for a pairing code as a QR code.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(stderr, "Error: code is required")
		fs.Usage()
		return 1
	}
	code := fs.Arg(0)

	cfg, err := loadConfig(configPath, func(c *config.Config) {
		if claimURL != "" {
			c.Pairing.ClaimURL = claimURL
		}
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if cfg.Pairing.ClaimURL == "" {
		fmt.Fprintln(stderr, "Error: no claim URL; set pairing.claim_url or pass --claim-url")
		return 1
	}

	link, err := pairing.ClaimLink(cfg.Pairing.ClaimURL, code)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	qr, err := qrcode.New(link, qrcode.Medium)
	if err != nil {
		fmt.Fprintf(stderr, "Error generating QR code: %v\n", err)
		fmt.Fprintln(stdout, link)
		return 1
	}
	fmt.Fprint(stdout, qr.ToSmallString(false))
	fmt.Fprintf(stdout, "\n%s\n", link)
	return 0
}
