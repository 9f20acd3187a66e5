package main

import (
	"fmt"
	"io"
	"os"
)

// Version is set at build time via -ldflags.
// Example: go build -ldflags="-X main.Version=v0.3.0" -o signcast ./cmd
var Version = "dev"

const usage = `signcast - pairing host for digital signage displays

Usage:
  signcast <command> [options]

Commands:
  serve                 Run the host (device socket and operator API)
  devices list          List registered displays
  devices forget <id>   Forget a display and disconnect it
  token                 Issue an operator bearer token
  discover              Find hosts on the local network
  qr <code>             Print the claim link for a code as a QR code
  config init           Write a commented config file
  version               Print the version
Run 'signcast <command> --help' for more information on a command.
`

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		fmt.Fprint(stdout, usage)
		return 0
	}

	switch args[1] {
	case "serve":
		return runServe(args[2:], stdout, stderr)
	case "devices":
		if len(args) < 3 {
			fmt.Fprintln(stdout, "Usage: signcast devices <list|forget>")
			return 1
		}
		switch args[2] {
		case "list":
			return runDevicesList(args[3:], stdout, stderr)
		case "forget":
			return runDevicesForget(args[3:], stdout, stderr)
		default:
			fmt.Fprintf(stdout, "Unknown devices command: %s\n", args[2])
			return 1
		}
	case "token":
		return runToken(args[2:], stdout, stderr)
	case "discover":
		return runDiscover(args[2:], stdout, stderr)
	case "qr":
		return runQR(args[2:], stdout, stderr)
	case "config":
		if len(args) < 3 || args[2] != "init" {
			fmt.Fprintln(stdout, "Usage: signcast config init [--force]")
			return 1
		}
		return runConfigInit(args[3:], stdout, stderr)
	case "--help", "-h", "help":
		fmt.Fprint(stdout, usage)
		return 0
	case "--version", "-v", "version":
		fmt.Fprintf(stdout, "signcast %s\n", Version)
		return 0
	default:
		fmt.Fprintf(stdout, "Unknown command: %s\n", args[1])
		fmt.Fprint(stdout, usage)
		return 1
	}
}
