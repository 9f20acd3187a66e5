package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/signcast/host/internal/auth"
	"github.com/signcast/host/internal/certs"
	"github.com/signcast/host/internal/config"
	"github.com/signcast/host/internal/storage"
)

// EnvOperatorToken supplies the bearer token for CLI calls to a running host.
const EnvOperatorToken = "SIGNCAST_OPERATOR_TOKEN"

// formatDuration formats a duration in a human-readable way.
// Examples: "just now", "5m ago", "2h ago", "3d ago"
func formatDuration(d time.Duration) string {
	if d < 0 {
		return "in the future"
	}
	if d < time.Minute {
		return "just now"
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
	return fmt.Sprintf("%dd ago", int(d.Hours()/24))
}

func runDevicesList(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("devices list", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var configPath, dsn string
	var area int64
	fs.StringVar(&configPath, "config", "", "Path to config file (default: ~/.signcast/config.toml)")
	fs.StringVar(&dsn, "store-dsn", "", "Record store DSN (default: from config)")
	fs.Int64Var(&area, "area", 0, "Only list displays in this area")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: signcast devices list [options]\n\nList registered displays.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	cfg, err := loadConfig(configPath, func(c *config.Config) {
		if dsn != "" {
			c.Store.DSN = dsn
		}
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if cfg.Store.Driver == storage.DialectSQLite {
		if _, err := os.Stat(cfg.Store.DSN); os.IsNotExist(err) {
			fmt.Fprintln(stdout, "No registered displays found.")
			return 0
		}
	}

	store, err := storage.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to open storage: %v\n", err)
		return 1
	}
	defer store.Close()

	devices, err := store.ListDevices(context.Background(), area)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to list devices: %v\n", err)
		return 1
	}

	if len(devices) == 0 {
		fmt.Fprintln(stdout, "No registered displays found.")
		return 0
	}

	writeDeviceTable(stdout, devices, time.Now())
	return 0
}

func writeDeviceTable(out io.Writer, devices []*storage.Device, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tAREA\tTYPE\tSCREEN\tCREATED\tLAST SEEN")
	fmt.Fprintln(w, "--\t----\t----\t----\t------\t-------\t---------")

	for _, d := range devices {
		screen := "-"
		if d.ScreenWidth != nil && d.ScreenHeight != nil {
			screen = fmt.Sprintf("%dx%d", *d.ScreenWidth, *d.ScreenHeight)
		}
		created := "-"
		if !d.CreatedAt.IsZero() {
			created = formatDuration(now.Sub(d.CreatedAt))
		}
		lastSeen := "never"
		if !d.LastSeen.IsZero() {
			lastSeen = formatDuration(now.Sub(d.LastSeen))
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\t%s\n",
			d.ID,
			d.Name,
			d.AreaID,
			d.Type,
			screen,
			created,
			lastSeen,
		)
	}
	w.Flush()
}

func runDevicesForget(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("devices forget", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var configPath, hostURL, token string
	fs.StringVar(&configPath, "config", "", "Path to config file (default: ~/.signcast/config.toml)")
	fs.StringVar(&hostURL, "host", "", "Base URL of the running host (default: http://<addr> from config)")
	fs.StringVar(&token, "token", "", "Operator bearer token (default: $"+EnvOperatorToken+", or issued from jwt_secret)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: signcast devices forget [options] <device-id>\n\nForget a display. If it is online it is told to disconnect.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	if fs.NArg() < 1 {
		fmt.Fprintln(stderr, "Error: device-id is required")
		fs.Usage()
		return 1
	}
	id, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil || id <= 0 {
		fmt.Fprintf(stderr, "Error: invalid device id %q\n", fs.Arg(0))
		return 1
	}

	cfg, err := loadConfig(configPath, nil)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if token == "" {
		token = os.Getenv(EnvOperatorToken)
	}
	if token == "" && cfg.Auth.JWTSecret != "" {
		token, err = auth.Issue(cfg.Auth.JWTSecret, "cli", cfg.Auth.JWTIssuer, 5*time.Minute, time.Now())
		if err != nil {
			fmt.Fprintf(stderr, "Error: failed to issue token: %v\n", err)
			return 1
		}
	}
	if hostURL == "" {
		hostURL = localURL(cfg)
	}

	err = forgetViaHost(hostClient(cfg), hostURL, token, id)
	if err == nil {
		fmt.Fprintf(stdout, "Forgot device %d.\n", id)
		return 0
	}
	var hostErr *hostError
	if errors.As(err, &hostErr) {
		fmt.Fprintf(stderr, "Error: host refused: %s (%s)\n", hostErr.Message, hostErr.Code)
		return 1
	}

	// Host unreachable: delete the record directly. A display that is still
	// connected keeps its socket until it next reconnects.
	store, openErr := storage.Open(cfg.Store.Driver, cfg.Store.DSN)
	if openErr != nil {
		fmt.Fprintf(stderr, "Error: host unreachable (%v) and failed to open storage: %v\n", err, openErr)
		return 1
	}
	defer store.Close()

	if err := store.DeleteDevice(context.Background(), id); err != nil {
		fmt.Fprintf(stderr, "Error: failed to forget device: %v\n", err)
		return 1
	}
	store.AppendAudit(context.Background(), &storage.AuditEntry{
		DeviceID: id,
		Operator: "cli",
		Action:   storage.AuditForgotten,
		At:       time.Now(),
	})
	fmt.Fprintf(stdout, "Forgot device %d.\n", id)
	fmt.Fprintln(stdout, "Note: Host is not running or unreachable. The record was removed directly.")
	return 0
}

// localURL turns the listen address into a URL the CLI can reach.
func localURL(cfg *config.Config) string {
	scheme := "http"
	if cfg.TLSCert != "" || cfg.TLSSelfSigned {
		scheme = "https"
	}
	addr := cfg.Addr
	if strings.HasPrefix(addr, "0.0.0.0:") {
		addr = "127.0.0.1:" + strings.TrimPrefix(addr, "0.0.0.0:")
	} else if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return scheme + "://" + addr
}

// hostError is a coded failure returned by a reachable host.
type hostError struct {
	Status  int
	Code    string `json:"error_code"`
	Message string `json:"message"`
}

func (e *hostError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

// hostClient pins the host's generated certificate when it serves
// self-signed TLS. A missing certificate means the host never started with
// TLS, and the request fails over to direct deletion.
func hostClient(cfg *config.Config) *http.Client {
	client := &http.Client{Timeout: 5 * time.Second}
	if !cfg.TLSSelfSigned || cfg.TLSCert != "" {
		return client
	}
	dir, err := certs.DefaultDir()
	if err != nil {
		return client
	}
	info, err := certs.Load(filepath.Join(dir, certs.CertFile), filepath.Join(dir, certs.KeyFile))
	if err != nil {
		return client
	}
	client.Transport = &http.Transport{TLSClientConfig: certs.PinnedClientConfig(info.Fingerprint)}
	return client
}

func forgetViaHost(client *http.Client, baseURL, token string, id int64) error {
	body, _ := json.Marshal(map[string]any{"deviceId": id})
	req, err := http.NewRequest(http.MethodPost, strings.TrimSuffix(baseURL, "/")+"/api/forget-device", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return nil
	}
	he := &hostError{Status: resp.StatusCode}
	if err := json.NewDecoder(resp.Body).Decode(he); err != nil {
		he.Message = resp.Status
	}
	return he
}
