package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/modelrelay/modelrelay/client"
	mrversion "github.com/modelrelay/modelrelay/internal/version"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	cfg := client.DefaultConfig()

	serverAddr := envString("MODELRELAY_SERVER", cfg.ServerAddr)
	clientID := envString("MODELRELAY_CLIENT_ID", "")
	email := envString("MODELRELAY_EMAIL", "")
	password := envString("MODELRELAY_PASSWORD", "")
	tokenFile := envString("MODELRELAY_TOKEN_FILE", cfg.TokenFile)
	localAddr := envString("MODELRELAY_LOCAL_ADDR", cfg.LocalAddr)

	controlPort, err := envIntWithErr("MODELRELAY_CONTROL_PORT", cfg.ControlPort)
	if err != nil {
		fmt.Fprintf(stderr, "invalid MODELRELAY_CONTROL_PORT: %v\n", err)
		return 2
	}
	proxyPort, err := envIntWithErr("MODELRELAY_PROXY_PORT", cfg.ProxyPort)
	if err != nil {
		fmt.Fprintf(stderr, "invalid MODELRELAY_PROXY_PORT: %v\n", err)
		return 2
	}
	localPort, err := envIntWithErr("MODELRELAY_LOCAL_PORT", cfg.LocalPort)
	if err != nil {
		fmt.Fprintf(stderr, "invalid MODELRELAY_LOCAL_PORT: %v\n", err)
		return 2
	}
	heartbeat, err := envDurationWithErr("MODELRELAY_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	if err != nil {
		fmt.Fprintf(stderr, "invalid MODELRELAY_HEARTBEAT_INTERVAL: %v\n", err)
		return 2
	}

	fs := flag.NewFlagSet("modelrelay-client", flag.ContinueOnError)
	fs.SetOutput(stderr)

	showVersion := false
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&serverAddr, "server", serverAddr, "relay server host (env: MODELRELAY_SERVER)")
	fs.StringVar(&clientID, "client-id", clientID, "unique client id registered with the relay (required) (env: MODELRELAY_CLIENT_ID)")
	fs.IntVar(&controlPort, "control-port", controlPort, "relay control port (env: MODELRELAY_CONTROL_PORT)")
	fs.IntVar(&proxyPort, "proxy-port", proxyPort, "relay data dial-back port (env: MODELRELAY_PROXY_PORT)")
	fs.StringVar(&localAddr, "local-addr", localAddr, "local inference backend host (env: MODELRELAY_LOCAL_ADDR)")
	fs.IntVar(&localPort, "local-port", localPort, "local inference backend port (env: MODELRELAY_LOCAL_PORT)")
	fs.StringVar(&email, "email", email, "login email (prompted when empty and no saved token) (env: MODELRELAY_EMAIL)")
	fs.StringVar(&password, "password", password, "login password (env: MODELRELAY_PASSWORD)")
	fs.StringVar(&tokenFile, "token-file", tokenFile, "path for the saved session token (env: MODELRELAY_TOKEN_FILE)")
	fs.DurationVar(&heartbeat, "heartbeat-interval", heartbeat, "interval between catalog heartbeats (env: MODELRELAY_HEARTBEAT_INTERVAL)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if showVersion {
		_, _ = fmt.Fprintln(stdout, mrversion.String(version, commit, date))
		return 0
	}

	if clientID == "" {
		fmt.Fprintln(stderr, "missing --client-id")
		fs.Usage()
		return 2
	}

	logger := slog.New(slog.NewTextHandler(stderr, nil))

	cfg.ServerAddr = serverAddr
	cfg.ControlPort = controlPort
	cfg.ProxyPort = proxyPort
	cfg.LocalAddr = localAddr
	cfg.LocalPort = localPort
	cfg.ClientID = clientID
	cfg.Email = email
	cfg.Password = password
	cfg.TokenFile = tokenFile
	cfg.HeartbeatInterval = heartbeat
	cfg.Stdout = stdout
	cfg.Logger = logger

	c, err := client.New(cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return 0
		}
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

func envString(key string, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envIntWithErr(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	return v, nil
}

func envDurationWithErr(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	return d, nil
}
