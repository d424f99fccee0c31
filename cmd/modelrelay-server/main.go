package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/modelrelay/modelrelay/admin"
	mrversion "github.com/modelrelay/modelrelay/internal/version"
	"github.com/modelrelay/modelrelay/observability"
	"github.com/modelrelay/modelrelay/observability/prom"
	"github.com/modelrelay/modelrelay/store"
	"github.com/modelrelay/modelrelay/store/postgres"
	"github.com/modelrelay/modelrelay/tunnel/server"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string { return strings.Join(*s, ",") }

func (s *stringSliceFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

type switchHandler struct {
	mu      sync.RWMutex
	handler http.Handler
}

func newSwitchHandler() *switchHandler {
	return &switchHandler{handler: http.NotFoundHandler()}
}

func (h *switchHandler) Set(next http.Handler) {
	if next == nil {
		next = http.NotFoundHandler()
	}
	h.mu.Lock()
	h.handler = next
	h.mu.Unlock()
}

func (h *switchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	handler := h.handler
	h.mu.RUnlock()
	handler.ServeHTTP(w, r)
}

type metricsController struct {
	mu       sync.Mutex
	enabled  bool
	handler  *switchHandler
	observer *observability.AtomicServerObserver
	srv      *server.Server
}

func newMetricsController(handler *switchHandler, observer *observability.AtomicServerObserver, srv *server.Server) *metricsController {
	return &metricsController{
		handler:  handler,
		observer: observer,
		srv:      srv,
	}
}

func (c *metricsController) Enable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enabled {
		return
	}
	reg := prom.NewRegistry()
	relayObs := prom.NewServerObserver(reg)
	c.handler.Set(prom.Handler(reg))
	c.observer.Set(relayObs)
	stats := c.srv.Stats()
	relayObs.ClientCount(stats.Clients)
	relayObs.PendingCount(stats.PendingPairs)
	c.enabled = true
}

func (c *metricsController) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}
	c.handler.Set(nil)
	c.observer.Set(observability.NoopServerObserver)
	c.enabled = false
}

// parseUsers turns "email:password" entries into a credential map.
func parseUsers(entries []string) (map[string]string, error) {
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		email, password, ok := strings.Cut(e, ":")
		if !ok || email == "" || password == "" {
			return nil, fmt.Errorf("invalid user entry %q (want email:password)", e)
		}
		out[email] = password
	}
	return out, nil
}

type ready struct {
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	Date       string `json:"date"`
	Control    string `json:"control"`
	Proxy      string `json:"proxy"`
	Public     string `json:"public"`
	APIURL     string `json:"api_url"`
	MetricsURL string `json:"metrics_url,omitempty"`
}

func writeReadyJSON(w io.Writer, out ready, pretty bool) error {
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(out)
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	cfg := server.DefaultConfig()

	logger := log.New(stderr, "", log.LstdFlags)

	host := envString("MODELRELAY_HOST", "0.0.0.0")
	apiKey := envString("MODELRELAY_API_KEY", cfg.APIKey)
	databaseURL := envString("MODELRELAY_DATABASE_URL", "")
	presenceUser := envString("MODELRELAY_PRESENCE_USER", cfg.PresenceUserID)

	users := stringSliceFlag(splitCSVEnv("MODELRELAY_USERS"))
	allowedOrigins := stringSliceFlag(splitCSVEnv("MODELRELAY_ALLOW_ORIGIN"))

	controlPort, err := envIntWithErr("MODELRELAY_CONTROL_PORT", 17000)
	if err != nil {
		fmt.Fprintf(stderr, "invalid MODELRELAY_CONTROL_PORT: %v\n", err)
		return 2
	}
	proxyPort, err := envIntWithErr("MODELRELAY_PROXY_PORT", 17001)
	if err != nil {
		fmt.Fprintf(stderr, "invalid MODELRELAY_PROXY_PORT: %v\n", err)
		return 2
	}
	publicPort, err := envIntWithErr("MODELRELAY_PUBLIC_PORT", 18080)
	if err != nil {
		fmt.Fprintf(stderr, "invalid MODELRELAY_PUBLIC_PORT: %v\n", err)
		return 2
	}
	apiPort, err := envIntWithErr("MODELRELAY_API_PORT", 18081)
	if err != nil {
		fmt.Fprintf(stderr, "invalid MODELRELAY_API_PORT: %v\n", err)
		return 2
	}
	pendingTTL, err := envDurationWithErr("MODELRELAY_PENDING_TTL", cfg.PendingTTL)
	if err != nil {
		fmt.Fprintf(stderr, "invalid MODELRELAY_PENDING_TTL: %v\n", err)
		return 2
	}
	metricsOn, err := envBoolWithErr("MODELRELAY_METRICS", true)
	if err != nil {
		fmt.Fprintf(stderr, "invalid MODELRELAY_METRICS: %v\n", err)
		return 2
	}

	fs := flag.NewFlagSet("modelrelay-server", flag.ContinueOnError)
	fs.SetOutput(stderr)

	showVersion := false
	monitor := false
	pretty := false
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.BoolVar(&monitor, "monitor", false, "print a one-shot fleet status table from a running server's admin API and exit")
	fs.BoolVar(&pretty, "pretty", false, "pretty-print the ready JSON")
	fs.StringVar(&host, "host", host, "bind host for all listeners (env: MODELRELAY_HOST)")
	fs.IntVar(&controlPort, "control-port", controlPort, "client control listener port (env: MODELRELAY_CONTROL_PORT)")
	fs.IntVar(&proxyPort, "proxy-port", proxyPort, "client data dial-back listener port (env: MODELRELAY_PROXY_PORT)")
	fs.IntVar(&publicPort, "public-port", publicPort, "public inference listener port (env: MODELRELAY_PUBLIC_PORT)")
	fs.IntVar(&apiPort, "api-port", apiPort, "admin HTTP API port (env: MODELRELAY_API_PORT)")
	fs.StringVar(&apiKey, "api-key", apiKey, "shared API key required on public requests (env: MODELRELAY_API_KEY)")
	fs.StringVar(&databaseURL, "database-url", databaseURL, "postgres URL for token auth and presence (empty disables) (env: MODELRELAY_DATABASE_URL)")
	fs.StringVar(&presenceUser, "presence-user", presenceUser, "owner id recorded on presence rows (env: MODELRELAY_PRESENCE_USER)")
	fs.DurationVar(&pendingTTL, "pending-ttl", pendingTTL, "how long a parked public connection waits for the client dial-back (env: MODELRELAY_PENDING_TTL)")
	fs.Var(&users, "user", "email:password login accepted on the control channel (repeatable) (env: MODELRELAY_USERS)")
	fs.Var(&allowedOrigins, "allow-origin", "allowed Origin for the admin event stream (repeatable; empty allows all) (env: MODELRELAY_ALLOW_ORIGIN)")
	fs.BoolVar(&metricsOn, "metrics", metricsOn, "serve Prometheus metrics on the admin API (env: MODELRELAY_METRICS)")
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
	if monitor {
		return runMonitor(stdout, stderr, monitorBaseURL(host, apiPort))
	}

	usageErr := func(msg string) int {
		if msg != "" {
			fmt.Fprintln(stderr, msg)
		}
		fs.Usage()
		return 2
	}

	if apiKey == "" {
		return usageErr("missing --api-key")
	}
	if len(users) == 0 {
		users = stringSliceFlag{"test@example.com:123456"}
	}
	creds, err := parseUsers(users)
	if err != nil {
		return usageErr(err.Error())
	}

	slogger := slog.New(slog.NewTextHandler(stderr, nil))

	observer := observability.NewAtomicServerObserver()
	cfg.ControlAddr = net.JoinHostPort(host, strconv.Itoa(controlPort))
	cfg.ProxyAddr = net.JoinHostPort(host, strconv.Itoa(proxyPort))
	cfg.PublicAddr = net.JoinHostPort(host, strconv.Itoa(publicPort))
	cfg.APIKey = apiKey
	cfg.PresenceUserID = presenceUser
	cfg.PendingTTL = pendingTTL
	cfg.Users = server.NewUserStore(creds)
	cfg.Observer = observer
	cfg.Logger = slogger

	if databaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pg, err := postgres.Connect(ctx, databaseURL)
		cancel()
		if err != nil {
			fmt.Fprintf(stderr, "database: %v\n", err)
			return 1
		}
		defer pg.Close()
		cfg.Validator = pg
		cfg.Presence = pg
	} else {
		cfg.Validator = store.Noop
		cfg.Presence = store.Noop
		slogger.Info("no database configured, token logins disabled")
	}

	s, err := server.New(cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer s.Close()

	if err := s.Listen(); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- s.Serve() }()

	mux := http.NewServeMux()
	metricsHandler := newSwitchHandler()
	a, err := admin.New(admin.Config{
		Relay: s,
		Ports: admin.Ports{
			ControlPort: controlPort,
			ProxyPort:   proxyPort,
			PublicPort:  publicPort,
			APIPort:     apiPort,
		},
		MetricsHandler: metricsHandler,
		AllowedOrigins: allowedOrigins,
		Logger:         slogger,
	})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	a.Register(mux)

	metrics := newMetricsController(metricsHandler, observer, s)
	if metricsOn {
		metrics.Enable()
	}

	apiLn, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(apiPort)))
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	apiSrv := newHTTPServer(mux)
	go func() {
		if err := apiSrv.Serve(apiLn); err != nil && err != http.ErrServerClosed {
			logger.Fatal(err)
		}
	}()

	apiAddr := apiLn.Addr().String()
	out := ready{
		Version: version,
		Commit:  commit,
		Date:    date,
		Control: s.ControlAddr().String(),
		Proxy:   s.ProxyAddr().String(),
		Public:  s.PublicAddr().String(),
		APIURL:  "http://" + apiAddr,
	}
	if metricsOn {
		out.MetricsURL = "http://" + apiAddr + "/metrics"
	}
	if err := writeReadyJSON(stdout, out, pretty); err != nil {
		fmt.Fprintln(stderr, err)
	}

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, notifySignals()...)

	for {
		select {
		case err := <-serveErr:
			if err != nil {
				fmt.Fprintln(stderr, err)
				return 1
			}
			return 0
		case got := <-sig:
			if handleSignal(got, logger, metrics) {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = apiSrv.Shutdown(ctx)
			cancel()
			return 0
		}
	}
}

// monitorBaseURL maps a wildcard bind host to loopback so --monitor can dial it.
func monitorBaseURL(host string, apiPort int) string {
	if host == "0.0.0.0" || host == "::" || host == "" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(apiPort))
}

func envString(key string, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func splitCSVEnv(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		v := strings.TrimSpace(p)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

func envBoolWithErr(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, err
	}
	return v, nil
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
