// Package client implements the tunneling agent: it holds the control
// connection to the relay, advertises the local model catalog, and dials
// back for every pair request.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/modelrelay/modelrelay/tunnel/protocol"
)

type Config struct {
	ServerAddr  string
	ControlPort int
	ProxyPort   int

	LocalAddr string // local inference daemon
	LocalPort int

	ClientID string

	// Credentials. A persisted token wins; otherwise Email/Password are
	// used when both are set, else the agent prompts on Stdin.
	Email     string
	Password  string
	TokenFile string

	HeartbeatInterval time.Duration
	DialTimeout       time.Duration

	// SysInfo overrides host metric collection.
	SysInfo func() (SystemInfo, error)

	Stdin  io.Reader
	Stdout io.Writer
	Logger *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		ServerAddr:        "127.0.0.1",
		ControlPort:       17000,
		ProxyPort:         17001,
		LocalAddr:         "127.0.0.1",
		LocalPort:         11434,
		TokenFile:         "token.json",
		HeartbeatInterval: 10 * time.Second,
		DialTimeout:       10 * time.Second,
	}
}

var (
	ErrMissingClientID = errors.New("client: client id must be configured")
	ErrLoginFailed     = errors.New("client: login failed")
	ErrRegisterFailed  = errors.New("client: registration failed")
)

type Client struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config) (*Client, error) {
	def := DefaultConfig()
	if cfg.ClientID == "" {
		return nil, ErrMissingClientID
	}
	if cfg.ServerAddr == "" {
		cfg.ServerAddr = def.ServerAddr
	}
	if cfg.ControlPort <= 0 {
		cfg.ControlPort = def.ControlPort
	}
	if cfg.ProxyPort <= 0 {
		cfg.ProxyPort = def.ProxyPort
	}
	if cfg.LocalAddr == "" {
		cfg.LocalAddr = def.LocalAddr
	}
	if cfg.LocalPort <= 0 {
		cfg.LocalPort = def.LocalPort
	}
	if cfg.TokenFile == "" {
		cfg.TokenFile = def.TokenFile
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.SysInfo == nil {
		cfg.SysInfo = CollectSystemInfo
	}
	if cfg.Stdin == nil {
		cfg.Stdin = os.Stdin
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{cfg: cfg, log: cfg.Logger}, nil
}

func (c *Client) controlAddr() string {
	return net.JoinHostPort(c.cfg.ServerAddr, strconv.Itoa(c.cfg.ControlPort))
}

func (c *Client) proxyAddr() string {
	return net.JoinHostPort(c.cfg.ServerAddr, strconv.Itoa(c.cfg.ProxyPort))
}

func (c *Client) localAddr() string {
	return net.JoinHostPort(c.cfg.LocalAddr, strconv.Itoa(c.cfg.LocalPort))
}

// Run connects, authenticates, registers, and serves pair requests until
// the server closes the control channel or ctx is canceled.
func (c *Client) Run(ctx context.Context) error {
	conn, err := net.DialTimeout("tcp", c.controlAddr(), c.cfg.DialTimeout)
	if err != nil {
		return fmt.Errorf("dial control: %w", err)
	}
	defer conn.Close()
	c.log.Info("connected to control port", "addr", c.controlAddr())

	// Unblock the reader when the caller gives up.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := c.login(conn); err != nil {
		return err
	}
	if err := c.register(conn); err != nil {
		return err
	}
	c.log.Info("registered with relay", "client_id", c.cfg.ClientID)

	hbCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.heartbeatLoop(hbCtx, conn)

	for {
		msg, err := protocol.ReadMessage(conn)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				c.log.Info("control connection closed by server, shutting down")
				return nil
			}
			return fmt.Errorf("control read: %w", err)
		}
		switch msg.Type {
		case protocol.TypeRequestProxyConn:
			go c.servePair(msg.PairID)
		default:
			c.log.Warn("unexpected message from server", "type", string(msg.Type))
		}
	}
}

// login sends one authentication message chosen from the persisted token,
// the configured credentials, or an interactive prompt, and waits for the
// result. A freshly minted token is persisted for the next run.
func (c *Client) login(conn net.Conn) error {
	msg := &protocol.Message{Type: protocol.TypeLogin}
	if token, err := LoadToken(c.cfg.TokenFile); err == nil && token != "" {
		msg = &protocol.Message{Type: protocol.TypeLoginByToken, Token: token}
	} else if c.cfg.Email != "" && c.cfg.Password != "" {
		msg.Email = c.cfg.Email
		msg.Password = c.cfg.Password
	} else {
		email, password, err := c.promptCredentials()
		if err != nil {
			return err
		}
		msg.Email = email
		msg.Password = password
	}
	if err := protocol.WriteMessage(conn, msg); err != nil {
		return fmt.Errorf("write login: %w", err)
	}
	res, err := protocol.ReadMessage(conn)
	if err != nil {
		return fmt.Errorf("read login result: %w", err)
	}
	if res.Type != protocol.TypeLoginResult {
		return fmt.Errorf("%w: unexpected %s", ErrLoginFailed, res.Type)
	}
	if !res.Success {
		return fmt.Errorf("%w: %s", ErrLoginFailed, res.Error)
	}
	if res.Token != "" {
		if err := SaveToken(c.cfg.TokenFile, res.Token); err != nil {
			c.log.Warn("could not persist session token", "err", err)
		}
	}
	c.log.Info("logged in")
	return nil
}

func (c *Client) promptCredentials() (string, string, error) {
	r := bufio.NewReader(c.cfg.Stdin)
	fmt.Fprint(c.cfg.Stdout, "Enter email: ")
	email, err := r.ReadString('\n')
	if err != nil {
		return "", "", err
	}
	fmt.Fprint(c.cfg.Stdout, "Enter password: ")
	password, err := r.ReadString('\n')
	if err != nil {
		return "", "", err
	}
	return strings.TrimSpace(email), strings.TrimSpace(password), nil
}

func (c *Client) register(conn net.Conn) error {
	if err := protocol.WriteMessage(conn, &protocol.Message{
		Type:     protocol.TypeRegister,
		ClientID: c.cfg.ClientID,
	}); err != nil {
		return fmt.Errorf("write register: %w", err)
	}
	res, err := protocol.ReadMessage(conn)
	if err != nil {
		return fmt.Errorf("read register result: %w", err)
	}
	if res.Type != protocol.TypeRegisterResult {
		return fmt.Errorf("%w: unexpected %s", ErrRegisterFailed, res.Type)
	}
	if !res.Success {
		return fmt.Errorf("%w: %s", ErrRegisterFailed, res.Error)
	}
	return nil
}

// heartbeatLoop sends Heartbeat then SystemInfo every interval. The control
// connection has a single writer once registration completes, so no locking
// is needed here.
func (c *Client) heartbeatLoop(ctx context.Context, conn net.Conn) {
	t := time.NewTicker(c.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		models, err := c.FetchModels(ctx)
		if err != nil {
			c.log.Warn("could not fetch local model catalog", "err", err)
			models = nil
		} else {
			c.log.Info("fetched local model catalog", "models", len(models))
		}
		if err := protocol.WriteMessage(conn, &protocol.Message{
			Type:   protocol.TypeHeartbeat,
			Models: models,
		}); err != nil {
			c.log.Error("heartbeat write failed", "err", err)
			return
		}
		if sys, err := c.cfg.SysInfo(); err == nil {
			if err := protocol.WriteMessage(conn, &protocol.Message{
				Type:         protocol.TypeSystemInfo,
				CPUUsage:     sys.CPUUsage,
				MemoryUsage:  sys.MemoryUsage,
				DiskUsage:    sys.DiskUsage,
				ComputerName: sys.ComputerName,
			}); err != nil {
				c.log.Error("system info write failed", "err", err)
				return
			}
		} else {
			c.log.Warn("could not collect system info", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// servePair answers one RequestNewProxyConn: dial back to the relay's proxy
// port, name the pair, connect the local service, and join the two streams.
// A failure here is isolated to this pair.
func (c *Client) servePair(pairID string) {
	proxy, err := net.DialTimeout("tcp", c.proxyAddr(), c.cfg.DialTimeout)
	if err != nil {
		c.log.Error("pair dial-back failed", "pair_id", pairID, "err", err)
		return
	}
	if err := protocol.WriteMessage(proxy, &protocol.Message{
		Type:   protocol.TypeNewProxyConn,
		PairID: pairID,
	}); err != nil {
		c.log.Error("pair notify failed", "pair_id", pairID, "err", err)
		proxy.Close()
		return
	}
	local, err := net.DialTimeout("tcp", c.localAddr(), c.cfg.DialTimeout)
	if err != nil {
		c.log.Error("local service dial failed", "pair_id", pairID, "err", err)
		proxy.Close()
		return
	}
	c.log.Info("pair established", "pair_id", pairID)
	joinStreams(proxy, local)
	c.log.Info("pair finished", "pair_id", pairID)
}
