package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/modelrelay/modelrelay/observability"
	"github.com/modelrelay/modelrelay/tunnel/protocol"
)

// handlePublic authenticates and routes one inbound user connection. The
// first packet is read into a buffer, parsed for routing, and replayed to
// the client verbatim once the pair is spliced; the router never consumes
// user bytes beyond that buffered prefix.
func (s *Server) handlePublic(user net.Conn) {
	s.obs.PublicConn()
	atomic.AddInt64(&s.publicTotal, 1)

	user.SetReadDeadline(time.Now().Add(s.cfg.HeadReadTimeout))
	buf := make([]byte, s.cfg.PeekBytes)
	n, err := user.Read(buf)
	user.SetReadDeadline(time.Time{})
	if err != nil || n == 0 {
		s.obs.Route(observability.RouteResultFail, observability.RouteReasonPeekError)
		user.Close()
		return
	}
	head := buf[:n]

	req, bodyFragment, err := parseRequestHead(head)
	if err != nil {
		s.obs.Route(observability.RouteResultFail, observability.RouteReasonBadRequest)
		s.rejectPublic(user, http.StatusBadRequest, "Invalid HTTP request")
		return
	}

	if reason, msg, ok := s.checkAPIKey(req); !ok {
		s.obs.Route(observability.RouteResultFail, reason)
		s.rejectPublic(user, http.StatusUnauthorized, msg)
		return
	}

	id, rec, ok := s.selectClient(req, bodyFragment)
	if !ok {
		s.obs.Route(observability.RouteResultFail, observability.RouteReasonNoClients)
		s.rejectPublic(user, http.StatusServiceUnavailable, "No active clients available")
		return
	}

	pairID := uuid.NewString()
	s.pairs.Insert(pairID, newReplayConn(user, head))
	s.obs.PendingCount(s.pairs.Len())

	if err := rec.Send(&protocol.Message{
		Type:   protocol.TypeRequestProxyConn,
		PairID: pairID,
	}); err != nil {
		if s.registry.Remove(id) {
			s.obs.ClientCount(s.registry.Len())
		}
		s.pairs.Remove(pairID)
		s.obs.PendingCount(s.pairs.Len())
		s.obs.Pair(observability.PairOutcomeCleaned)
		s.obs.Route(observability.RouteResultFail, observability.RouteReasonWriteFailed)
		user.Close()
		s.log.Error("proxy request write failed, client purged",
			"client_id", id, "pair_id", pairID, "err", err)
		return
	}
	s.obs.Route(observability.RouteResultOK, observability.RouteReasonOK)
	s.log.Info("routed public request",
		"client_id", id, "pair_id", pairID,
		"method", req.Method, "path", req.URL.Path)
}

// parseRequestHead parses an HTTP/1.x request head out of the buffered
// first packet. It returns the request and whatever body bytes followed the
// head inside the window; the body may be a fragment.
func parseRequestHead(head []byte) (*http.Request, []byte, error) {
	idx := bytes.Index(head, []byte("\r\n\r\n"))
	if idx < 0 {
		return nil, nil, fmt.Errorf("incomplete request head")
	}
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(head[:idx+4])))
	if err != nil {
		return nil, nil, err
	}
	return req, head[idx+4:], nil
}

// checkAPIKey enforces the Authorization header. Both "Bearer <key>" and a
// bare "<key>" are accepted; the scheme comparison is case-insensitive.
func (s *Server) checkAPIKey(req *http.Request) (observability.RouteReason, string, bool) {
	authz := strings.TrimSpace(req.Header.Get("Authorization"))
	if authz == "" {
		return observability.RouteReasonMissingAPIKey, "Missing API key in Authorization header", false
	}
	token := authz
	if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
		token = strings.TrimSpace(authz[7:])
	}
	if token != s.cfg.APIKey {
		return observability.RouteReasonInvalidAPIKey, "Invalid API key", false
	}
	return "", "", true
}

// selectClient picks the target for a request. Chat-completion posts get
// model-aware selection from the JSON body fragment; anything else, or any
// miss, falls back to a uniformly random registered client.
func (s *Server) selectClient(req *http.Request, bodyFragment []byte) (string, clientSender, bool) {
	if req.Method == http.MethodPost && req.URL.Path == "/v1/chat/completions" {
		var body struct {
			Model string `json:"model"`
		}
		if err := json.Unmarshal(bodyFragment, &body); err != nil || body.Model == "" {
			s.obs.Select(observability.SelectionModelFallback)
			s.log.Warn("could not parse request body for model routing. Falling back to random.")
		} else if id, ok := s.registry.FindByModel(body.Model); ok {
			if rec, ok := s.registry.Get(id); ok {
				s.obs.Select(observability.SelectionModelMatch)
				return id, rec, true
			}
		} else {
			s.obs.Select(observability.SelectionModelFallback)
			s.log.Warn(fmt.Sprintf("No client found for model %s. Falling back to random.", body.Model))
		}
	}
	ids := s.registry.SnapshotIDs()
	if len(ids) == 0 {
		return "", nil, false
	}
	id := ids[rand.Intn(len(ids))]
	rec, ok := s.registry.Get(id)
	if !ok {
		return "", nil, false
	}
	s.obs.Select(observability.SelectionRandom)
	return id, rec, true
}

// clientSender is the slice of a registry record the router needs.
type clientSender interface {
	Send(*protocol.Message) error
}

// rejectPublic writes a synthetic HTTP/1.1 error with the canonical JSON
// envelope body and closes the connection.
func (s *Server) rejectPublic(user net.Conn, status int, message string) {
	defer user.Close()
	body := protocol.ErrorEnvelopeJSON(message)
	resp := fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Type: application/json\r\nContent-Length: %d\r\nConnection: close\r\n\r\n",
		status, http.StatusText(status), len(body))
	user.SetWriteDeadline(time.Now().Add(s.cfg.HeadReadTimeout))
	if _, err := user.Write(append([]byte(resp), body...)); err != nil {
		s.log.Warn("error response write failed", "err", err)
	}
}

// replayConn re-serves an already-read prefix ahead of the underlying
// stream, so the buffered first packet reaches the client unmodified when
// the pair is spliced.
type replayConn struct {
	net.Conn
	prefix []byte
}

func newReplayConn(c net.Conn, prefix []byte) *replayConn {
	p := make([]byte, len(prefix))
	copy(p, prefix)
	return &replayConn{Conn: c, prefix: p}
}

func (c *replayConn) Read(p []byte) (int, error) {
	if len(c.prefix) > 0 {
		n := copy(p, c.prefix)
		c.prefix = c.prefix[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}

// CloseWrite forwards TCP half-close when the wrapped connection supports
// it, which the splice relies on.
func (c *replayConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}
