package server

import (
	"net"
	"time"

	"github.com/modelrelay/modelrelay/observability"
	"github.com/modelrelay/modelrelay/tunnel/protocol"
)

// handleProxy matches one client dial-back to its pending user stream. The
// connection must open with a single new_proxy_conn frame naming the pair.
func (s *Server) handleProxy(conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(s.cfg.HeadReadTimeout))
	msg, err := protocol.ReadMessageWithConstraints(conn, s.cfg.Constraints)
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		s.obs.Pair(observability.PairOutcomeBadFrame)
		s.log.Error("proxy connection opened with bad frame", "err", err)
		conn.Close()
		return
	}
	if msg.Type != protocol.TypeNewProxyConn {
		s.obs.Pair(observability.PairOutcomeBadFrame)
		s.log.Error("expected new_proxy_conn", "type", string(msg.Type))
		conn.Close()
		return
	}

	user, parkedAt, ok := s.pairs.Take(msg.PairID)
	s.obs.PendingCount(s.pairs.Len())
	if !ok {
		s.obs.Pair(observability.PairOutcomeNoMatch)
		s.log.Warn("no pending pair for proxy connection", "pair_id", msg.PairID)
		conn.Close()
		return
	}
	s.obs.Pair(observability.PairOutcomeMatched)
	s.obs.PairLatency(time.Since(parkedAt))
	s.log.Info("pair matched", "pair_id", msg.PairID)

	splice(user, conn)
}
