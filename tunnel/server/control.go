package server

import (
	"context"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/modelrelay/modelrelay/observability"
	"github.com/modelrelay/modelrelay/tunnel/protocol"
	"github.com/modelrelay/modelrelay/tunnel/registry"
)

// handleControl drives one client session through its states: exactly one
// login message, exactly one register message, then a steady read loop of
// heartbeats and system info until the connection dies.
func (s *Server) handleControl(conn net.Conn) {
	defer conn.Close()

	if !s.awaitLogin(conn) {
		return
	}

	id, rec, ok := s.awaitRegister(conn)
	if !ok {
		return
	}
	s.obs.ClientCount(s.registry.Len())
	s.log.Info("client registered", "client_id", id, "remote", conn.RemoteAddr().String())

	s.steady(conn, id, rec)
}

// awaitLogin reads one message and authenticates it. Replies are written
// directly; no registry record exists yet, so there is no writer to contend
// with.
func (s *Server) awaitLogin(conn net.Conn) bool {
	msg, err := protocol.ReadMessageWithConstraints(conn, s.cfg.Constraints)
	if err != nil {
		s.obs.Session(observability.SessionCloseReadError)
		return false
	}
	switch msg.Type {
	case protocol.TypeLogin:
		if !s.users.Check(msg.Email, msg.Password) {
			s.obs.Session(observability.SessionCloseLoginFailed)
			s.log.Warn("password login rejected", "email", msg.Email)
			protocol.WriteMessage(conn, &protocol.Message{
				Type:  protocol.TypeLoginResult,
				Error: "Invalid email or password",
			})
			return false
		}
		token := uuid.NewString()
		s.sessions.Put(token, msg.Email)
		return protocol.WriteMessage(conn, &protocol.Message{
			Type:    protocol.TypeLoginResult,
			Success: true,
			Token:   token,
		}) == nil
	case protocol.TypeLoginByToken:
		if _, ok := s.sessions.Lookup(msg.Token); ok {
			return protocol.WriteMessage(conn, &protocol.Message{
				Type:    protocol.TypeLoginResult,
				Success: true,
			}) == nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StoreTimeout)
		valid, err := s.validator.Validate(ctx, msg.Token)
		cancel()
		if err != nil {
			s.obs.Session(observability.SessionCloseLoginFailed)
			s.log.Error("token validation failed", "err", err)
			protocol.WriteMessage(conn, &protocol.Message{
				Type:  protocol.TypeLoginResult,
				Error: "Database error",
			})
			return false
		}
		if !valid {
			s.obs.Session(observability.SessionCloseLoginFailed)
			s.log.Warn("token login rejected")
			protocol.WriteMessage(conn, &protocol.Message{
				Type:  protocol.TypeLoginResult,
				Error: "Invalid token",
			})
			return false
		}
		return protocol.WriteMessage(conn, &protocol.Message{
			Type:    protocol.TypeLoginResult,
			Success: true,
		}) == nil
	default:
		s.obs.Session(observability.SessionCloseBadHandshake)
		s.log.Warn("expected login, got", "type", string(msg.Type))
		return false
	}
}

// awaitRegister reads one message, expecting Register, and claims the id.
func (s *Server) awaitRegister(conn net.Conn) (string, *registry.Record, bool) {
	msg, err := protocol.ReadMessageWithConstraints(conn, s.cfg.Constraints)
	if err != nil {
		s.obs.Session(observability.SessionCloseReadError)
		return "", nil, false
	}
	if msg.Type != protocol.TypeRegister {
		s.obs.Session(observability.SessionCloseBadHandshake)
		s.log.Warn("expected register, got", "type", string(msg.Type))
		return "", nil, false
	}
	rec := registry.NewRecord(conn, time.Now())
	if !s.registry.Insert(msg.ClientID, rec) {
		s.obs.Session(observability.SessionCloseRegisterTaken)
		s.log.Warn("client id already in use", "client_id", msg.ClientID)
		protocol.WriteMessage(conn, &protocol.Message{
			Type:  protocol.TypeRegisterResult,
			Error: "Client ID already in use",
		})
		return "", nil, false
	}
	if err := rec.Send(&protocol.Message{
		Type:    protocol.TypeRegisterResult,
		Success: true,
	}); err != nil {
		s.registry.Remove(msg.ClientID)
		s.obs.Session(observability.SessionCloseWriteFailed)
		return "", nil, false
	}
	return msg.ClientID, rec, true
}

// steady consumes heartbeats and system info until the read side fails, then
// purges the record and marks the client offline best-effort.
func (s *Server) steady(conn net.Conn, id string, rec *registry.Record) {
	defer func() {
		if s.registry.Remove(id) {
			s.obs.ClientCount(s.registry.Len())
		}
		s.obs.Session(observability.SessionCloseReadError)
		s.markOffline(id)
		s.log.Info("client disconnected", "client_id", id)
	}()

	for {
		msg, err := protocol.ReadMessageWithConstraints(conn, s.cfg.Constraints)
		if err != nil {
			return
		}
		switch msg.Type {
		case protocol.TypeHeartbeat:
			s.registry.UpdateHeartbeat(id, msg.Models, time.Now())
		case protocol.TypeSystemInfo:
			s.registry.UpdateSystemInfo(id, registry.SystemInfo{
				CPUUsage:     msg.CPUUsage,
				MemoryUsage:  msg.MemoryUsage,
				DiskUsage:    msg.DiskUsage,
				ComputerName: msg.ComputerName,
			}, time.Now())
			s.upsertPresence(id, msg.ComputerName)
		default:
			s.log.Warn("unexpected message on control channel",
				"client_id", id, "type", string(msg.Type))
		}
	}
}

func (s *Server) upsertPresence(clientID, computerName string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StoreTimeout)
	defer cancel()
	if err := s.presence.UpsertOnline(ctx, s.cfg.PresenceUserID, clientID, computerName); err != nil {
		s.log.Error("presence upsert failed", "client_id", clientID, "err", err)
	}
}

func (s *Server) markOffline(clientID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StoreTimeout)
	defer cancel()
	if err := s.presence.MarkOffline(ctx, clientID); err != nil {
		s.log.Error("presence offline update failed", "client_id", clientID, "err", err)
	}
}
