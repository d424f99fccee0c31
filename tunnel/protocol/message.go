// Package protocol defines the framed control-plane messages exchanged
// between the relay server and its tunneling clients.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type discriminates control-plane message variants. It is carried as the
// top-level "type" field; payload fields sit beside it.
type Type string

const (
	TypeLogin            Type = "login"
	TypeLoginByToken     Type = "login_by_token"
	TypeLoginResult      Type = "login_result"
	TypeRegister         Type = "register"
	TypeRegisterResult   Type = "register_result"
	TypeHeartbeat        Type = "heartbeat"
	TypeSystemInfo       Type = "system_info"
	TypeRequestProxyConn Type = "request_proxy_conn"
	TypeNewProxyConn     Type = "new_proxy_conn"
)

// Model describes one entry of a client's advertised model catalog. Only ID
// carries routing semantics; the remaining fields are passed through from the
// local inference daemon's inventory.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// Message is the tagged union carried on every control connection. Fields
// not belonging to the tagged variant are zero and, except for the success
// flag and the models catalog, omitted on the wire.
type Message struct {
	Type Type `json:"type"`

	// login
	Email    string `json:"email,omitempty"`
	Password string `json:"password,omitempty"`

	// login_by_token, and the freshly minted token on login_result
	Token string `json:"token,omitempty"`

	// register
	ClientID string `json:"client_id,omitempty"`

	// login_result, register_result. Success is never omitted so a negative
	// result is explicit on the wire.
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`

	// heartbeat. Nil means "no catalog available this cycle" and encodes as
	// null; a non-nil empty slice means "the daemon reports zero models" and
	// encodes as []. The receiver treats only nil as absent, so an emptied
	// catalog replaces the previous one.
	Models []Model `json:"models"`

	// system_info
	CPUUsage     float64 `json:"cpu_usage,omitempty"`
	MemoryUsage  float64 `json:"memory_usage,omitempty"`
	DiskUsage    float64 `json:"disk_usage,omitempty"`
	ComputerName string  `json:"computer_name,omitempty"`

	// request_proxy_conn, new_proxy_conn
	PairID string `json:"pair_id,omitempty"`
}

// Constraints caps message payload fields to prevent abuse.
type Constraints struct {
	MaxMessageBytes int // Maximum total message JSON bytes.
	MaxClientID     int // Maximum client_id length.
	MaxToken        int // Maximum token length.
	MaxModels       int // Maximum advertised models per heartbeat.
}

// DefaultConstraints returns safe defaults for message validation.
func DefaultConstraints() Constraints {
	return Constraints{
		MaxMessageBytes: DefaultMaxFrameBytes,
		MaxClientID:     256,
		MaxToken:        2048,
		MaxModels:       1024,
	}
}

var (
	ErrInvalidJSON     = errors.New("message invalid json")
	ErrMissingType     = errors.New("message missing type")
	ErrUnknownType     = errors.New("message unknown type")
	ErrMissingClientID = errors.New("message missing client_id")
	ErrInvalidClientID = errors.New("message invalid client_id")
	ErrMissingToken    = errors.New("message missing token")
	ErrInvalidToken    = errors.New("message invalid token")
	ErrMissingPairID   = errors.New("message missing pair_id")
	ErrTooManyModels   = errors.New("message too many models")
)

// Parse validates and parses a control message using DefaultConstraints.
func Parse(b []byte) (*Message, error) {
	return ParseWithConstraints(b, DefaultConstraints())
}

// ParseWithConstraints validates and parses a control message.
//
// Zero-valued fields in c are filled from DefaultConstraints so a partially
// populated value still yields safe limits.
func ParseWithConstraints(b []byte, c Constraints) (*Message, error) {
	def := DefaultConstraints()
	if c.MaxMessageBytes == 0 {
		c.MaxMessageBytes = def.MaxMessageBytes
	}
	if c.MaxClientID == 0 {
		c.MaxClientID = def.MaxClientID
	}
	if c.MaxToken == 0 {
		c.MaxToken = def.MaxToken
	}
	if c.MaxModels == 0 {
		c.MaxModels = def.MaxModels
	}
	if c.MaxMessageBytes > 0 && len(b) > c.MaxMessageBytes {
		return nil, ErrFrameTooLarge
	}
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, ErrInvalidJSON
	}
	if m.Type == "" {
		return nil, ErrMissingType
	}
	switch m.Type {
	case TypeLogin, TypeLoginResult, TypeRegisterResult, TypeHeartbeat, TypeSystemInfo:
		// No required identifier beyond the tag.
	case TypeLoginByToken:
		if m.Token == "" {
			return nil, ErrMissingToken
		}
		if c.MaxToken > 0 && len(m.Token) > c.MaxToken {
			return nil, ErrInvalidToken
		}
	case TypeRegister:
		if m.ClientID == "" {
			return nil, ErrMissingClientID
		}
		if c.MaxClientID > 0 && len(m.ClientID) > c.MaxClientID {
			return nil, fmt.Errorf("client_id too long: %w", ErrInvalidClientID)
		}
	case TypeRequestProxyConn, TypeNewProxyConn:
		if m.PairID == "" {
			return nil, ErrMissingPairID
		}
	default:
		return nil, ErrUnknownType
	}
	if c.MaxModels > 0 && len(m.Models) > c.MaxModels {
		return nil, ErrTooManyModels
	}
	return &m, nil
}
