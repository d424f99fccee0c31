// Package observability defines metric observer interfaces for the relay
// server, with no-op and runtime-swappable implementations.
package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

type RouteResult string

const (
	RouteResultOK   RouteResult = "ok"
	RouteResultFail RouteResult = "fail"
)

type RouteReason string

const (
	RouteReasonOK            RouteReason = "ok"
	RouteReasonBadRequest    RouteReason = "bad_request"
	RouteReasonMissingAPIKey RouteReason = "missing_api_key"
	RouteReasonInvalidAPIKey RouteReason = "invalid_api_key"
	RouteReasonNoClients     RouteReason = "no_clients"
	RouteReasonWriteFailed   RouteReason = "write_failed"
	RouteReasonPeekError     RouteReason = "peek_error"
)

// Selection distinguishes how the router chose the target client.
type Selection string

const (
	SelectionModelMatch    Selection = "model_match"
	SelectionRandom        Selection = "random"
	SelectionModelFallback Selection = "model_fallback"
)

type SessionClose string

const (
	SessionCloseReadError       SessionClose = "read_error"
	SessionCloseLoginFailed     SessionClose = "login_failed"
	SessionCloseBadHandshake    SessionClose = "bad_handshake"
	SessionCloseRegisterTaken   SessionClose = "register_taken"
	SessionCloseWriteFailed     SessionClose = "write_failed"
	SessionCloseAdminDisconnect SessionClose = "admin_disconnect"
)

type PairOutcome string

const (
	PairOutcomeMatched  PairOutcome = "matched"
	PairOutcomeCleaned  PairOutcome = "cleaned"
	PairOutcomeEvicted  PairOutcome = "evicted"
	PairOutcomeNoMatch  PairOutcome = "no_match"
	PairOutcomeBadFrame PairOutcome = "bad_frame"
)

// ServerObserver receives relay-server metric events.
type ServerObserver interface {
	ClientCount(n int)
	PendingCount(n int)
	PublicConn()
	Route(result RouteResult, reason RouteReason)
	Select(sel Selection)
	Session(close SessionClose)
	Pair(outcome PairOutcome)
	PairLatency(d time.Duration)
}

type noopServerObserver struct{}

func (noopServerObserver) ClientCount(int)                {}
func (noopServerObserver) PendingCount(int)               {}
func (noopServerObserver) PublicConn()                    {}
func (noopServerObserver) Route(RouteResult, RouteReason) {}
func (noopServerObserver) Select(Selection)               {}
func (noopServerObserver) Session(SessionClose)           {}
func (noopServerObserver) Pair(PairOutcome)               {}
func (noopServerObserver) PairLatency(time.Duration)      {}

// NoopServerObserver is a zero-cost observer used when metrics are disabled.
var NoopServerObserver ServerObserver = noopServerObserver{}

// AtomicServerObserver swaps its delegate at runtime, so metrics can be
// enabled and disabled without restarting the listeners.
type AtomicServerObserver struct {
	once sync.Once
	v    atomic.Value
}

type serverObserverHolder struct {
	obs ServerObserver
}

// NewAtomicServerObserver returns an initialized atomic observer.
func NewAtomicServerObserver() *AtomicServerObserver {
	a := &AtomicServerObserver{}
	a.once.Do(func() { a.v.Store(&serverObserverHolder{obs: NoopServerObserver}) })
	return a
}

// Set replaces the delegate, falling back to the no-op observer on nil.
func (a *AtomicServerObserver) Set(obs ServerObserver) {
	if obs == nil {
		obs = NoopServerObserver
	}
	a.once.Do(func() { a.v.Store(&serverObserverHolder{obs: NoopServerObserver}) })
	a.v.Store(&serverObserverHolder{obs: obs})
}

func (a *AtomicServerObserver) load() ServerObserver {
	a.once.Do(func() { a.v.Store(&serverObserverHolder{obs: NoopServerObserver}) })
	return a.v.Load().(*serverObserverHolder).obs
}

func (a *AtomicServerObserver) ClientCount(n int)  { a.load().ClientCount(n) }
func (a *AtomicServerObserver) PendingCount(n int) { a.load().PendingCount(n) }
func (a *AtomicServerObserver) PublicConn()        { a.load().PublicConn() }
func (a *AtomicServerObserver) Route(result RouteResult, reason RouteReason) {
	a.load().Route(result, reason)
}
func (a *AtomicServerObserver) Select(sel Selection)          { a.load().Select(sel) }
func (a *AtomicServerObserver) Session(close SessionClose)    { a.load().Session(close) }
func (a *AtomicServerObserver) Pair(outcome PairOutcome)      { a.load().Pair(outcome) }
func (a *AtomicServerObserver) PairLatency(d time.Duration)   { a.load().PairLatency(d) }
