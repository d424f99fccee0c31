package server

import "sync"

// UserStore is the in-memory credential table consulted on password login.
type UserStore struct {
	mu    sync.Mutex
	users map[string]string // email -> password
}

func NewUserStore(users map[string]string) *UserStore {
	u := &UserStore{users: make(map[string]string, len(users))}
	for email, pw := range users {
		u.users[email] = pw
	}
	return u
}

func (u *UserStore) Add(email, password string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.users[email] = password
}

func (u *UserStore) Check(email, password string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	pw, ok := u.users[email]
	return ok && pw == password
}

func (u *UserStore) Emails() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]string, 0, len(u.users))
	for email := range u.users {
		out = append(out, email)
	}
	return out
}

// SessionTokens holds tokens minted on password login. Tokens live for the
// process lifetime; durable tokens belong to the external store.
type SessionTokens struct {
	mu     sync.Mutex
	tokens map[string]string // token -> email
}

func NewSessionTokens() *SessionTokens {
	return &SessionTokens{tokens: make(map[string]string)}
}

func (s *SessionTokens) Put(token, email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = email
}

func (s *SessionTokens) Lookup(token string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	email, ok := s.tokens[token]
	return email, ok
}

func (s *SessionTokens) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

// Snapshot returns token -> email pairs for the admin surface.
func (s *SessionTokens) Snapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.tokens))
	for t, e := range s.tokens {
		out[t] = e
	}
	return out
}
