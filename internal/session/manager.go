// Package session owns login, logout and authorization. Sessions are held
// only in memory: restarting the server invalidates every token and all
// clients must authenticate again.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"biblio.org/internal/inventory"
)

// DefaultTTL matches the original deployment's one-hour token expiry.
const DefaultTTL = time.Hour

const issuer = "biblio"

var (
	// ErrInvalidCredentials deliberately covers both unknown usernames and
	// wrong passwords so the response does not enable user enumeration.
	ErrInvalidCredentials = errors.New("session: invalid credentials")
	ErrAccountDisabled    = errors.New("session: account disabled")
	ErrSessionExpired     = errors.New("session: expired")
	ErrSessionNotFound    = errors.New("session: not found")
	ErrInsufficientRole   = errors.New("session: insufficient role")
)

// Session is one issued token. Expiry is fixed at issuance, not sliding.
type Session struct {
	Token     string         `json:"token"`
	UserID    string         `json:"user_id"`
	Username  string         `json:"username"`
	Role      inventory.Role `json:"role"`
	IssuedAt  time.Time      `json:"issued_at"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// Identity is the authenticated caller handed to request handlers.
type Identity struct {
	UserID   string
	Username string
	Role     inventory.Role
}

// Manager verifies credentials and tracks active sessions. The session table
// is authoritative: a token absent from it is rejected even when its
// signature would verify, which is what makes a restart revoke everything.
type Manager struct {
	store  inventory.Store
	secret []byte
	ttl    time.Duration
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]Session

	sweepStop chan struct{}
	sweepOnce sync.Once
}

// Option configures Manager behavior.
type Option func(*Manager)

// WithTTL overrides the session time-to-live.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewManager constructs a Manager signing tokens with the given secret.
func NewManager(store inventory.Store, secret string, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		secret:    []byte(secret),
		ttl:       DefaultTTL,
		now:       time.Now,
		sessions:  make(map[string]Session),
		sweepStop: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.sweep()
	return m
}

// dummyHash absorbs a bcrypt comparison when the username does not resolve,
// so unknown-user and wrong-password failures take comparable time.
var dummyHash = mustHash("biblio-timing-pad")

func mustHash(s string) string {
	h, err := HashPassword(s)
	if err != nil {
		panic(err)
	}
	return h
}

// Login verifies credentials and issues a fresh session.
func (m *Manager) Login(ctx context.Context, username, password string) (Session, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return Session{}, ErrInvalidCredentials
	}
	user, err := m.store.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, inventory.ErrNotFound) {
			_ = VerifyPassword(dummyHash, password)
			return Session{}, ErrInvalidCredentials
		}
		return Session{}, err
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return Session{}, ErrInvalidCredentials
	}
	if user.Disabled {
		return Session{}, ErrAccountDisabled
	}

	now := m.now().UTC()
	expires := now.Add(m.ttl)
	token, err := m.mintToken(user, now, expires)
	if err != nil {
		return Session{}, err
	}
	sess := Session{
		Token:     token,
		UserID:    user.ID,
		Username:  user.Username,
		Role:      user.Role,
		IssuedAt:  now,
		ExpiresAt: expires,
	}
	m.mu.Lock()
	m.sessions[token] = sess
	m.mu.Unlock()
	return sess, nil
}

// Authorize resolves a token to an identity and checks the required role.
// Admin satisfies every requirement; member satisfies only member-level ones.
func (m *Manager) Authorize(token string, required inventory.Role) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrSessionNotFound
	}
	m.mu.RLock()
	sess, ok := m.sessions[token]
	m.mu.RUnlock()
	if !ok {
		return Identity{}, ErrSessionNotFound
	}
	if m.now().After(sess.ExpiresAt) {
		m.mu.Lock()
		delete(m.sessions, token)
		m.mu.Unlock()
		return Identity{}, ErrSessionExpired
	}
	if !sess.Role.Satisfies(required) {
		return Identity{}, ErrInsufficientRole
	}
	return Identity{UserID: sess.UserID, Username: sess.Username, Role: sess.Role}, nil
}

// Logout removes a session. Removing an absent token is not an error.
func (m *Manager) Logout(token string) {
	m.mu.Lock()
	delete(m.sessions, token)
	m.mu.Unlock()
}

// Revoke removes every session belonging to userID, e.g. after the account
// was disabled by an admin.
func (m *Manager) Revoke(userID string) {
	m.mu.Lock()
	for tok, sess := range m.sessions {
		if sess.UserID == userID {
			delete(m.sessions, tok)
		}
	}
	m.mu.Unlock()
}

// Active reports the number of live sessions.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close stops the background sweeper and clears the table.
func (m *Manager) Close() {
	m.sweepOnce.Do(func() { close(m.sweepStop) })
	m.mu.Lock()
	m.sessions = make(map[string]Session)
	m.mu.Unlock()
}

// mintToken signs an HS256 JWT carrying the identity snapshot. The token is
// the wire format only; validity is decided by the session table.
func (m *Manager) mintToken(user inventory.User, now, expires time.Time) (string, error) {
	claims := jwt.MapClaims{
		"iss":  issuer,
		"sub":  user.ID,
		"role": string(user.Role),
		"jti":  uuid.NewString(),
		"iat":  jwt.NewNumericDate(now),
		"exp":  jwt.NewNumericDate(expires),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

func (m *Manager) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.sweepStop:
			return
		case <-ticker.C:
			now := m.now()
			m.mu.Lock()
			for tok, sess := range m.sessions {
				if now.After(sess.ExpiresAt) {
					delete(m.sessions, tok)
				}
			}
			m.mu.Unlock()
		}
	}
}
