package session

import (
	"context"
	"testing"
	"time"

	"biblio.org/internal/inventory"
)

func newTestManager(t *testing.T, opts ...Option) (*Manager, *inventory.InMemory) {
	t.Helper()
	store := inventory.NewInMemory()
	hash, err := HashPassword("correct horse")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if err := store.CreateUser(context.Background(), &inventory.User{
		ID: "u1", Username: "alice", PasswordHash: hash, Role: inventory.RoleMember,
	}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	m := NewManager(store, "test-secret", opts...)
	t.Cleanup(m.Close)
	return m, store
}

func TestLoginAndAuthorize(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Login(ctx, "alice", "correct horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if sess.Token == "" {
		t.Fatal("empty token")
	}
	if got := sess.ExpiresAt.Sub(sess.IssuedAt); got != DefaultTTL {
		t.Fatalf("ttl = %v, want %v", got, DefaultTTL)
	}

	id, err := m.Authorize(sess.Token, inventory.RoleMember)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if id.UserID != "u1" || id.Role != inventory.RoleMember {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

// Unknown usernames and wrong passwords must be indistinguishable to the
// caller so the login surface does not leak which accounts exist.
func TestLoginFailuresIndistinguishable(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, errUnknown := m.Login(ctx, "nobody", "whatever")
	_, errWrongPw := m.Login(ctx, "alice", "wrong")

	if errUnknown != ErrInvalidCredentials {
		t.Fatalf("unknown user: got %v", errUnknown)
	}
	if errWrongPw != ErrInvalidCredentials {
		t.Fatalf("wrong password: got %v", errWrongPw)
	}
	if errUnknown.Error() != errWrongPw.Error() {
		t.Fatal("failure messages differ between unknown user and wrong password")
	}
}

func TestLoginDisabledAccount(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()
	if err := store.DisableUser(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Login(ctx, "alice", "correct horse"); err != ErrAccountDisabled {
		t.Fatalf("expected ErrAccountDisabled, got %v", err)
	}
}

func TestAuthorizeRoleGate(t *testing.T) {
	m, _ := newTestManager(t)
	sess, err := m.Login(context.Background(), "alice", "correct horse")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Authorize(sess.Token, inventory.RoleAdmin); err != ErrInsufficientRole {
		t.Fatalf("member must not pass an admin gate, got %v", err)
	}
}

func TestSessionExpiryIsFixedAtIssuance(t *testing.T) {
	now := time.Now()
	clock := now
	m, _ := newTestManager(t, WithTTL(time.Hour), WithClock(func() time.Time { return clock }))

	sess, err := m.Login(context.Background(), "alice", "correct horse")
	if err != nil {
		t.Fatal(err)
	}

	// Activity close to the deadline does not extend it.
	clock = now.Add(59 * time.Minute)
	if _, err := m.Authorize(sess.Token, inventory.RoleMember); err != nil {
		t.Fatalf("Authorize before expiry: %v", err)
	}
	clock = now.Add(61 * time.Minute)
	if _, err := m.Authorize(sess.Token, inventory.RoleMember); err != ErrSessionExpired {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	// The expired session is gone; the next probe reports not-found.
	if _, err := m.Authorize(sess.Token, inventory.RoleMember); err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound after eviction, got %v", err)
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t)
	sess, err := m.Login(context.Background(), "alice", "correct horse")
	if err != nil {
		t.Fatal(err)
	}
	m.Logout(sess.Token)
	m.Logout(sess.Token)
	m.Logout("never-issued")

	if _, err := m.Authorize(sess.Token, inventory.RoleMember); err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

// A well-formed token signed with the right secret is still rejected when the
// session table does not hold it, which is what invalidates everything across
// a restart.
func TestRestartInvalidatesTokens(t *testing.T) {
	m, store := newTestManager(t)
	sess, err := m.Login(context.Background(), "alice", "correct horse")
	if err != nil {
		t.Fatal(err)
	}

	restarted := NewManager(store, "test-secret")
	t.Cleanup(restarted.Close)
	if _, err := restarted.Authorize(sess.Token, inventory.RoleMember); err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound after restart, got %v", err)
	}
}

func TestRevokeDropsAllUserSessions(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	s1, err := m.Login(ctx, "alice", "correct horse")
	if err != nil {
		t.Fatal(err)
	}
	s2, err := m.Login(ctx, "alice", "correct horse")
	if err != nil {
		t.Fatal(err)
	}
	if s1.Token == s2.Token {
		t.Fatal("two logins produced the same token")
	}

	m.Revoke("u1")
	for _, tok := range []string{s1.Token, s2.Token} {
		if _, err := m.Authorize(tok, inventory.RoleMember); err != ErrSessionNotFound {
			t.Fatalf("expected ErrSessionNotFound, got %v", err)
		}
	}
	if m.Active() != 0 {
		t.Fatalf("sessions left after revoke: %d", m.Active())
	}
}

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	if hash == "s3cret" {
		t.Fatal("password stored in the clear")
	}
	if err := VerifyPassword(hash, "s3cret"); err != nil {
		t.Fatalf("VerifyPassword: %v", err)
	}
	if err := VerifyPassword(hash, "wrong"); err == nil {
		t.Fatal("wrong password accepted")
	}
}
