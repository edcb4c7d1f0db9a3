// Package auth implements the operator-facing authentication surfaces of
// spec.md §4.7, C7: cookie-backed sessions for the admin UI, bcrypt
// password verification, and the rotating internal API key used between
// the dispatcher and the node's own privileged endpoints.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/sessions"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/crypto/bcrypt"

	"github.com/truthgate/gateway/internal/domain"
)

var log = logging.Logger("truthgate/auth")

const (
	sessionCookieName = "truthgate_session"
	sessionUserKey     = "user"
	sessionExpiresKey  = "expiresUtc"
	slidingWindow      = 8 * time.Hour
)

// Sessions wraps a gorilla/sessions cookie store configured per spec.md
// §4.7: secure, HttpOnly, SameSite=None (the admin UI may be embedded
// cross-site behind the gateway's own domain), sliding 8h expiry.
type Sessions struct {
	store *sessions.CookieStore
}

// NewSessions builds a Sessions using hashKey/blockKey as the cookie
// store's authentication/encryption keys (operator-supplied, rotated out
// of band — spec.md §1 Out of scope for key management).
func NewSessions(hashKey, blockKey []byte) *Sessions {
	s := sessions.NewCookieStore(hashKey, blockKey)
	s.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(slidingWindow.Seconds()),
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteNoneMode,
	}
	return &Sessions{store: s}
}

// Login establishes a new session for username and writes the Set-Cookie
// response header.
func (s *Sessions) Login(w http.ResponseWriter, r *http.Request, username string) error {
	sess, _ := s.store.New(r, sessionCookieName)
	sess.Values[sessionUserKey] = username
	sess.Values[sessionExpiresKey] = time.Now().Add(slidingWindow).UTC().Format(time.RFC3339)
	return sess.Save(r, w)
}

// Logout invalidates the current session cookie.
func (s *Sessions) Logout(w http.ResponseWriter, r *http.Request) error {
	sess, _ := s.store.Get(r, sessionCookieName)
	sess.Options.MaxAge = -1
	return sess.Save(r, w)
}

// CurrentUser returns the authenticated username, refreshing the sliding
// expiry on every successful check (spec.md §4.7: "a valid session
// refreshes its own expiry on use").
func (s *Sessions) CurrentUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	sess, err := s.store.Get(r, sessionCookieName)
	if err != nil {
		return "", false
	}
	username, ok := sess.Values[sessionUserKey].(string)
	if !ok || username == "" {
		return "", false
	}
	expiresRaw, ok := sess.Values[sessionExpiresKey].(string)
	if ok {
		if expires, err := time.Parse(time.RFC3339, expiresRaw); err == nil && time.Now().After(expires) {
			return "", false
		}
	}
	sess.Values[sessionExpiresKey] = time.Now().Add(slidingWindow).UTC().Format(time.RFC3339)
	if err := sess.Save(r, w); err != nil {
		log.Debugw("session refresh save failed", "err", err)
	}
	return username, true
}

// VerifyPassword checks password against the bcrypt hash stored for
// username, in constant time regardless of whether username exists
// (spec.md §4.7: login failures must not disclose account existence).
func VerifyPassword(users []domain.LocalUser, username, password string) bool {
	var hash string
	matched := false
	for _, u := range users {
		if u.Username == username {
			hash = u.PasswordHash
			matched = true
		}
	}
	if !matched {
		// compare against a fixed dummy hash so the bcrypt cost is paid
		// whether or not the account exists.
		hash = "$2a$10$CwTycUXWue0Thq9StjUM0uJ8l.qXn9u98HyNp4V3XI9IqAFiX6N3a"
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return matched && err == nil
}

// HashPassword bcrypt-hashes a new operator password for storage.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(b), err
}

// VerifyAdminKey checks a presented raw admin API key against the
// configured set of bcrypt-hashed keys (spec.md §4.5.1). Every hash is
// checked regardless of an early match, so response timing does not leak
// which key index matched.
func VerifyAdminKey(keys []domain.HashedAdminKey, presented string) bool {
	if presented == "" {
		return false
	}
	found := false
	for _, k := range keys {
		if bcrypt.CompareHashAndPassword([]byte(k.Hash), []byte(presented)) == nil {
			found = true
		}
	}
	return found
}

// RotatingKey is the internal API key shared between the gateway and the
// node's privileged endpoints, rotated on a fixed interval (spec.md
// §4.7): 32 random bytes, base64url-unpadded, regenerated every 30 days.
type RotatingKey struct {
	mu         sync.RWMutex
	current    string
	previous    string
	generatedAt time.Time
	interval    time.Duration
}

// NewRotatingKey creates a key, generating its first value immediately.
func NewRotatingKey(interval time.Duration) (*RotatingKey, error) {
	if interval <= 0 {
		interval = 30 * 24 * time.Hour
	}
	k := &RotatingKey{interval: interval}
	if err := k.rotate(); err != nil {
		return nil, err
	}
	return k, nil
}

func generateKeyValue() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func (k *RotatingKey) rotate() error {
	value, err := generateKeyValue()
	if err != nil {
		return err
	}
	k.mu.Lock()
	k.previous = k.current
	k.current = value
	k.generatedAt = time.Now()
	k.mu.Unlock()
	return nil
}

// Current returns the active key value.
func (k *RotatingKey) Current() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.current
}

// Valid accepts either the current or the immediately-previous key value,
// so an in-flight request started just before a rotation still succeeds
// (spec.md §4.7's grace-window requirement).
func (k *RotatingKey) Valid(presented string) bool {
	if presented == "" {
		return false
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	return presented == k.current || (k.previous != "" && presented == k.previous)
}

// MaybeRotate rotates the key if interval has elapsed since the last
// rotation; cmd/truthgated polls it hourly.
func (k *RotatingKey) MaybeRotate() error {
	k.mu.RLock()
	due := time.Since(k.generatedAt) >= k.interval
	k.mu.RUnlock()
	if !due {
		return nil
	}
	return k.rotate()
}
