package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultTokenTTL = time.Hour

// SessionConfig carries what Dial needs to open a platform session.
type SessionConfig struct {
	Endpoint string
	// Secret signs the HS256 bearer token. Empty means unauthenticated.
	Secret  string
	Subject string
	TTL     time.Duration
	Now     func() time.Time
}

// Dial initializes a platform session: it sets up a renewing bearer token and
// verifies the endpoint answers and accepts it. Call it once, before building
// anything that talks to the platform.
func Dial(ctx context.Context, cfg SessionConfig) (*Client, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("remote endpoint is required")
	}
	c := NewClient(cfg.Endpoint)
	if cfg.Secret != "" {
		session := NewSession(cfg)
		if _, err := session.Token(); err != nil {
			return nil, err
		}
		c.Tokens = session
	}
	if err := c.Health(ctx); err != nil {
		return nil, fmt.Errorf("remote session init %s: %w", cfg.Endpoint, err)
	}
	return c, nil
}

// Session is a TokenSource that mints a fresh token once the current one is
// within a tenth of its lifetime of expiring.
type Session struct {
	cfg SessionConfig

	mu      sync.Mutex
	token   string
	expires time.Time
}

func NewSession(cfg SessionConfig) *Session {
	return &Session{cfg: cfg}
}

func (s *Session) now() time.Time {
	if s.cfg.Now != nil {
		return s.cfg.Now()
	}
	return time.Now()
}

func (s *Session) ttl() time.Duration {
	if s.cfg.TTL > 0 {
		return s.cfg.TTL
	}
	return defaultTokenTTL
}

// Token returns the current token, renewing it when close to expiry.
func (s *Session) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if s.token != "" && now.Add(s.ttl()/10).Before(s.expires) {
		return s.token, nil
	}
	token, err := MintToken(s.cfg)
	if err != nil {
		return "", err
	}
	s.token = token
	s.expires = now.Add(s.ttl())
	return token, nil
}

// Invalidate forces the next Token call to mint a new token.
func (s *Session) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
}

// MintToken signs a session token for cfg.Subject.
func MintToken(cfg SessionConfig) (string, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return "", errors.New("session secret is required")
	}
	subject := cfg.Subject
	if subject == "" {
		subject = "geemake"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	now := time.Now
	if cfg.Now != nil {
		now = cfg.Now
	}
	issued := now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(issued),
		ExpiresAt: jwt.NewNumericDate(issued.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}
