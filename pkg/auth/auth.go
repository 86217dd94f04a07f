package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/ethpandaops/pagesmith/pkg/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// ErrUnauthorized is returned for missing or unknown tokens.
var ErrUnauthorized = errors.New("unauthorized")

// Admin is an authenticated caller of the admin endpoints.
type Admin struct {
	Name string
}

// Service defines the interface for authenticating admin tokens.
type Service interface {
	// Enabled reports whether any admin is configured. Without admins the
	// admin endpoints are open.
	Enabled() bool
	Authenticate(token string) (*Admin, error)
}

type credential struct {
	name string
	hash []byte
}

// service implements Service.
type service struct {
	log         logrus.FieldLogger
	credentials []credential

	// Verified tokens keyed by their SHA-256, so bcrypt runs once per token.
	mu       sync.RWMutex
	verified map[string]*Admin
}

// Ensure service implements Service.
var _ Service = (*service)(nil)

// NewService creates a new auth service from bcrypt token hashes.
func NewService(log logrus.FieldLogger, cfg config.AuthConfig) (Service, error) {
	s := &service{
		log:         log.WithField("component", "auth"),
		credentials: make([]credential, 0, len(cfg.Admins)),
		verified:    make(map[string]*Admin, len(cfg.Admins)),
	}

	for _, admin := range cfg.Admins {
		if _, err := bcrypt.Cost([]byte(admin.TokenHash)); err != nil {
			return nil, fmt.Errorf("token_hash of admin %s: %w", admin.Name, err)
		}

		s.credentials = append(s.credentials, credential{
			name: admin.Name,
			hash: []byte(admin.TokenHash),
		})
	}

	if len(s.credentials) == 0 {
		s.log.Warn("No admins configured, admin endpoints are unauthenticated")
	}

	return s, nil
}

func (s *service) Enabled() bool {
	return len(s.credentials) > 0
}

// Authenticate returns the admin owning token.
func (s *service) Authenticate(token string) (*Admin, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}

	key := hashToken(token)

	s.mu.RLock()
	admin, ok := s.verified[key]
	s.mu.RUnlock()

	if ok {
		return admin, nil
	}

	for _, c := range s.credentials {
		if bcrypt.CompareHashAndPassword(c.hash, []byte(token)) != nil {
			continue
		}

		admin = &Admin{Name: c.name}

		s.mu.Lock()
		s.verified[key] = admin
		s.mu.Unlock()

		s.log.WithField("admin", c.name).Debug("Admin token verified")

		return admin, nil
	}

	return nil, ErrUnauthorized
}

// hashToken creates a SHA-256 hash of a token.
func hashToken(token string) string {
	hash := sha256.Sum256([]byte(token))

	return hex.EncodeToString(hash[:])
}
