package socks5

import (
	"crypto/subtle"
	"io"

	"golang.org/x/crypto/bcrypt"
)

// AuthTimeout bounds the RFC 1929 sub-negotiation read, in seconds.
const AuthTimeout = 45

// Authenticator handles one SOCKS5 authentication method.
type Authenticator interface {
	// Authenticate performs the method's sub-negotiation and returns the
	// authenticated username, or an error: ErrAuthFailed when the peer is
	// rejected, or the read/write error that cut the exchange short.
	Authenticate(reader io.Reader, writer io.Writer) (string, error)

	// Method returns the authentication method code this authenticator
	// handles (RFC 1928 section 3).
	Method() byte
}

// NoAuthAuthenticator allows connections without authentication.
type NoAuthAuthenticator struct{}

func (a *NoAuthAuthenticator) Authenticate(io.Reader, io.Writer) (string, error) { return "", nil }
func (a *NoAuthAuthenticator) Method() byte                                      { return AuthMethodNoAuth }

// CredentialStore validates a username/password pair.
type CredentialStore interface {
	Valid(username, password string) bool
}

// StaticCredentials is a plaintext username→password map, compared in
// constant time. This is the credential store a single optional static
// username/password pair maps onto directly.
type StaticCredentials map[string]string

// dummyHash is compared against when a username doesn't exist, so a miss
// costs the same bcrypt work as a hit and username enumeration via timing
// is not possible through HashedCredentials.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// Valid reports whether username/password match, in constant time
// regardless of whether username exists.
func (s StaticCredentials) Valid(username, password string) bool {
	stored, ok := s[username]
	if !ok {
		subtle.ConstantTimeCompare([]byte(password), []byte(password))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(password)) == 1
}

// HashedCredentials is a username→bcrypt-hash map, for config-file
// deployments that would rather not store plaintext passwords on disk.
type HashedCredentials map[string]string

// Valid reports whether username/password match the stored bcrypt hash.
func (h HashedCredentials) Valid(username, password string) bool {
	stored, ok := h[username]
	if !ok {
		bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) == nil
}

// HashPassword bcrypt-hashes password for storage in a HashedCredentials map.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(hash), err
}

// UserPassAuthenticator implements RFC 1929 username/password authentication.
type UserPassAuthenticator struct {
	Credentials CredentialStore
}

func NewUserPassAuthenticator(creds CredentialStore) *UserPassAuthenticator {
	return &UserPassAuthenticator{Credentials: creds}
}

func (a *UserPassAuthenticator) Method() byte { return AuthMethodUserPass }

// Authenticate reads one RFC 1929 record and writes the status reply.
func (a *UserPassAuthenticator) Authenticate(reader io.Reader, writer io.Writer) (string, error) {
	user, pass, err := DecodeUserPass(reader)
	if err == ErrBadVersion {
		writer.Write(EncodeUserPassResult(false))
		return "", ErrAuthFailed
	}
	if err != nil {
		return "", err
	}
	if !a.Credentials.Valid(user, pass) {
		writer.Write(EncodeUserPassResult(false))
		return "", ErrAuthFailed
	}
	if _, err := writer.Write(EncodeUserPassResult(true)); err != nil {
		return "", err
	}
	return user, nil
}

// AuthConfig describes which authentication methods a server should offer.
type AuthConfig struct {
	// Required disables NO_AUTH: when true, clients must authenticate.
	Required bool
	// Users is a plaintext username→password map (deprecated in favor of
	// HashedUsers, kept for the single static-credential case).
	Users map[string]string
	// HashedUsers is a username→bcrypt-hash map, preferred when present.
	HashedUsers map[string]string
}

// BuildAuthenticators builds the authenticator list for a server config.
// USERPASS is offered whenever credentials are configured, and NO_AUTH is
// appended only when auth is not required.
func BuildAuthenticators(cfg AuthConfig) []Authenticator {
	var auths []Authenticator

	if len(cfg.HashedUsers) > 0 {
		auths = append(auths, NewUserPassAuthenticator(HashedCredentials(cfg.HashedUsers)))
	} else if len(cfg.Users) > 0 {
		auths = append(auths, NewUserPassAuthenticator(StaticCredentials(cfg.Users)))
	}

	if !cfg.Required {
		auths = append(auths, &NoAuthAuthenticator{})
	}

	if len(auths) == 0 {
		// Auth is required but no credentials are configured: offer
		// USERPASS against an empty store, so every attempt is rejected.
		auths = []Authenticator{NewUserPassAuthenticator(StaticCredentials{})}
	}
	return auths
}
