// Package access is the credential and key-escrow store consulted before a
// recording is encrypted or decrypted. Accounts and escrowed keys live in an
// engine.Store; escrowed keys are sealed at rest under the gate's master key.
package access

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/celerix-dev/celerix-mirror/internal/engine"
	"github.com/celerix-dev/celerix-mirror/internal/vault"
)

const (
	bucketAccount = "account"
	bucketEscrow  = "escrow"
	keyProfile    = "profile"
)

var (
	// ErrUserExists is returned when registering a username that is taken.
	ErrUserExists = errors.New("user already exists")
	// ErrInvalidCredentials is returned for empty usernames or passwords.
	ErrInvalidCredentials = errors.New("username and password are required")
	// ErrNoEscrow is returned when no key is escrowed for a file.
	ErrNoEscrow = errors.New("no escrowed key for file")
)

// Account is the stored profile of an encryption user.
type Account struct {
	PasswordHash string    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

// EscrowRecord holds the sealed encryption key of one container.
type EscrowRecord struct {
	Sealed    string    `json:"sealed"`
	CreatedAt time.Time `json:"created_at"`
}

// Gate authorizes encryption users and escrows per-file keys.
// It is safe for concurrent use.
type Gate struct {
	store      engine.Store
	masterKey  []byte
	logger     *slog.Logger
	now        func() time.Time
	bcryptCost int

	failRate  rate.Limit
	failBurst int
	mu        sync.Mutex
	failures  map[string]*rate.Limiter
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the gate's logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithClock overrides the time source used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithBcryptCost sets the password hashing cost.
func WithBcryptCost(cost int) Option {
	return func(g *Gate) { g.bcryptCost = cost }
}

// WithFailureLimit allows burst failed logins per user, refilled at perSecond.
// Once exhausted, Authorize refuses the user without checking the password.
func WithFailureLimit(perSecond float64, burst int) Option {
	return func(g *Gate) {
		g.failRate = rate.Limit(perSecond)
		g.failBurst = burst
	}
}

// New returns a gate over store. masterKey must be 32 bytes (see vault.MasterKey).
func New(store engine.Store, masterKey []byte, opts ...Option) (*Gate, error) {
	if store == nil {
		return nil, errors.New("access: store is required")
	}
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("access: master key must be 32 bytes, got %d", len(masterKey))
	}
	g := &Gate{
		store:      store,
		masterKey:  masterKey,
		logger:     slog.Default(),
		now:        time.Now,
		bcryptCost: bcrypt.DefaultCost,
		failRate:   rate.Every(time.Minute / 5),
		failBurst:  5,
		failures:   make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Register creates an encryption user.
func (g *Gate) Register(username, password string) error {
	if username == "" || password == "" {
		return ErrInvalidCredentials
	}
	if _, err := g.account(username); err == nil {
		return ErrUserExists
	} else if !isNotFound(err) {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), g.bcryptCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	acct := Account{PasswordHash: string(hash), CreatedAt: g.now().UTC()}
	if err := g.store.Set(username, bucketAccount, keyProfile, acct); err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	g.logger.Info("encryption user registered", "user", username)
	return nil
}

// Authorize reports whether the credentials belong to a registered
// encryption user.
func (g *Gate) Authorize(username, password string) bool {
	limiter := g.failureLimiter(username)
	if limiter.Tokens() < 1 {
		g.logger.Warn("authorization throttled", "user", username)
		return false
	}

	acct, err := g.account(username)
	if err == nil && bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password)) == nil {
		return true
	}
	if err != nil && !isNotFound(err) {
		g.logger.Error("load account", "user", username, "error", err)
	}
	limiter.Allow()
	g.logger.Warn("authorization failed", "user", username)
	return false
}

// Escrow seals secret and stores it as the key of fileID for username.
// Only registered users can escrow.
func (g *Gate) Escrow(username, fileID, secret string) bool {
	if _, err := g.account(username); err != nil {
		g.logger.Warn("escrow refused", "user", username, "file_id", fileID, "error", err)
		return false
	}
	sealed, err := vault.Encrypt([]byte(secret), g.masterKey)
	if err != nil {
		g.logger.Error("seal escrow", "user", username, "file_id", fileID, "error", err)
		return false
	}
	rec := EscrowRecord{Sealed: sealed, CreatedAt: g.now().UTC()}
	if err := g.store.Set(username, bucketEscrow, fileID, rec); err != nil {
		g.logger.Error("save escrow", "user", username, "file_id", fileID, "error", err)
		return false
	}
	g.logger.Debug("key escrowed", "user", username, "file_id", fileID)
	return true
}

// Revoke removes the escrow record of fileID for username. Removing a record
// that does not exist succeeds.
func (g *Gate) Revoke(username, fileID string) bool {
	if err := g.store.Delete(username, bucketEscrow, fileID); err != nil && !isNotFound(err) {
		g.logger.Error("revoke escrow", "user", username, "file_id", fileID, "error", err)
		return false
	}
	g.logger.Debug("escrow revoked", "user", username, "file_id", fileID)
	return true
}

// HasAccess reports whether username is a registered user holding an
// escrowed key for fileID.
func (g *Gate) HasAccess(username, fileID string) bool {
	if _, err := g.account(username); err != nil {
		return false
	}
	_, err := engine.GetAs[EscrowRecord](g.store, username, bucketEscrow, fileID)
	return err == nil
}

// Secret unseals the escrowed key for fileID.
func (g *Gate) Secret(username, fileID string) (string, error) {
	rec, err := engine.GetAs[EscrowRecord](g.store, username, bucketEscrow, fileID)
	if err != nil {
		if isNotFound(err) {
			return "", ErrNoEscrow
		}
		return "", err
	}
	plain, err := vault.Decrypt(rec.Sealed, g.masterKey)
	if err != nil {
		return "", fmt.Errorf("unseal escrow %s/%s: %w", username, fileID, err)
	}
	return string(plain), nil
}

// Users lists registered encryption users.
func (g *Gate) Users() ([]string, error) {
	owners, err := g.store.Owners()
	if err != nil {
		return nil, err
	}
	users := make([]string, 0, len(owners))
	for _, owner := range owners {
		if _, err := g.account(owner); err == nil {
			users = append(users, owner)
		}
	}
	return users, nil
}

// Files lists the file ids escrowed for username.
func (g *Gate) Files(username string) (map[string]time.Time, error) {
	data, err := g.store.Bucket(username, bucketEscrow)
	if err != nil {
		if isNotFound(err) {
			return map[string]time.Time{}, nil
		}
		return nil, err
	}
	out := make(map[string]time.Time, len(data))
	for fileID := range data {
		rec, err := engine.GetAs[EscrowRecord](g.store, username, bucketEscrow, fileID)
		if err != nil {
			continue
		}
		out[fileID] = rec.CreatedAt
	}
	return out, nil
}

func (g *Gate) account(username string) (Account, error) {
	return engine.GetAs[Account](g.store, username, bucketAccount, keyProfile)
}

func (g *Gate) failureLimiter(username string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.failures[username]
	if !ok {
		l = rate.NewLimiter(g.failRate, g.failBurst)
		g.failures[username] = l
	}
	return l
}

func isNotFound(err error) bool {
	return errors.Is(err, engine.ErrOwnerNotFound) ||
		errors.Is(err, engine.ErrBucketNotFound) ||
		errors.Is(err, engine.ErrKeyNotFound)
}
