// Package credential implements the Credential Store (C2): an
// encrypt-at-rest OAuth token lifecycle with an LRU memory cache in front of
// a durable repository, single-flight refresh, and best-effort revoke.
package credential

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/ocx/backend/internal/apierr"
	"github.com/ocx/backend/internal/model"
)

// Credentials is the decrypted pair the store hands callers. Plaintext
// never leaves this package's callers' stack frame by contract — nothing
// downstream persists it.
type Credentials struct {
	ConnectionID model.ConnectionID
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
}

// Repository is the durable backing for encrypted credential rows. Rows are
// addressed by (ConnectionID, Kind); at most one row exists per pair.
type Repository interface {
	UpsertCredential(ctx context.Context, row model.EncryptedCredential) error
	GetCredentials(ctx context.Context, connectionID model.ConnectionID) ([]model.EncryptedCredential, error)
	DeleteCredentials(ctx context.Context, connectionID model.ConnectionID) error
}

// Refresher exchanges a refresh token for a new access (and, optionally,
// refresh) token with the issuing platform. Wired per platform through
// Store.RegisterRefresher.
type Refresher interface {
	Refresh(ctx context.Context, conn model.PlatformConnection, refreshToken string) (accessToken string, newRefreshToken string, expiresAt time.Time, err error)
}

// RevokeNotifier best-effort notifies the issuing platform that a
// connection's grant has been revoked. Failures are logged, never fatal.
type RevokeNotifier interface {
	NotifyRevoke(ctx context.Context, conn model.PlatformConnection, refreshToken string) error
}

// ValidationResult is the outcome of Validate.
type ValidationResult struct {
	IsValid        bool
	Scopes         []string
	APITestResults map[string]bool
}

// cacheEntry is what the LRU actually stores: the decrypted pair plus the
// connection metadata needed to decide refresh eligibility without a
// roundtrip to the connection repository.
type cacheEntry struct {
	creds Credentials
	conn  model.PlatformConnection
}

// Store is the C2 Credential Store.
type Store struct {
	repo     Repository
	cipher   *cipherSuite
	cache    *lru.Cache[model.ConnectionID, cacheEntry]
	sf       singleflight.Group
	refresh  map[model.Platform]Refresher
	notifiers map[model.Platform]RevokeNotifier

	// refreshSkew is how far ahead of ExpiresAt refreshIfNeeded triggers
	// (spec §4.2: "ExpiresAt - now < 5 min").
	refreshSkew time.Duration
}

// Config bundles the Store's construction parameters.
type Config struct {
	MasterSecret string
	ActiveKeyID  string
	// PriorKeyIDs lists key ids used by any row still at rest under an
	// older rotation; decrypt consults these in addition to ActiveKeyID.
	PriorKeyIDs []string
	CacheSize   int
	RefreshSkew time.Duration
}

func New(repo Repository, cfg Config) (*Store, error) {
	if cfg.CacheSize == 0 {
		cfg.CacheSize = 2048
	}
	if cfg.RefreshSkew == 0 {
		cfg.RefreshSkew = 5 * time.Minute
	}

	keyIDs := append([]string{cfg.ActiveKeyID}, cfg.PriorKeyIDs...)
	cs, err := newCipherSuite(cfg.MasterSecret, keyIDs...)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindFatal, "init credential cipher", err)
	}

	cache, err := lru.New[model.ConnectionID, cacheEntry](cfg.CacheSize)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindFatal, "init credential cache", err)
	}

	return &Store{
		repo:        repo,
		cipher:      cs,
		cache:       cache,
		refresh:     make(map[model.Platform]Refresher),
		notifiers:   make(map[model.Platform]RevokeNotifier),
		refreshSkew: cfg.RefreshSkew,
	}, nil
}

// RegisterRefresher wires a platform's token-refresh implementation.
func (s *Store) RegisterRefresher(p model.Platform, r Refresher) { s.refresh[p] = r }

// RegisterRevokeNotifier wires a platform's best-effort revoke callback.
func (s *Store) RegisterRevokeNotifier(p model.Platform, n RevokeNotifier) { s.notifiers[p] = n }

// StoreCredentials encrypts creds and writes durable-then-cache,
// atomically from the caller's point of view: a cache write failure is
// logged but does not fail the call, since durable is authoritative.
func (s *Store) StoreCredentials(ctx context.Context, conn model.PlatformConnection, creds Credentials) error {
	rows, err := s.encryptRows(conn.ConnectionID, creds)
	if err != nil {
		return apierr.Wrap(apierr.KindFatal, "encrypt credentials", err)
	}
	for _, row := range rows {
		if err := s.repo.UpsertCredential(ctx, row); err != nil {
			return apierr.Wrap(apierr.KindTransient, "persist credential", err)
		}
	}
	s.cache.Add(conn.ConnectionID, cacheEntry{creds: creds, conn: conn})
	return nil
}

func (s *Store) encryptRows(connID model.ConnectionID, creds Credentials) ([]model.EncryptedCredential, error) {
	var rows []model.EncryptedCredential

	access, keyID, err := s.cipher.seal([]byte(creds.AccessToken))
	if err != nil {
		return nil, err
	}
	rows = append(rows, model.EncryptedCredential{
		ConnectionID: connID, Kind: model.CredentialAccessToken, Ciphertext: access, KeyID: keyID, ExpiresAt: creds.ExpiresAt,
	})

	if creds.RefreshToken != "" {
		refresh, keyID, err := s.cipher.seal([]byte(creds.RefreshToken))
		if err != nil {
			return nil, err
		}
		rows = append(rows, model.EncryptedCredential{
			ConnectionID: connID, Kind: model.CredentialRefreshToken, Ciphertext: refresh, KeyID: keyID,
		})
	}

	return rows, nil
}

// Get returns a connection's decrypted credentials, consulting the cache
// first and hydrating it from durable storage on a miss.
func (s *Store) Get(ctx context.Context, connID model.ConnectionID) (Credentials, bool, error) {
	if entry, ok := s.cache.Get(connID); ok {
		return entry.creds, true, nil
	}

	rows, err := s.repo.GetCredentials(ctx, connID)
	if err != nil {
		return Credentials{}, false, apierr.Wrap(apierr.KindTransient, "load credentials", err)
	}
	if len(rows) == 0 {
		return Credentials{}, false, nil
	}

	creds, err := s.decryptRows(connID, rows)
	if err != nil {
		return Credentials{}, false, apierr.Wrap(apierr.KindFatal, "decrypt credentials", err)
	}

	s.cache.Add(connID, cacheEntry{creds: creds})
	return creds, true, nil
}

func (s *Store) decryptRows(connID model.ConnectionID, rows []model.EncryptedCredential) (Credentials, error) {
	creds := Credentials{ConnectionID: connID}
	for _, row := range rows {
		plaintext, err := s.cipher.open(row.Ciphertext, row.KeyID)
		if err != nil {
			return Credentials{}, err
		}
		switch row.Kind {
		case model.CredentialAccessToken:
			creds.AccessToken = string(plaintext)
			creds.ExpiresAt = row.ExpiresAt
		case model.CredentialRefreshToken:
			creds.RefreshToken = string(plaintext)
		}
	}
	return creds, nil
}

// RefreshIfNeeded refreshes a connection's access token when it expires
// within refreshSkew, rotating the refresh token too if the issuer returns
// one. At most one refresh is inflight per ConnectionID at a time;
// concurrent callers all observe the one refreshed credential (spec §4.2
// invariant), enforced via singleflight keyed on the connection id.
func (s *Store) RefreshIfNeeded(ctx context.Context, conn model.PlatformConnection) (bool, error) {
	creds, ok, err := s.Get(ctx, conn.ConnectionID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, apierr.New(apierr.KindNotFound, "no credentials for connection")
	}
	if creds.ExpiresAt == nil || time.Until(*creds.ExpiresAt) >= s.refreshSkew {
		return false, nil
	}

	refresher, ok := s.refresh[conn.Platform]
	if !ok {
		return false, apierr.New(apierr.KindFatal, "no refresher registered for platform "+string(conn.Platform))
	}

	key := string(conn.ConnectionID)
	_, err, _ = s.sf.Do(key, func() (any, error) {
		access, newRefresh, expiresAt, err := refresher.Refresh(ctx, conn, creds.RefreshToken)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindAuth, "refresh token", err)
		}
		next := Credentials{
			ConnectionID: conn.ConnectionID,
			AccessToken:  access,
			RefreshToken: creds.RefreshToken,
			ExpiresAt:    &expiresAt,
		}
		if newRefresh != "" {
			next.RefreshToken = newRefresh
		}
		return nil, s.StoreCredentials(ctx, conn, next)
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// Revoke deletes every credential row for a connection, drops the cache
// entry, and best-effort notifies the platform.
func (s *Store) Revoke(ctx context.Context, conn model.PlatformConnection) error {
	creds, _, _ := s.Get(ctx, conn.ConnectionID)

	if err := s.repo.DeleteCredentials(ctx, conn.ConnectionID); err != nil {
		return apierr.Wrap(apierr.KindTransient, "delete credentials", err)
	}
	s.cache.Remove(conn.ConnectionID)

	if notifier, ok := s.notifiers[conn.Platform]; ok {
		_ = notifier.NotifyRevoke(ctx, conn, creds.RefreshToken)
	}
	return nil
}

// Validate reports whether a connection's credentials are currently usable.
// Scope/health checks beyond "credentials present and unexpired" are the
// caller's (internal/connector's) responsibility; Validate here only
// certifies the store's half of the contract.
func (s *Store) Validate(ctx context.Context, connID model.ConnectionID) (ValidationResult, error) {
	creds, ok, err := s.Get(ctx, connID)
	if err != nil {
		return ValidationResult{}, err
	}
	if !ok {
		return ValidationResult{IsValid: false}, nil
	}
	expired := creds.ExpiresAt != nil && creds.ExpiresAt.Before(time.Now())
	return ValidationResult{IsValid: !expired}, nil
}
