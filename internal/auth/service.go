package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/destekhq/destek-server/internal/kv"
	"github.com/destekhq/destek-server/internal/logger"
	"github.com/destekhq/destek-server/internal/ratelimit"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrLoginBlocked rejects logins from an IP that exhausted its attempts.
	ErrLoginBlocked = errors.New("too many failed login attempts")
	// ErrInvalidRefresh covers unknown, expired and revoked refresh tokens.
	ErrInvalidRefresh = errors.New("invalid refresh token")
)

// dummyHash is compared when the username is unknown so lookup misses cost
// the same as a wrong password. bcrypt hash of a random throwaway string.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// TokenPair is the result of a successful login or refresh.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// Identity is the authenticated principal returned by Me.
type Identity struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// refreshRecord is the KV value at auth:refresh:<token>. UsedAt flips from
// nil to a timestamp exactly once; a second flip attempt is reuse.
type refreshRecord struct {
	UserID   string     `json:"user_id"`
	Username string     `json:"username"`
	FamilyID string     `json:"family_id"`
	IssuedAt time.Time  `json:"issued_at"`
	UsedAt   *time.Time `json:"used_at,omitempty"`
}

// Service implements login, refresh rotation, logout and identity lookup.
// Refresh tokens are single use and chained into families: consuming a token
// issues its successor in the same family, and reuse of a consumed token
// revokes the whole family.
type Service struct {
	store        kv.Store
	directory    UserDirectory
	validator    TokenValidator
	minter       *LocalValidator
	loginLimiter *ratelimit.Limiter
	logger       *logger.Logger

	refreshTTL time.Duration
	blockTTL   time.Duration
}

// ServiceConfig wires the auth service dependencies.
type ServiceConfig struct {
	Store        kv.Store
	Directory    UserDirectory
	Validator    TokenValidator
	Minter       *LocalValidator
	LoginLimiter *ratelimit.Limiter
	RefreshTTL   time.Duration
	BlockTTL     time.Duration
	Logger       *logger.Logger
}

// NewService creates the auth service.
func NewService(cfg ServiceConfig) *Service {
	return &Service{
		store:        cfg.Store,
		directory:    cfg.Directory,
		validator:    cfg.Validator,
		minter:       cfg.Minter,
		loginLimiter: cfg.LoginLimiter,
		logger:       cfg.Logger.WithComponent("auth"),
		refreshTTL:   cfg.RefreshTTL,
		blockTTL:     cfg.BlockTTL,
	}
}

// Login authenticates a username/password pair from the given client IP.
func (s *Service) Login(ctx context.Context, username, password, ip string) (*TokenPair, error) {
	if err := ValidateCredentials(username, password); err != nil {
		return nil, err
	}

	blocked, err := s.isBlocked(ctx, ip)
	if err != nil {
		return nil, err
	}
	if blocked {
		return nil, ErrLoginBlocked
	}

	user, err := s.directory.Lookup(ctx, username)
	if err != nil {
		if !errors.Is(err, ErrUserNotFound) {
			return nil, fmt.Errorf("directory lookup failed: %w", err)
		}
		// Burn the same bcrypt cost as a real comparison.
		_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
		return nil, s.recordFailure(ctx, ip, username)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, s.recordFailure(ctx, ip, username)
	}

	pair, err := s.issuePair(ctx, user.ID, user.Username, uuid.NewString())
	if err != nil {
		return nil, err
	}
	s.logger.Info("login succeeded", slog.String("username", username))
	return pair, nil
}

// Refresh consumes a refresh token and issues the next pair in its family.
// A token presented twice is treated as theft: the entire family is revoked
// and the caller gets ErrInvalidRefresh.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if refreshToken == "" {
		return nil, ErrInvalidRefresh
	}
	key := kv.KeyRefreshPrefix + refreshToken

	raw, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("refresh lookup failed: %w", err)
	}
	if raw == nil {
		return nil, ErrInvalidRefresh
	}

	var rec refreshRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: undecodable record", ErrInvalidRefresh)
	}
	if rec.UsedAt != nil {
		// Already consumed before we even tried. Definite reuse.
		s.revokeFamily(ctx, rec.FamilyID, rec.Username)
		return nil, ErrInvalidRefresh
	}

	now := time.Now().UTC()
	rec.UsedAt = &now
	updated, err := json.Marshal(&rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode refresh record: %w", err)
	}

	swapped, err := s.store.CompareAndSwap(ctx, key, raw, updated, s.refreshTTL)
	if err != nil {
		return nil, fmt.Errorf("refresh rotation failed: %w", err)
	}
	if !swapped {
		// Lost the race to another presentation of the same token.
		s.revokeFamily(ctx, rec.FamilyID, rec.Username)
		return nil, ErrInvalidRefresh
	}

	return s.issuePair(ctx, rec.UserID, rec.Username, rec.FamilyID)
}

// Logout consumes the refresh token and revokes its whole family so no
// outstanding token of this login can be used again.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	raw, err := s.store.Get(ctx, kv.KeyRefreshPrefix+refreshToken)
	if err != nil || raw == nil {
		return err
	}
	var rec refreshRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil
	}
	s.revokeFamily(ctx, rec.FamilyID, rec.Username)
	return nil
}

// Me resolves a validated access token to its identity.
func (s *Service) Me(accessToken string) (*Identity, error) {
	claims, err := s.validator.Validate(accessToken)
	if err != nil {
		return nil, err
	}
	return &Identity{UserID: claims.UserID, Username: claims.Username}, nil
}

// issuePair mints an access token and inserts the next refresh token of the
// given family.
func (s *Service) issuePair(ctx context.Context, userID, username, familyID string) (*TokenPair, error) {
	now := time.Now().UTC()
	access, accessExp, err := s.minter.Mint(userID, username, now)
	if err != nil {
		return nil, err
	}

	refreshToken := uuid.NewString() + uuid.NewString()
	rec := refreshRecord{
		UserID:   userID,
		Username: username,
		FamilyID: familyID,
		IssuedAt: now,
	}
	encoded, err := json.Marshal(&rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode refresh record: %w", err)
	}
	if err := s.store.Set(ctx, kv.KeyRefreshPrefix+refreshToken, encoded, s.refreshTTL); err != nil {
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}
	// Family index so revocation can find every outstanding token.
	if err := s.store.ZAdd(ctx, kv.KeyFamilyPrefix+familyID, float64(now.UnixMilli()), refreshToken, s.refreshTTL); err != nil {
		return nil, fmt.Errorf("failed to index refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refreshToken,
		RefreshExpiresAt: now.Add(s.refreshTTL),
	}, nil
}

// revokeFamily deletes every refresh record indexed under the family.
// Best effort: a partial revocation still invalidates the indexed members
// it reached, and the remainder ages out with its TTL.
func (s *Service) revokeFamily(ctx context.Context, familyID, username string) {
	familyKey := kv.KeyFamilyPrefix + familyID
	members, err := s.store.ZRangeByScore(ctx, familyKey, math.Inf(-1), math.Inf(1))
	if err != nil {
		s.logger.Error("family revocation listing failed",
			slog.String("family_id", familyID), slog.String("error", err.Error()))
		return
	}
	for _, token := range members {
		if err := s.store.Delete(ctx, kv.KeyRefreshPrefix+token); err != nil {
			s.logger.Error("family revocation delete failed",
				slog.String("family_id", familyID), slog.String("error", err.Error()))
		}
	}
	if err := s.store.Delete(ctx, familyKey); err != nil {
		s.logger.Error("family index delete failed",
			slog.String("family_id", familyID), slog.String("error", err.Error()))
	}
	s.logger.Warn("refresh token family revoked",
		slog.String("username", username),
		slog.String("family_id", familyID),
		slog.Int("tokens", len(members)))
}

func (s *Service) isBlocked(ctx context.Context, ip string) (bool, error) {
	val, err := s.store.Get(ctx, kv.KeyBlockedPrefix+ip)
	if err != nil {
		return false, fmt.Errorf("block check failed: %w", err)
	}
	return val != nil, nil
}

// recordFailure counts one failed attempt against the login window and, when
// the window is exhausted, sets the block key. Always returns the
// credentials error so callers cannot distinguish the failure reason.
func (s *Service) recordFailure(ctx context.Context, ip, username string) error {
	decision, err := s.loginLimiter.Allow(ctx, ip, ratelimit.ClassLogin)
	if err != nil {
		s.logger.Error("login failure counting failed", slog.String("error", err.Error()))
		return ErrInvalidCredentials
	}
	if !decision.Allowed || decision.Used >= decision.Limit {
		// The window is exhausted; block the IP for the full penalty period.
		if err := s.store.Set(ctx, kv.KeyBlockedPrefix+ip, []byte("1"), s.blockTTL); err != nil {
			s.logger.Error("failed to set login block", slog.String("error", err.Error()))
		}
		s.logger.Warn("login blocked after repeated failures",
			slog.String("username", username))
		return ErrLoginBlocked
	}
	s.logger.Info("login failed",
		slog.String("username", username),
		slog.Int("attempts_used", decision.Used))
	return ErrInvalidCredentials
}
