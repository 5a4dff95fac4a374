// Package auth resolves dispatcher RPC callers to an AuthContext and
// enforces the account/strategy/admin permission rules of SPEC_FULL.md
// §4.3/§6/§7. Grounded on original_source/apps/api/app/auth.py's
// validate_api_key flow (sha256 key hash, active user+key lookup,
// auth_tokens fallback), adapted to the store.Store contract instead of a
// raw DB cursor.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/rspadim/oms-position/internal/model"
	"github.com/rspadim/oms-position/internal/store"
)

// Role is a user's RBAC role, mirroring users.role in the original schema.
type Role string

const (
	RoleAdmin             Role = "admin"
	RoleTrader            Role = "trader"
	RoleRobot             Role = "robot"
	RolePortfolioManager  Role = "portfolio_manager"
	RoleRisk              Role = "risk"
	RoleReadonly          Role = "readonly"
)

// DefaultReason returns the payload reason stamped when a non-admin caller
// omits one, per spec.md §4.3.
func (r Role) DefaultReason() string {
	switch r {
	case RoleTrader:
		return "trader"
	case RoleRobot:
		return "robot"
	case RolePortfolioManager:
		return "portfolio_manager"
	case RoleRisk:
		return "risk"
	default:
		return "readonly"
	}
}

// Context is the resolved identity of an RPC caller.
type Context struct {
	APIKeyID int64
	UserID   int64
	Role     Role
}

// IsAdmin reports whether the caller holds the admin role.
func (c Context) IsAdmin() bool { return c.Role == RoleAdmin }

// Sentinel errors mapped to the dispatcher RPC error codes of spec.md §6.
var (
	ErrMissingAPIKey         = errors.New("missing_api_key")
	ErrInvalidAPIKey         = errors.New("invalid_api_key")
	ErrPermissionDenied      = errors.New("permission_denied")
	ErrStrategyPermissionDenied = errors.New("strategy_permission_denied")
	ErrAdminRequired         = errors.New("admin_required")
	ErrAdminReadOnly         = errors.New("admin_read_only")
	ErrInvalidCredentials    = errors.New("invalid_credentials")
	ErrNoActiveAPIKey        = errors.New("no_active_api_key")
	ErrAPIKeyNotAllowed      = errors.New("api_key_not_allowed")
	ErrUserNotFound          = errors.New("user_not_found")
)

// tokenTTL is how long a password-login bearer token stays valid, matching
// dispatcher_server.py's auth_login_password 12-hour expiry.
const tokenTTL = 12 * time.Hour

// LoginResult is the bearer token minted by LoginWithPassword.
type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	UserID    int64
	Role      Role
	APIKeyID  int64
}

// HashAPIKey returns the lookup hash stored alongside api keys and auth
// tokens, matching validate_api_key's hashlib.sha256(raw).hexdigest().
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Authenticator resolves raw x-api-key header values to a Context.
type Authenticator struct {
	store store.Store
}

// NewAuthenticator builds an Authenticator backed by the given store.
func NewAuthenticator(s store.Store) *Authenticator {
	return &Authenticator{store: s}
}

// Authenticate validates rawAPIKey and returns the resolved caller context.
// rawAPIKey being empty is ErrMissingAPIKey; any other failure to resolve
// an active key/token is ErrInvalidAPIKey.
func (a *Authenticator) Authenticate(ctx context.Context, rawAPIKey string) (*Context, error) {
	if rawAPIKey == "" {
		return nil, ErrMissingAPIKey
	}
	keyHash := HashAPIKey(rawAPIKey)
	tx, err := a.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin auth transaction: %w", err)
	}
	defer tx.Rollback()
	identity, err := a.store.ResolveAPIKeyHash(ctx, tx, keyHash)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve api key: %w", err)
	}
	if identity == nil {
		return nil, ErrInvalidAPIKey
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit auth transaction: %w", err)
	}
	role := Role(identity.Role)
	if role == "" {
		role = RoleTrader
	}
	return &Context{APIKeyID: identity.APIKeyID, UserID: identity.UserID, Role: role}, nil
}

// LoginWithPassword verifies username/password and mints a bearer token for
// apiKeyID (or the user's first active key if apiKeyID is nil), per
// auth_login_password. The returned token is the plaintext; only its hash
// is persisted.
func (a *Authenticator) LoginWithPassword(ctx context.Context, username, password string, apiKeyID *int64) (*LoginResult, error) {
	tx, err := a.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin login transaction: %w", err)
	}
	defer tx.Rollback()

	user, err := a.store.FetchUserByUsername(ctx, tx, username)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user %q: %w", username, err)
	}
	if user == nil || model.AccountStatus(user.Status) != model.AccountStatusActive {
		return nil, ErrInvalidCredentials
	}
	storedHash, err := a.store.FetchUserPasswordHash(ctx, tx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch password hash for user %d: %w", user.ID, err)
	}
	if !VerifyPassword(storedHash, password) {
		return nil, ErrInvalidCredentials
	}

	activeKeys, err := a.store.ListActiveAPIKeysForUser(ctx, tx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active api keys for user %d: %w", user.ID, err)
	}
	if len(activeKeys) == 0 {
		return nil, ErrNoActiveAPIKey
	}
	selected := activeKeys[0]
	if apiKeyID != nil {
		selected = *apiKeyID
		allowed := false
		for _, k := range activeKeys {
			if k == selected {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, ErrAPIKeyNotAllowed
		}
	}

	tokenPlain, tokenHash, err := newBearerToken()
	if err != nil {
		return nil, err
	}
	expiresAt := time.Now().Add(tokenTTL)
	if err := a.store.CreateAuthToken(ctx, tx, user.ID, selected, tokenHash, expiresAt); err != nil {
		return nil, fmt.Errorf("failed to create auth token for user %d: %w", user.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit login transaction: %w", err)
	}

	role := Role(user.Role)
	if role == "" {
		role = RoleTrader
	}
	return &LoginResult{Token: tokenPlain, ExpiresAt: expiresAt, UserID: user.ID, Role: role, APIKeyID: selected}, nil
}

// newBearerToken mints a "tok_<random>" plaintext token and its sha256
// lookup hash, matching auth_login_password's token_urlsafe(32) format.
func newBearerToken() (plain, hash string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("failed to generate bearer token: %w", err)
	}
	plain = "tok_" + hex.EncodeToString(raw)
	sum := sha256.Sum256([]byte(plain))
	return plain, hex.EncodeToString(sum[:]), nil
}

// GenerateAPIKey mints a random plaintext api key, for user_api_key_create
// when the caller doesn't supply one, matching the same
// secrets.token_urlsafe(32) shape newBearerToken uses.
func GenerateAPIKey() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate api key: %w", err)
	}
	return "key_" + hex.EncodeToString(raw), nil
}

// Profile returns userID's profile, for user_profile_get.
func (a *Authenticator) Profile(ctx context.Context, userID int64) (*model.User, error) {
	tx, err := a.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin profile transaction: %w", err)
	}
	defer tx.Rollback()
	user, err := a.store.FetchUserByID(ctx, tx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user %d: %w", userID, err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}

// UpdateProfile sets userID's username, for user_profile_update.
func (a *Authenticator) UpdateProfile(ctx context.Context, userID int64, username string) (*model.User, error) {
	tx, err := a.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin profile update transaction: %w", err)
	}
	defer tx.Rollback()
	if err := a.store.UpdateUsername(ctx, tx, userID, username); err != nil {
		return nil, fmt.Errorf("failed to update username for user %d: %w", userID, err)
	}
	user, err := a.store.FetchUserByID(ctx, tx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user %d: %w", userID, err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit profile update for user %d: %w", userID, err)
	}
	return user, nil
}

// UpdatePassword verifies currentPassword and replaces userID's stored hash
// with newPassword's, for user_password_update.
func (a *Authenticator) UpdatePassword(ctx context.Context, userID int64, currentPassword, newPassword string) error {
	tx, err := a.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin password update transaction: %w", err)
	}
	defer tx.Rollback()
	storedHash, err := a.store.FetchUserPasswordHash(ctx, tx, userID)
	if err != nil {
		return fmt.Errorf("failed to fetch password hash for user %d: %w", userID, err)
	}
	if !VerifyPassword(storedHash, currentPassword) {
		return ErrInvalidCredentials
	}
	newHash, err := PasswordHash(newPassword)
	if err != nil {
		return err
	}
	if err := a.store.SetUserPasswordHash(ctx, tx, userID, newHash); err != nil {
		return fmt.Errorf("failed to set password hash for user %d: %w", userID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit password update for user %d: %w", userID, err)
	}
	return nil
}

// RequireAccountPermission checks the caller can act on accountID, failing
// ErrPermissionDenied if read access is missing, or ErrPermissionDenied if
// wantTrade is set but trade access is missing.
func RequireAccountPermission(ctx context.Context, s store.Store, tx store.Tx, apiKeyID, accountID int64, wantTrade bool) error {
	perm, err := s.FetchAPIKeyAccountPermissions(ctx, tx, apiKeyID, accountID)
	if err != nil {
		return fmt.Errorf("failed to resolve account permission: %w", err)
	}
	if perm == nil || !perm.CanRead {
		return ErrPermissionDenied
	}
	if wantTrade && !perm.CanTrade {
		return ErrPermissionDenied
	}
	return nil
}

// RequireAccountRiskManage checks the caller holds risk-management access
// over accountID, backing risk_set_strategy_allow_new_positions.
func RequireAccountRiskManage(ctx context.Context, s store.Store, tx store.Tx, apiKeyID, accountID int64) error {
	perm, err := s.FetchAPIKeyAccountPermissions(ctx, tx, apiKeyID, accountID)
	if err != nil {
		return fmt.Errorf("failed to resolve account permission: %w", err)
	}
	if perm == nil || !perm.CanRiskManage {
		return ErrPermissionDenied
	}
	return nil
}

// RequireStrategyPermission checks the caller can act on strategyID, and
// that an admin caller never attempts a trading action (admin is
// read-only, per spec.md §4.3).
func RequireStrategyPermission(ctx context.Context, s store.Store, tx store.Tx, authCtx *Context, strategyID int64, wantTrade bool) error {
	if wantTrade && authCtx.IsAdmin() {
		return ErrAdminReadOnly
	}
	allowed, err := s.APIKeyStrategyAllowed(ctx, tx, authCtx.APIKeyID, strategyID, wantTrade)
	if err != nil {
		return fmt.Errorf("failed to resolve strategy permission: %w", err)
	}
	if !allowed {
		return ErrStrategyPermissionDenied
	}
	return nil
}

// RequireAdmin fails ErrAdminRequired unless authCtx holds the admin role.
func RequireAdmin(authCtx *Context) error {
	if !authCtx.IsAdmin() {
		return ErrAdminRequired
	}
	return nil
}

// PasswordHash produces the "sha256$salt$digest" format used by
// auth_login_password/user_password_update: a random 16-byte hex salt and
// sha256(salt||password) hex digest, a supplemented feature (spec.md names
// the operation but not its hashing scheme; original_source has no
// password-auth code to follow, so this mirrors the api-key hashing
// already grounded above rather than inventing an unrelated scheme).
func PasswordHash(password string) (string, error) {
	saltBytes := make([]byte, 16)
	if _, err := rand.Read(saltBytes); err != nil {
		return "", fmt.Errorf("failed to generate password salt: %w", err)
	}
	salt := hex.EncodeToString(saltBytes)
	return "sha256$" + salt + "$" + digestWithSalt(salt, password), nil
}

// VerifyPassword reports whether password matches a "sha256$salt$digest" hash.
func VerifyPassword(hash, password string) bool {
	parts := splitHash(hash)
	if len(parts) != 3 || parts[0] != "sha256" {
		return false
	}
	expected := digestWithSalt(parts[1], password)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(parts[2])) == 1
}

func digestWithSalt(salt, password string) string {
	sum := sha256.Sum256([]byte(salt + password))
	return hex.EncodeToString(sum[:])
}

func splitHash(hash string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(hash); i++ {
		if hash[i] == '$' {
			parts = append(parts, hash[start:i])
			start = i + 1
		}
	}
	parts = append(parts, hash[start:])
	return parts
}
