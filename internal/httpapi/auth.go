package httpapi

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"retailcore/backend/internal/domain"
	"retailcore/backend/internal/store"
)

const (
	tokenIssuerName  = "retailcore"
	userStoreTimeout = 3 * time.Second
	minUsernameLen   = 4
	minPasswordLen   = 6
)

var (
	errBadCredentials = errors.New("invalid credentials")
	errInactive       = errors.New("account is inactive")
	errBadToken       = errors.New("invalid or expired token")
)

// grantableRoles are the roles an admin can hand out. Admins and customers
// are never created over the API.
var grantableRoles = []string{domain.RoleCashier, domain.RoleManager}

// UserStore persists staff accounts. Passwords are bcrypt hashes; rows that
// still hold plain text are upgraded on the next sync.
type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// AuthManager issues access tokens for staff logins and checks the manager
// PIN. Accounts are mirrored from the UserStore on every login so logins
// created by another instance work without a restart.
type AuthManager struct {
	tokens  tokenIssuer
	pinHash []byte
	store   UserStore

	mu       sync.RWMutex
	accounts map[string]domain.UserAccount
}

func NewAuthManager(secret string, tokenTTL time.Duration, managerPIN string, userStore UserStore) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}

	a := &AuthManager{
		tokens:   tokenIssuer{key: []byte(secret), ttl: tokenTTL},
		store:    userStore,
		accounts: make(map[string]domain.UserAccount),
	}
	// An empty PIN leaves pinHash nil and every PIN check fails.
	if pin := strings.TrimSpace(managerPIN); pin != "" {
		if hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost); err == nil {
			a.pinHash = hash
		}
	}
	a.syncAccounts(context.Background())
	return a
}

func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	a.syncAccounts(ctx)

	account, ok := a.account(normalizeUsername(req.Username))
	if !ok || !passwordMatches(account.Password, req.Password) {
		return domain.LoginResponse{}, errBadCredentials
	}
	if !account.Active {
		return domain.LoginResponse{}, errInactive
	}

	expiresAt := time.Now().UTC().Add(a.tokens.ttl)
	token, err := a.tokens.issue(domain.Actor{Username: account.Username, Role: account.Role}, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, fmt.Errorf("issue token: %w", err)
	}
	return domain.LoginResponse{AccessToken: token, Role: account.Role, ExpiresAt: expiresAt.Format(time.RFC3339)}, nil
}

func (a *AuthManager) ParseToken(raw string) (domain.Actor, error) {
	return a.tokens.parse(raw)
}

func (a *AuthManager) sign(username, role string, expiresAt time.Time) (string, error) {
	return a.tokens.issue(domain.Actor{Username: username, Role: role}, expiresAt)
}

func (a *AuthManager) ValidateManagerPIN(pin string) bool {
	pin = strings.TrimSpace(pin)
	if pin == "" || a.pinHash == nil {
		return false
	}
	return bcrypt.CompareHashAndPassword(a.pinHash, []byte(pin)) == nil
}

// CreateStaff adds a cashier or manager login. The account is written to the
// UserStore first and only then becomes usable here.
func (a *AuthManager) CreateStaff(ctx context.Context, req domain.StaffCreateRequest) (domain.StaffUser, error) {
	account, err := newStaffAccount(req, time.Now().UTC())
	if err != nil {
		return domain.StaffUser{}, err
	}

	a.syncAccounts(ctx)
	if _, taken := a.account(account.Username); taken {
		return domain.StaffUser{}, fmt.Errorf("%w: username %s already exists", store.ErrConflict, account.Username)
	}

	if a.store != nil {
		if err := a.store.CreateUser(ctx, account); err != nil {
			return domain.StaffUser{}, err
		}
	}
	a.mu.Lock()
	a.accounts[account.Username] = account
	a.mu.Unlock()

	return staffView(account), nil
}

// ListStaff returns cashier and manager accounts ordered by username.
func (a *AuthManager) ListStaff(ctx context.Context) []domain.StaffUser {
	a.syncAccounts(ctx)

	a.mu.RLock()
	staff := make([]domain.StaffUser, 0, len(a.accounts))
	for _, account := range a.accounts {
		if slices.Contains(grantableRoles, account.Role) {
			staff = append(staff, staffView(account))
		}
	}
	a.mu.RUnlock()

	slices.SortFunc(staff, func(x, y domain.StaffUser) int {
		return strings.Compare(x.Username, y.Username)
	})
	return staff
}

func (a *AuthManager) account(username string) (domain.UserAccount, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	account, ok := a.accounts[username]
	return account, ok
}

// syncAccounts reloads accounts from the UserStore. A store error keeps the
// previous copy.
func (a *AuthManager) syncAccounts(ctx context.Context) {
	if a.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, userStoreTimeout)
	defer cancel()

	stored, err := a.store.ListUsers(ctx)
	if err != nil || len(stored) == 0 {
		return
	}

	loaded := make(map[string]domain.UserAccount, len(stored))
	for _, account := range stored {
		account.Username = normalizeUsername(account.Username)
		if account.Username == "" {
			continue
		}
		if !isBcryptHash(account.Password) {
			hash, err := bcrypt.GenerateFromPassword([]byte(account.Password), bcrypt.DefaultCost)
			if err != nil {
				continue
			}
			account.Password = string(hash)
			_ = a.store.UpdateUserPassword(ctx, account.Username, account.Password)
		}
		loaded[account.Username] = account
	}

	a.mu.Lock()
	for username, account := range a.accounts {
		if _, ok := loaded[username]; !ok {
			loaded[username] = account
		}
	}
	a.accounts = loaded
	a.mu.Unlock()
}

func newStaffAccount(req domain.StaffCreateRequest, now time.Time) (domain.UserAccount, error) {
	username := normalizeUsername(req.Username)
	role := strings.ToLower(strings.TrimSpace(req.Role))
	if role == "" {
		role = domain.RoleCashier
	}

	switch {
	case !slices.Contains(grantableRoles, role):
		return domain.UserAccount{}, fmt.Errorf("%w: role must be cashier or manager", store.ErrInvalidInput)
	case len(username) < minUsernameLen:
		return domain.UserAccount{}, fmt.Errorf("%w: username must be at least %d characters", store.ErrInvalidInput, minUsernameLen)
	case strings.ContainsAny(username, " \t\r\n"):
		return domain.UserAccount{}, fmt.Errorf("%w: username must not contain spaces", store.ErrInvalidInput)
	case len(strings.TrimSpace(req.Password)) < minPasswordLen:
		return domain.UserAccount{}, fmt.Errorf("%w: password must be at least %d characters", store.ErrInvalidInput, minPasswordLen)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return domain.UserAccount{}, fmt.Errorf("hash password: %w", err)
	}
	return domain.UserAccount{Username: username, Password: string(hash), Role: role, Active: true, CreatedAt: now}, nil
}

func staffView(account domain.UserAccount) domain.StaffUser {
	return domain.StaffUser{Username: account.Username, Role: account.Role, Active: account.Active, CreatedAt: account.CreatedAt}
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func passwordMatches(hash string, password string) bool {
	if strings.TrimSpace(password) == "" || !isBcryptHash(hash) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func isBcryptHash(value string) bool {
	_, err := bcrypt.Cost([]byte(value))
	return err == nil
}

// tokenIssuer signs HS256 access tokens carrying the actor's role.
type tokenIssuer struct {
	key []byte
	ttl time.Duration
}

type actorClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

func (t tokenIssuer) issue(actor domain.Actor, expiresAt time.Time) (string, error) {
	claims := actorClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    tokenIssuerName,
			Subject:   actor.Username,
			IssuedAt:  jwtlib.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
		},
		Role: actor.Role,
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(t.key)
}

func (t tokenIssuer) parse(raw string) (domain.Actor, error) {
	var claims actorClaims
	_, err := jwtlib.ParseWithClaims(raw, &claims, func(*jwtlib.Token) (any, error) {
		return t.key, nil
	},
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
		jwtlib.WithIssuer(tokenIssuerName),
		jwtlib.WithExpirationRequired(),
	)
	if err != nil {
		return domain.Actor{}, errBadToken
	}
	if claims.Subject == "" || claims.Role == "" {
		return domain.Actor{}, errBadToken
	}
	return domain.Actor{Username: claims.Subject, Role: claims.Role}, nil
}
