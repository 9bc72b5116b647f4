// Package identity is the authentication boundary contract: JWT token claims
// for humans and agents, hashed bearer tokens for service accounts, and an
// optional mTLS workload identity check for service-role callers.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/oars-platform/oars/pkg/apierror"
	"github.com/oars-platform/oars/pkg/contracts"
	"github.com/oars-platform/oars/pkg/store"
)

// TokenClaims is what core services receive from the transport after
// authentication.
type TokenClaims struct {
	TokenID          string         `json:"tokenId"`
	Subject          string         `json:"subject"`
	TenantIDs        []string       `json:"tenantIds"`
	Scopes           []string       `json:"scopes,omitempty"`
	Role             contracts.Role `json:"role"`
	DelegationChain  []string       `json:"delegationChain,omitempty"`
	ServiceAccountID string         `json:"serviceAccountId,omitempty"`
}

// AllowsTenant reports whether the claims grant access to the tenant.
func (c *TokenClaims) AllowsTenant(tenantID string) bool {
	for _, id := range c.TenantIDs {
		if id == tenantID {
			return true
		}
	}
	return false
}

// RequireTenant enforces tenant membership for one request.
func RequireTenant(claims *TokenClaims, tenantID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return apierror.Wrap(apierror.CodeTenantRequired, "tenantId is required", apierror.ErrTenantRequired)
	}
	if claims == nil || !claims.AllowsTenant(tenantID) {
		return apierror.Wrap(apierror.CodeForbidden,
			fmt.Sprintf("token does not grant access to tenant %s", tenantID), apierror.ErrTenantScope)
	}
	return nil
}

// RequireRole enforces that the caller holds one of the listed roles.
func RequireRole(claims *TokenClaims, roles ...contracts.Role) error {
	if claims != nil {
		for _, r := range roles {
			if claims.Role == r {
				return nil
			}
		}
	}
	return apierror.Wrap(apierror.CodeForbidden,
		fmt.Sprintf("operation requires one of roles %v", roles), apierror.ErrForbidden)
}

// jwtClaims is the wire shape of an OARS token.
type jwtClaims struct {
	jwt.RegisteredClaims
	TenantIDs        []string       `json:"tenantIds,omitempty"`
	Scopes           []string       `json:"scopes,omitempty"`
	Role             contracts.Role `json:"role,omitempty"`
	DelegationChain  []string       `json:"delegationChain,omitempty"`
	ServiceAccountID string         `json:"serviceAccountId,omitempty"`
}

// TokenService issues and validates HS256 tokens bound to one issuer and
// audience.
type TokenService struct {
	secret   []byte
	issuer   string
	audience string
	clock    func() time.Time
}

// NewTokenService creates the token service. secret must be non-empty.
func NewTokenService(secret, issuer, audience string) (*TokenService, error) {
	if secret == "" {
		return nil, fmt.Errorf("identity: jwt secret is required")
	}
	return &TokenService{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		clock:    time.Now,
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *TokenService) WithClock(clock func() time.Time) *TokenService {
	s.clock = clock
	return s
}

// Issue signs a token for the claims, valid for ttl.
func (s *TokenService) Issue(claims TokenClaims, ttl time.Duration) (string, error) {
	now := s.clock().UTC()
	tokenID := claims.TokenID
	if tokenID == "" {
		tokenID = contracts.NewID("tok")
	}
	wire := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Subject:   claims.Subject,
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TenantIDs:        claims.TenantIDs,
		Scopes:           claims.Scopes,
		Role:             claims.Role,
		DelegationChain:  claims.DelegationChain,
		ServiceAccountID: claims.ServiceAccountID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, wire).SignedString(s.secret)
}

// Validate parses the token and returns its claims. Signature, algorithm,
// expiry, issuer and audience are all enforced.
func (s *TokenService) Validate(tokenString string) (*TokenClaims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &jwtClaims{},
		func(t *jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithTimeFunc(func() time.Time { return s.clock().UTC() }),
	)
	if err != nil {
		return nil, apierror.Wrap(apierror.CodeUnauthorized, "invalid token", err)
	}
	wire, ok := parsed.Claims.(*jwtClaims)
	if !ok || !parsed.Valid {
		return nil, apierror.Wrap(apierror.CodeUnauthorized, "invalid token", apierror.ErrUnauthorized)
	}
	return &TokenClaims{
		TokenID:          wire.ID,
		Subject:          wire.Subject,
		TenantIDs:        wire.TenantIDs,
		Scopes:           wire.Scopes,
		Role:             wire.Role,
		DelegationChain:  wire.DelegationChain,
		ServiceAccountID: wire.ServiceAccountID,
	}, nil
}

// HashToken hashes a bearer token for storage and lookup.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ServiceAccountAuthenticator resolves bearer tokens to service accounts.
type ServiceAccountAuthenticator struct {
	store *store.Store
	clock func() time.Time
}

// NewServiceAccountAuthenticator creates the authenticator.
func NewServiceAccountAuthenticator(st *store.Store) *ServiceAccountAuthenticator {
	return &ServiceAccountAuthenticator{store: st, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (a *ServiceAccountAuthenticator) WithClock(clock func() time.Time) *ServiceAccountAuthenticator {
	a.clock = clock
	return a
}

// Authenticate maps a raw token to claims. Disabled accounts and unknown
// tokens both fail as unauthorized.
func (a *ServiceAccountAuthenticator) Authenticate(ctx context.Context, token string) (*TokenClaims, error) {
	account, err := a.store.FindServiceAccountByTokenHash(ctx, HashToken(token))
	if err != nil {
		return nil, err
	}
	if account == nil || account.Disabled {
		return nil, apierror.Wrap(apierror.CodeUnauthorized, "unknown or disabled service account token", apierror.ErrUnauthorized)
	}
	now := a.clock().UTC()
	account.LastUsedAt = &now
	if err := a.store.PutServiceAccount(ctx, account); err != nil {
		return nil, err
	}
	return &TokenClaims{
		TokenID:          contracts.NewID("tok"),
		Subject:          account.Name,
		TenantIDs:        []string{account.TenantID},
		Scopes:           account.Scopes,
		Role:             contracts.RoleService,
		ServiceAccountID: account.AccountID,
	}, nil
}
