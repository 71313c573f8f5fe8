package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/knoguchi/kbserve/internal/apperr"
	"github.com/knoguchi/kbserve/internal/repository"
)

// IdentityClaims is the payload of a forwarded identity token. The
// subject names the end user; the rest feeds ACL evaluation.
type IdentityClaims struct {
	jwt.RegisteredClaims
	Roles     []string `json:"roles,omitempty"`
	Groups    []string `json:"groups,omitempty"`
	Clearance string   `json:"clearance,omitempty"`
}

// VerifyIdentityToken validates an HS256 identity token against the
// tenant's identity secret and returns the identity it asserts. Tenants
// without a secret reject forwarded tokens.
func VerifyIdentityToken(tokenString, secret string) (*repository.Identity, error) {
	if secret == "" {
		return nil, apperr.New(apperr.AuthInvalid, "tenant does not accept identity tokens")
	}

	token, err := jwt.ParseWithClaims(tokenString, &IdentityClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.AuthInvalid, "invalid identity token", err)
	}

	claims, ok := token.Claims.(*IdentityClaims)
	if !ok || !token.Valid {
		return nil, apperr.New(apperr.AuthInvalid, "invalid identity token claims")
	}
	if claims.Subject == "" {
		return nil, apperr.New(apperr.AuthInvalid, "identity token has no subject")
	}

	return &repository.Identity{
		User:      claims.Subject,
		Roles:     claims.Roles,
		Groups:    claims.Groups,
		Clearance: claims.Clearance,
	}, nil
}

// SignIdentityToken mints an identity token for a tenant secret. Used by
// tests and by tenants integrating their identity provider.
func SignIdentityToken(identity repository.Identity, secret string, registered jwt.RegisteredClaims) (string, error) {
	registered.Subject = identity.User
	claims := &IdentityClaims{
		RegisteredClaims: registered,
		Roles:            identity.Roles,
		Groups:           identity.Groups,
		Clearance:        identity.Clearance,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign identity token: %w", err)
	}
	return signed, nil
}
