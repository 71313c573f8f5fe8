package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"github.com/knoguchi/kbserve/internal/apperr"
	"github.com/knoguchi/kbserve/internal/repository"
)

// AdminVerifier checks admin tokens: the bootstrap token from config
// (which exists before any database row does) plus tokens minted into
// the admin_tokens table.
type AdminVerifier struct {
	tokens          repository.AdminTokenRepository
	bootstrapDigest string
}

// NewAdminVerifier wires the verifier. An empty bootstrap token disables
// the bootstrap path.
func NewAdminVerifier(tokens repository.AdminTokenRepository, bootstrapToken string) *AdminVerifier {
	v := &AdminVerifier{tokens: tokens}
	if bootstrapToken != "" {
		v.bootstrapDigest = Digest(bootstrapToken)
	}
	return v
}

// Verify returns nil when the token is a valid admin credential.
func (v *AdminVerifier) Verify(ctx context.Context, token string) error {
	if token == "" {
		return apperr.New(apperr.AuthInvalid, "missing admin token")
	}

	digest := Digest(token)
	if v.bootstrapDigest != "" &&
		subtle.ConstantTimeCompare([]byte(digest), []byte(v.bootstrapDigest)) == 1 {
		return nil
	}

	row, err := v.tokens.GetByDigest(ctx, digest)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperr.New(apperr.AuthInvalid, "invalid admin token")
		}
		return apperr.Wrap(apperr.Internal, "failed to look up admin token", err)
	}
	if row.Revoked {
		return apperr.New(apperr.AuthInvalid, "admin token revoked")
	}
	if row.Expired(time.Now()) {
		return apperr.New(apperr.AuthInvalid, "admin token expired")
	}
	return nil
}
