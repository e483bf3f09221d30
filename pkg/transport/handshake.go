package transport

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// handshakeClaims identifies a rank joining a network-crossing mesh
// (wsmesh), trimmed to the one claim the mesh actually needs: which rank
// this connection is allowed to present itself as. There are no user
// roles in a compute partition, so no RBAC claims are carried (see
// DESIGN.md). The jti claim is a uuid.NewString() value, so a signer's
// issued tokens can be told apart in logs even when two are minted for
// the same rank in the same second.
type handshakeClaims struct {
	Rank int `json:"rank"`
	jwt.RegisteredClaims
}

// HandshakeSigner issues and verifies the short-lived tokens evaluation
// servers present when they dial into a websocket mesh. It is not used by
// InProcessMesh, only by transport/wsmesh, since an in-process channel
// mesh has no network boundary to authenticate across.
type HandshakeSigner struct {
	secret []byte
	ttl    time.Duration
}

// NewHandshakeSigner builds a signer keyed by secret.
func NewHandshakeSigner(secret []byte, ttl time.Duration) *HandshakeSigner {
	if ttl == 0 {
		ttl = time.Minute
	}
	return &HandshakeSigner{secret: secret, ttl: ttl}
}

// IssueFor mints a token asserting the bearer is `rank`.
func (s *HandshakeSigner) IssueFor(rank int) (string, error) {
	claims := handshakeClaims{
		Rank: rank,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("transport: sign handshake token: %w", err)
	}
	return signed, nil
}

// VerifyRank validates tokenStr and returns the rank it asserts.
func (s *HandshakeSigner) VerifyRank(tokenStr string) (int, error) {
	claims := &handshakeClaims{}
	tok, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil || !tok.Valid {
		return 0, fmt.Errorf("transport: invalid handshake token: %w", err)
	}
	return claims.Rank, nil
}
