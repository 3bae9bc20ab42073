package collab

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/haasonsaas/househunt/pkg/models"
)

const inviteAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// maxCodeAttempts bounds regeneration after a code collision.
const maxCodeAttempts = 5

// GenerateInviteCode returns a random upper-case alphanumeric invite code.
func GenerateInviteCode() (string, error) {
	buf := make([]byte, models.InviteCodeLength)
	limit := big.NewInt(int64(len(inviteAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generate invite code: %w", err)
		}
		buf[i] = inviteAlphabet[n.Int64()]
	}
	return string(buf), nil
}
