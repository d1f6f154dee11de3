package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const DefaultBcryptCost = 10

// Hasher hashes passwords with bcrypt. The output embeds salt and cost, so
// Verify needs nothing but the stored hash.
type Hasher struct {
	cost int
}

func NewHasher(cost int) (*Hasher, error) {
	const op = "auth.NewHasher"

	if cost == 0 {
		cost = DefaultBcryptCost
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("%s: %w: bcrypt cost %d out of range", op, ErrInvalidConfig, cost)
	}

	return &Hasher{cost: cost}, nil
}

func (h *Hasher) Hash(password string) (string, error) {
	const op = "auth.Hasher.Hash"

	bytes, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return string(bytes), nil
}

// Verify reports whether password matches hash. A malformed hash is a mismatch.
func (h *Hasher) Verify(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}
