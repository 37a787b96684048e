package records

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
)

// ExistsFunc reports whether a candidate code is already in use. It must
// read fresh state from the backing store, not a cache.
type ExistsFunc func(ctx context.Context, code string) (bool, error)

// GenerateCode draws uniformly random digit strings of the given length
// until the existence check reports a free one. Leading zeros are kept, so
// every code is exactly length digits. The retry loop is unbounded; callers
// pick a length that keeps collisions rare and bound the call with their
// context.
func GenerateCode(ctx context.Context, length int, exists ExistsFunc) (string, error) {
	if length <= 0 || length > 18 {
		return "", fmt.Errorf("code length must be between 1 and 18, got %d", length)
	}
	if exists == nil {
		return "", errors.New("existence check is required")
	}
	space := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := rand.Int(rand.Reader, space)
		if err != nil {
			return "", fmt.Errorf("draw random code: %w", err)
		}
		code := fmt.Sprintf("%0*d", length, n)
		used, err := exists(ctx, code)
		if err != nil {
			return "", fmt.Errorf("check code %s: %w", code, err)
		}
		if !used {
			return code, nil
		}
	}
}
