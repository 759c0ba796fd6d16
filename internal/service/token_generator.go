package service

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// ValueGenerator produces candidate token values.
type ValueGenerator interface {
	Generate() (string, error)
}

type randomValueGenerator struct {
	length int
}

// NewRandomValueGenerator returns a generator of crypto-random alphanumeric strings.
func NewRandomValueGenerator(length int) ValueGenerator {
	return &randomValueGenerator{length: length}
}

func (g *randomValueGenerator) Generate() (string, error) {
	max := big.NewInt(int64(len(tokenAlphabet)))
	buf := make([]byte, g.length)
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		buf[i] = tokenAlphabet[n.Int64()]
	}
	return string(buf), nil
}
