package activation

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// CodeAlphabet omits I, O, 0 and 1.
	CodeAlphabet    = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeGroupCount  = 3
	codeGroupLength = 4
)

// ErrCodeSpaceExhausted is returned when no unused code was found within the attempt budget.
var ErrCodeSpaceExhausted = errors.New("activation: could not generate a unique code")

// Generator produces XXXX-XXXX-XXXX codes from CodeAlphabet.
type Generator struct {
	random io.Reader
}

// NewGenerator returns a Generator reading entropy from random, or crypto/rand when nil.
func NewGenerator(random io.Reader) *Generator {
	if random == nil {
		random = rand.Reader
	}
	return &Generator{random: random}
}

// Next returns a fresh code. The alphabet has 32 symbols so each byte maps without bias.
func (g *Generator) Next() (string, error) {
	buffer := make([]byte, codeGroupCount*codeGroupLength)
	if _, err := io.ReadFull(g.random, buffer); err != nil {
		return "", fmt.Errorf("activation: read entropy: %w", err)
	}

	var builder strings.Builder
	for index, value := range buffer {
		if index > 0 && index%codeGroupLength == 0 {
			builder.WriteByte('-')
		}
		builder.WriteByte(CodeAlphabet[int(value)%len(CodeAlphabet)])
	}
	return builder.String(), nil
}
