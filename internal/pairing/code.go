package pairing

import (
	"crypto/rand"
	"log"
	"math/big"
	mrand "math/rand/v2"
	"strconv"
)

// Pairing codes are six decimal digits with no leading zero.
const (
	CodeMin = 100000
	CodeMax = 999999
)

var codeSpan = big.NewInt(CodeMax - CodeMin + 1)

// GenerateCode returns a code drawn uniformly from [CodeMin, CodeMax].
// It never fails: if the system randomness source is unavailable it falls
// back to math/rand. Uniqueness is the registry's job, not the generator's.
func GenerateCode() string {
	n, err := rand.Int(rand.Reader, codeSpan)
	if err != nil {
		log.Printf("pairing: crypto/rand failed, falling back to math/rand: %v", err)
		return strconv.Itoa(CodeMin + mrand.IntN(CodeMax-CodeMin+1))
	}
	return strconv.Itoa(CodeMin + int(n.Int64()))
}
