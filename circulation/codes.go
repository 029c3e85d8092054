package circulation

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// maxCodeAttempts bounds retries when a generated code collides.
const maxCodeAttempts = 10

// CodeGenerator produces the human-facing identifiers printed on spine
// labels and membership cards. Uniqueness is enforced by the store.
type CodeGenerator interface {
	AccessNumber() string
	MemberNumber(at time.Time) string
}

type randomCodes struct {
	intN func(n int) int
}

// NewRandomCodes draws from math/rand/v2. Pass a seeded source for
// reproducible sequences, or nil for the global one.
func NewRandomCodes(src rand.Source) CodeGenerator {
	if src == nil {
		return randomCodes{intN: rand.IntN}
	}
	r := rand.New(src)
	return randomCodes{intN: r.IntN}
}

// AccessNumber returns LIB-NNNNN.
func (g randomCodes) AccessNumber() string {
	return fmt.Sprintf("LIB-%05d", g.intN(100000))
}

// MemberNumber returns SOC-YYYYMMDD-NNNNN.
func (g randomCodes) MemberNumber(at time.Time) string {
	return fmt.Sprintf("SOC-%s-%05d", at.Format("20060102"), g.intN(100000))
}
