package game

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
)

const (
	MinMultiplier    = 1.00
	DefaultMaxWinCap = 5000.00

	// Dual-outcome variance is a second independent draw scaled to +-40%
	// of the primary crash point.
	varianceSpread = 0.4
	dualTrackFloor = 1.01
)

// FairnessParams shape the crash-point distribution for one round. The
// engine fills them from its config snapshot; verification callers fill
// them from the round's published values.
type FairnessParams struct {
	HouseEdge   float64
	InstantBust float64
	MaxWinCap   float64
}

func (p FairnessParams) winCap() float64 {
	if p.MaxWinCap <= MinMultiplier {
		return DefaultMaxWinCap
	}
	return p.MaxWinCap
}

// hmacRoll maps seed material to a uniform value in [0, 1). The first 13
// hex characters of HMAC-SHA256(serverSeed, message) give 52 bits, the
// largest width float64 can hold exactly.
func hmacRoll(serverSeed, message string) float64 {
	mac := hmac.New(sha256.New, []byte(serverSeed))
	mac.Write([]byte(message))
	digest := hex.EncodeToString(mac.Sum(nil))

	h, _ := strconv.ParseUint(digest[:13], 16, 64)
	return float64(h) / float64(uint64(1)<<52)
}

// CrashPoint derives the crash multiplier for a round. Deterministic in
// its inputs, always within [1.00, maxWinCap], truncated to two decimals.
func CrashPoint(serverSeed, clientSeed string, nonce int64, p FairnessParams) float64 {
	r := hmacRoll(serverSeed, fmt.Sprintf("%s:%d", clientSeed, nonce))
	if r < p.InstantBust {
		return MinMultiplier
	}
	return clampMultiplier((1-p.HouseEdge)/(1-r), p.winCap())
}

// CrashPointPair derives both crash points of a dual-outcome round. The
// second track shifts the first by an independent variance draw and never
// drops below 1.01, so the tracks cannot crash identically at 1.00.
func CrashPointPair(serverSeed, clientSeed string, nonce int64, p FairnessParams) (float64, float64) {
	cp1 := CrashPoint(serverSeed, clientSeed, nonce, p)

	v := hmacRoll(serverSeed, fmt.Sprintf("%s:%d:variance", clientSeed, nonce))
	variance := (2*v - 1) * varianceSpread * cp1

	cp2 := cp1 + variance
	if cp2 < dualTrackFloor {
		cp2 = dualTrackFloor
	}
	return cp1, clampMultiplier(cp2, p.winCap())
}

// clampMultiplier truncates to two decimals, never rounding a crash point
// upward, then clamps into [1.00, limit].
func clampMultiplier(m, limit float64) float64 {
	m = math.Floor(m*100) / 100
	if m < MinMultiplier {
		return MinMultiplier
	}
	if m > limit {
		return limit
	}
	return m
}

// GenerateSeed returns 32 bytes of crypto randomness, hex encoded.
func GenerateSeed() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// HashCommitment is the SHA-256 commitment published before a round runs.
func HashCommitment(seed string) string {
	h := sha256.New()
	h.Write([]byte(seed))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySeedHash checks a revealed server seed against its commitment.
func VerifySeedHash(serverSeed, commitment string) bool {
	return HashCommitment(serverSeed) == commitment
}

// VerifyRound recomputes the crash point from revealed seeds and compares
// it to the claimed value. A small tolerance absorbs float formatting.
func VerifyRound(serverSeed, clientSeed string, nonce int64, p FairnessParams, claimed float64) bool {
	return math.Abs(CrashPoint(serverSeed, clientSeed, nonce, p)-claimed) < 0.01
}
