package scenario

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// RNG is a splittable deterministic random stream: HMAC-SHA256 over an
// incrementing counter, keyed by the seed plus the labels of every Split
// that produced it. The same seed and label path always yields the same
// stream, on every OS and build.
type RNG struct {
	key     []byte
	counter uint64
}

// NewRNG builds the root stream for a run.
func NewRNG(seed int64, labels ...string) *RNG {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(seed))
	mac := hmac.New(sha256.New, []byte("comfyvn-scenario-v1"))
	mac.Write(buf[:])
	for _, l := range labels {
		mac.Write([]byte{0})
		mac.Write([]byte(l))
	}
	return &RNG{key: mac.Sum(nil)}
}

// Split derives an independent child stream named label. Splitting does not
// advance the parent, so sub-steps can draw without perturbing each other.
func (r *RNG) Split(label string) *RNG {
	mac := hmac.New(sha256.New, r.key)
	mac.Write([]byte("split"))
	mac.Write([]byte{0})
	mac.Write([]byte(label))
	return &RNG{key: mac.Sum(nil)}
}

// Uint64 draws the next value and advances the stream.
func (r *RNG) Uint64() uint64 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], r.counter)
	mac := hmac.New(sha256.New, r.key)
	mac.Write(buf[:])
	sum := mac.Sum(nil)
	r.counter++
	return binary.BigEndian.Uint64(sum[:8])
}

// Intn draws a value in [0, n). n must be > 0.
func (r *RNG) Intn(n int) int {
	if n <= 0 {
		panic("scenario: Intn called with n <= 0")
	}
	return int(r.Uint64() % uint64(n))
}

// StateDigest is a hex digest of the stream's current position, recorded
// per step so two runs can be compared draw-by-draw.
func (r *RNG) StateDigest() string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], r.counter)
	h := sha256.New()
	h.Write(r.key)
	h.Write(buf[:])
	return hex.EncodeToString(h.Sum(nil))
}
