package s4pp

import (
	"crypto/hmac"
	"crypto/sha256"
	"hash"
)

// hmacAccumulator feeds every emitted sequence byte except the HIDE salt
// into a running HMAC-SHA256 keyed with the shared auth key (not the
// HIDE session key), and finalizes it
// into the lower-case hex SIG line at sequence close. crypto/hmac already
// performs the RFC 2104 inner/outer pad construction incrementally, so the
// accumulator only needs to own the lifetime of one hash.Hash per
// sequence; init_hmac/update_hmac_from_buffer/append_final_hmac_hex in the
// original manage that pad construction by hand because the embedded
// target has no HMAC library, not because the construction itself differs.
type hmacAccumulator struct {
	mac hash.Hash
}

func newHMACAccumulator(key []byte) *hmacAccumulator {
	return &hmacAccumulator{mac: hmac.New(sha256.New, key)}
}

// reset starts a fresh accumulation for the next sequence, re-keying with
// the same shared key (the key never changes within a session).
func (h *hmacAccumulator) reset(key []byte) {
	h.mac = hmac.New(sha256.New, key)
}

// update feeds non-salt payload bytes into the running digest.
func (h *hmacAccumulator) update(p []byte) {
	h.mac.Write(p)
}

// finalHex closes the sequence and returns the 64-character lower-case hex
// SIG value.
func (h *hmacAccumulator) finalHex() []byte {
	return asciiHex(h.mac.Sum(nil))
}
