package s4pp

import (
	"crypto/rand"
)

// hideState carries the per-session HIDE (AES-128-CBC confidentiality
// layer) key and the chained IV, grounded on create_session_key/
// inplace_hide/sud->iv_last_block in the original engine.
type hideState struct {
	sessionKey []byte
	iv         []byte // last ciphertext block, chained across sequences
}

// newHideState derives the session key from the shared key and the
// server-issued token, seeding the first IV with zero bytes (the original
// starts the chain from create_session_key's own zero-IV encryption, then
// immediately overwrites iv_last_block with the first sequence's tail
// block; seeding with zeros here is equivalent since the first sequence's
// IV is never otherwise specified by the wire protocol).
func newHideState(sharedKey []byte, token string, legacyKeyTruncation bool) (*hideState, error) {
	key, err := deriveSessionKey(sharedKey, token, legacyKeyTruncation)
	if err != nil {
		return nil, err
	}
	return &hideState{sessionKey: key, iv: make([]byte, aesBlockSize)}, nil
}

// minSaltLen/maxSaltLen bound the random prefix generated per sequence.
const (
	minSaltLen = 8
	maxSaltLen = 15
)

// generateSalt returns a random 8-15 byte slice, none of whose bytes are
// '\n', terminated by a '\n'. It is prefixed to a sequence's payload and
// excluded from the HMAC (buffer_salt in the original).
func generateSalt() ([]byte, error) {
	n, err := randomSaltLen()
	if err != nil {
		return nil, err
	}
	salt := make([]byte, n+1)
	if err := fillNonNewline(salt[:n]); err != nil {
		return nil, err
	}
	salt[n] = '\n'
	return salt, nil
}

func randomSaltLen() (int, error) {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return minSaltLen + int(b[0])%(maxSaltLen-minSaltLen+1), nil
}

func fillNonNewline(buf []byte) error {
	for i := range buf {
		for {
			var b [1]byte
			if _, err := rand.Read(b[:]); err != nil {
				return err
			}
			if b[0] != '\n' {
				buf[i] = b[0]
				break
			}
		}
	}
	return nil
}

// padNewlines returns a non-empty slice of '\n' bytes bringing
// len(buf)+reserve up to the next multiple of the AES block size; it
// never returns an empty pad, even when already aligned, since the
// engine must always be able to fold at least one pad byte into the
// HMAC before computing SIG (spec §4.G.3). reserve accounts for the
// fixed-length SIG line appended after the pad but before encryption.
func padNewlines(buf []byte, reserve int) []byte {
	n := aesBlockSize - (len(buf)+reserve)%aesBlockSize
	if n == 0 {
		n = aesBlockSize
	}
	pad := make([]byte, n)
	for i := range pad {
		pad[i] = '\n'
	}
	return pad
}

// encrypt in-place CBC-encrypts buf under the session key and chained
// IV, and advances the chain for the next sequence in this session.
func (h *hideState) encrypt(buf []byte) ([]byte, error) {
	last, err := cbcEncryptInPlace(h.sessionKey, h.iv, buf)
	if err != nil {
		return nil, err
	}
	h.iv = last
	return buf, nil
}
