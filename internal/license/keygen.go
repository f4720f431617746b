package license

import (
	"crypto/rand"
	"strings"
)

// Key segments are drawn from the unambiguous-enough A-Z0-9 alphabet,
// matching what support staff read back to customers over chat.
const keyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

const (
	keySegments   = 4
	keySegmentLen = 4
)

// generateKey returns a fresh key of the form PREFIX-XXXX-XXXX-XXXX-XXXX.
// Random bytes at or above the largest multiple of the alphabet size are
// discarded so every character is equally likely. Uniqueness is not
// guaranteed here; callers must retry on collision.
func generateKey(prefix string) (string, error) {
	const want = keySegments * keySegmentLen
	const limit = 256 - 256%len(keyAlphabet)

	var b strings.Builder
	b.Grow(len(prefix) + keySegments*(keySegmentLen+1))
	b.WriteString(prefix)

	buf := make([]byte, 2*want)
	written := 0
	for written < want {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, c := range buf {
			if int(c) >= limit {
				continue
			}
			if written%keySegmentLen == 0 {
				b.WriteByte('-')
			}
			b.WriteByte(keyAlphabet[int(c)%len(keyAlphabet)])
			written++
			if written == want {
				break
			}
		}
	}
	return b.String(), nil
}
