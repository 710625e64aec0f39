package assets

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/keithlinneman/shortstack/internal/xerrors"
)

// HashEqual compares two hex digests in constant time.
func HashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func SHA256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// ParseDigest accepts "<hex>" or "sha256:<hex>" and returns the lower-case
// hex. Other algorithms are rejected.
func ParseDigest(s string) (string, error) {
	s = strings.TrimSpace(s)
	if algo, rest, ok := strings.Cut(s, ":"); ok {
		if !strings.EqualFold(algo, "sha256") {
			return "", xerrors.Newf("unsupported digest algorithm %q", algo)
		}
		s = rest
	}
	s = strings.ToLower(s)
	if len(s) != sha256.Size*2 {
		return "", xerrors.Newf("digest %q is not a sha256 hex string", s)
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", xerrors.Wrapf(err, "digest %q", s)
	}
	return s, nil
}
