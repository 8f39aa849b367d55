package disk

import (
	"crypto/md5" //nolint:gosec // legacy filename scheme, not used for integrity
	_ "crypto/sha256" // registers digest.Canonical
	"encoding/hex"
	"regexp"

	digest "github.com/opencontainers/go-digest"
)

var keyPattern = regexp.MustCompile(`^[a-z0-9_-]{1,120}$`)

// HashKey maps an arbitrary logical key (typically a URL) to a stable,
// filesystem-safe entry key: the hex-encoded SHA-256 digest of the key.
func HashKey(logical string) string {
	return digest.FromString(logical).Encoded()
}

// MD5Key maps a logical key with the 128-bit scheme used by older cache
// directories. Use it with a facade that must read those directories.
func MD5Key(logical string) string {
	sum := md5.Sum([]byte(logical)) //nolint:gosec // see import
	return hex.EncodeToString(sum[:])
}

func validateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return ErrInvalidKey
	}
	return nil
}
