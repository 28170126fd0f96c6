package capability

import (
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"strings"
)

// Integrity token algorithms. sha1 exists only because the npm registry
// still publishes shasums for older packages.
const (
	AlgoSHA256 = "sha256"
	AlgoSHA1   = "sha1"
)

// HashSHA256 returns the integrity token for data, "sha256-<hex>".
func HashSHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%s-%x", AlgoSHA256, sum)
}

// ParseIntegrity splits a token into algorithm and hex digest. Supported
// forms: "sha256-<hex>" and "sha1-<hex>".
func ParseIntegrity(token string) (algo, digest string, err error) {
	algo, digest, ok := strings.Cut(token, "-")
	if !ok || digest == "" {
		return "", "", fmt.Errorf("malformed integrity token %q", token)
	}
	switch algo {
	case AlgoSHA256, AlgoSHA1:
		return algo, strings.ToLower(digest), nil
	default:
		return "", "", fmt.Errorf("unsupported integrity algorithm %q", algo)
	}
}

// VerifyIntegrity hashes data with the token's algorithm and compares
// digests. A nil return means the content matches.
func VerifyIntegrity(data []byte, token string) error {
	algo, want, err := ParseIntegrity(token)
	if err != nil {
		return err
	}
	var got string
	switch algo {
	case AlgoSHA256:
		sum := sha256.Sum256(data)
		got = fmt.Sprintf("%x", sum)
	case AlgoSHA1:
		sum := sha1.Sum(data)
		got = fmt.Sprintf("%x", sum)
	}
	if got != want {
		return fmt.Errorf("integrity mismatch: declared %s-%s, computed %s-%s", algo, short(want), algo, short(got))
	}
	return nil
}

// ShortIntegrity abbreviates a token's digest for human-facing messages,
// keeping the algorithm prefix.
func ShortIntegrity(token string) string {
	algo, digest, err := ParseIntegrity(token)
	if err != nil {
		return short(token)
	}
	return algo + "-" + short(digest)
}

func short(s string) string {
	if len(s) <= 12 {
		return s
	}
	return s[:12]
}
