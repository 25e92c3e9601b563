package helpers

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

func GenerateToken(len int) (string, error) {
	b := make([]byte, len)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return hex.EncodeToString(b), nil
}

// IsSafeRedirectPath reports whether p is a path on this site that can be used
// as a post-login redirect target.
func IsSafeRedirectPath(p string) bool {
	if p == "" || !strings.HasPrefix(p, "/") {
		return false
	}

	// protocol relative urls and backslash tricks leave the site
	if strings.HasPrefix(p, "//") || strings.Contains(p, "\\") {
		return false
	}

	return !strings.ContainsAny(p, "\r\n\t")
}
