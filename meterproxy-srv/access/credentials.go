package access

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
)

// CredentialSet maps usernames to password digests.
type CredentialSet struct {
	users map[string][sha256.Size]byte
}

// NewCredentialSet parses "user:pass" entries. The password may contain ':'.
func NewCredentialSet(users []string) (*CredentialSet, error) {
	set := &CredentialSet{users: make(map[string][sha256.Size]byte, len(users))}
	for i, entry := range users {
		name, pass, ok := strings.Cut(entry, ":")
		if !ok || name == "" {
			return nil, fmt.Errorf("user at index %d must have the form user:pass", i)
		}
		set.users[name] = sha256.Sum256([]byte(pass))
	}
	return set, nil
}

// Verify compares the password in constant time. Unknown users still pay for
// one comparison.
func (c *CredentialSet) Verify(username, password string) bool {
	got := sha256.Sum256([]byte(password))
	want, ok := c.users[username]
	if !ok {
		subtle.ConstantTimeCompare(got[:], make([]byte, sha256.Size))
		return false
	}
	return subtle.ConstantTimeCompare(got[:], want[:]) == 1
}

// Len returns the number of configured users.
func (c *CredentialSet) Len() int {
	return len(c.users)
}

// ParseBasicAuth decodes a "Basic <base64>" header value.
func ParseBasicAuth(header string) (username, password string, ok bool) {
	const prefix = "Basic "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header[len(prefix):]))
	if err != nil {
		return "", "", false
	}
	username, password, ok = strings.Cut(string(decoded), ":")
	if !ok {
		return "", "", false
	}
	return username, password, true
}
