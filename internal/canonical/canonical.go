// Package canonical implements the byte-exact canonicalization contract
// shared with the Configuration Source-of-Truth: properties sorted
// lexicographically by key, one `key=value\n` line per property, no
// trailing newline, prefixed by `application|profile|label|version\n`,
// hashed with SHA-256 into lowercase hex. Every implementer on either
// side of the contract must reproduce this byte sequence exactly or
// drift will be spurious.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Descriptor identifies the configuration profile a set of properties
// belongs to, forming the hash prefix.
type Descriptor struct {
	Application string
	Profile     string
	Label       string
	Version     string
}

// prefix renders the descriptor line exactly as the contract requires.
func (d Descriptor) prefix() string {
	return d.Application + "|" + d.Profile + "|" + d.Label + "|" + d.Version + "\n"
}

// Form renders properties into the canonical byte sequence: the
// descriptor prefix line followed by each key=value pair in
// lexicographic key order, one per line, with no trailing newline.
// Key order in the input map never affects the output.
func Form(descriptor Descriptor, properties map[string]string) []byte {
	keys := make([]string, 0, len(properties))
	for k := range properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(descriptor.prefix())
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(properties[k])
	}
	return []byte(b.String())
}

// Hash computes the lowercase-hex SHA-256 of properties' canonical form.
func Hash(descriptor Descriptor, properties map[string]string) string {
	sum := sha256.Sum256(Form(descriptor, properties))
	return hex.EncodeToString(sum[:])
}
