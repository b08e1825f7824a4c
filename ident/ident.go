// Package ident generates collision-resistant, prefix-tagged identifiers.
package ident

import (
	"strings"

	"github.com/google/uuid"
)

// Entity kind prefixes.
const (
	PrefixProject = "proj"
	PrefixTask    = "task"
	PrefixSession = "sess"
	PrefixQueue   = "queue"
	PrefixEvent   = "evt"
)

// New returns an identifier of the form "{prefix}_{suffix}" where the
// suffix is a random UUID with dashes stripped.
func New(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// HasPrefix reports whether id carries the given kind prefix.
func HasPrefix(id, prefix string) bool {
	return strings.HasPrefix(id, prefix+"_")
}
