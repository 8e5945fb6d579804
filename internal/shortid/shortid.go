// Package shortid generates the short correlation identifiers used for
// invokeIds and generated invoke-family tags. Callers use New directly;
// no entry point of the module accepts a different Generator.
package shortid

import (
	"encoding/base32"
	"strings"

	"github.com/google/uuid"
)

// Generator produces a fresh, practically-unique identifier on every call.
// The core assumes a collision rate below 10⁻⁹ per invoke family and never
// checks for collisions itself.
type Generator func() string

// New is the default Generator. It truncates a UUIDv4 to a 13-character
// base32 string, short enough to be readable in logs and wire frames while
// keeping collision probability well under the assumed bound for any
// reasonable number of concurrent invocations.
func New() string {
	id := uuid.New()
	enc := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(id[:])
	return strings.ToLower(enc[:13])
}
