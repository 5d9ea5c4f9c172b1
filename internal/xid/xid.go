package xid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// New returns a document key of the form "<prefix>-<uuid>". Keys must never
// start with an underscore because the document store reserves that prefix.
func New(prefix string) string {
	prefix = strings.TrimLeft(strings.TrimSpace(prefix), "_")
	if prefix == "" {
		return uuid.NewString()
	}
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}
