package trustmesh

import (
	"fmt"
	"strings"
)

const (
	DefaultContainer = "com.apple.security.keychain"
	DefaultContext   = "defaultContext"
)

// ContextKey addresses one account trust context on this device.
type ContextKey struct {
	Container string
	Context   string
	// Persona is the altDSID of the account persona owning the context.
	Persona string
}

func (k ContextKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Container, k.Context, k.Persona)
}

// Validate checks that every component is present.
func (k ContextKey) Validate() error {
	switch {
	case strings.TrimSpace(k.Container) == "":
		return &ValidationError{Field: "container", Message: "is required"}
	case strings.TrimSpace(k.Context) == "":
		return &ValidationError{Field: "context", Message: "is required"}
	case strings.TrimSpace(k.Persona) == "":
		return &ValidationError{Field: "persona", Message: "is required"}
	}
	return nil
}

// ContextIDFor derives the context identifier for a persona. The primary
// persona uses the bare base context; others get base_<altDSID>.
func ContextIDFor(base, altDSID string, primary bool) string {
	if base == "" {
		base = DefaultContext
	}
	if primary || altDSID == "" {
		return base
	}
	return base + "_" + altDSID
}
