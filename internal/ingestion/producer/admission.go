package producer

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/zsiec/cadence/internal/errors"
)

// alphaSuffixes mark key-signal companions of another resource; they are
// never opened on their own.
var alphaSuffixes = []string{"_A", "_ALPHA"}

// CheckResource validates a resource before a producer is built for it. An
// empty allow-list accepts every scheme.
func CheckResource(resource string, allowedSchemes []string) error {
	if strings.TrimSpace(resource) == "" {
		return errors.NewValidationError("resource is required")
	}
	for _, suffix := range alphaSuffixes {
		if strings.HasSuffix(resource, suffix) {
			return errors.NewValidationError(fmt.Sprintf("resource %q is an alpha companion", resource))
		}
	}

	u, err := url.Parse(resource)
	if err != nil || u.Scheme == "" {
		return errors.NewValidationError(fmt.Sprintf("resource %q is not a URL", resource))
	}
	if len(allowedSchemes) == 0 {
		return nil
	}
	scheme := strings.ToLower(u.Scheme)
	for _, s := range allowedSchemes {
		if strings.EqualFold(s, scheme) {
			return nil
		}
	}
	return errors.NewValidationError(fmt.Sprintf("scheme %q is not allowed", u.Scheme))
}
