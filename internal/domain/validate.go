package domain

import (
	"fmt"
	"strings"
)

// ValidateHandle checks an Instagram-style handle: 1-30 chars drawn from
// letters, digits, dot and underscore, with no leading, trailing or doubled
// dot. Both actor and target refs are handles.
func ValidateHandle(ref string) error {
	if ref == "" {
		return fmt.Errorf("handle is empty")
	}
	if len(ref) > 30 {
		return fmt.Errorf("handle %q exceeds 30 characters", ref)
	}
	for _, r := range ref {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_':
		default:
			return fmt.Errorf("handle %q contains invalid character %q", ref, r)
		}
	}
	if strings.HasPrefix(ref, ".") || strings.HasSuffix(ref, ".") {
		return fmt.Errorf("handle %q starts or ends with a dot", ref)
	}
	if strings.Contains(ref, "..") {
		return fmt.Errorf("handle %q contains consecutive dots", ref)
	}
	return nil
}
