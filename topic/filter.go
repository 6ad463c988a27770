package topic

import (
	"fmt"
	"strings"

	"github.com/c360/mqfabric/errors"
)

// ValidFilter checks broker wildcard syntax: "+" and "#" must occupy a whole
// level and "#" must be last.
func ValidFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("%w: empty filter", errors.ErrInvalidPattern)
	}
	levels := strings.Split(filter, Separator)
	for i, level := range levels {
		if strings.Contains(level, MultiLevel) && (level != MultiLevel || i != len(levels)-1) {
			return fmt.Errorf("%w: %q: # must be a whole final level", errors.ErrInvalidPattern, filter)
		}
		if strings.Contains(level, SingleLevel) && level != SingleLevel {
			return fmt.Errorf("%w: %q: + must be a whole level", errors.ErrInvalidPattern, filter)
		}
	}
	return nil
}

// MatchFilter reports whether a concrete topic matches a broker filter.
// "+" matches one level, a final "#" matches zero or more levels, and
// wildcards in the first level never match topics beginning with "$".
func MatchFilter(filter, t string) bool {
	if filter == t {
		return true
	}
	if strings.HasPrefix(t, "$") && (strings.HasPrefix(filter, SingleLevel) || strings.HasPrefix(filter, MultiLevel)) {
		return false
	}

	fl := strings.Split(filter, Separator)
	tl := strings.Split(t, Separator)

	for i, level := range fl {
		if level == MultiLevel {
			return i == len(fl)-1
		}
		if i >= len(tl) {
			return false
		}
		if level != SingleLevel && level != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}
