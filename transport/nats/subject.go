package nats

import (
	"fmt"
	"strings"

	"github.com/c360/mqfabric/errors"
	"github.com/c360/mqfabric/topic"
)

// TopicToSubject maps a slash topic or broker filter to a NATS subject:
// "/" becomes ".", "+" becomes "*" and a final "#" becomes ">". Segments
// that would change meaning as subject tokens are rejected.
func TopicToSubject(t string) (string, error) {
	if t == "" {
		return "", fmt.Errorf("%w: empty topic", errors.ErrInvalidTopic)
	}
	levels := strings.Split(t, topic.Separator)
	for i, level := range levels {
		switch {
		case level == "":
			return "", fmt.Errorf("%w: %q has an empty level", errors.ErrInvalidTopic, t)
		case level == topic.SingleLevel:
			levels[i] = "*"
		case level == topic.MultiLevel:
			if i != len(levels)-1 {
				return "", fmt.Errorf("%w: %q: # must be last", errors.ErrInvalidPattern, t)
			}
			levels[i] = ">"
		case strings.ContainsAny(level, ".*> \t\r\n"):
			return "", fmt.Errorf("%w: level %q cannot be mapped to a subject token", errors.ErrInvalidTopic, level)
		}
	}
	return strings.Join(levels, "."), nil
}

// FilterToSubjects returns the subjects needed to cover a broker filter.
// A trailing "#" also matches its parent level, which ">" does not, so
// "a/#" needs both "a.>" and "a".
func FilterToSubjects(filter string) ([]string, error) {
	if err := topic.ValidFilter(filter); err != nil {
		return nil, err
	}
	subject, err := TopicToSubject(filter)
	if err != nil {
		return nil, err
	}
	if parent, ok := strings.CutSuffix(subject, ".>"); ok {
		return []string{subject, parent}, nil
	}
	return []string{subject}, nil
}

// SubjectToTopic is the inverse of TopicToSubject.
func SubjectToTopic(subject string) string {
	tokens := strings.Split(subject, ".")
	for i, tok := range tokens {
		switch tok {
		case "*":
			tokens[i] = topic.SingleLevel
		case ">":
			tokens[i] = topic.MultiLevel
		}
	}
	return strings.Join(tokens, topic.Separator)
}
