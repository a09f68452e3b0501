package events

import (
	"fmt"
	"strings"
)

// Match reports whether topic matches pattern.
func Match(pattern, topic string) bool {
	return matchSegments(strings.Split(pattern, "."), strings.Split(topic, "."))
}

func matchSegments(p, t []string) bool {
	for len(p) > 0 {
		switch p[0] {
		case "#":
			if len(p) == 1 {
				return true
			}
			for i := 0; i <= len(t); i++ {
				if matchSegments(p[1:], t[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(t) == 0 {
				return false
			}
		default:
			if len(t) == 0 || p[0] != t[0] {
				return false
			}
		}
		p, t = p[1:], t[1:]
	}
	return len(t) == 0
}

// ValidatePattern rejects empty segments and wildcards mixed into a segment.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("empty topic pattern")
	}
	for _, seg := range strings.Split(pattern, ".") {
		if seg == "" {
			return fmt.Errorf("topic pattern %q has an empty segment", pattern)
		}
		if seg != "*" && seg != "#" && strings.ContainsAny(seg, "*#") {
			return fmt.Errorf("topic pattern %q: wildcards must be whole segments", pattern)
		}
	}
	return nil
}

func validateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("empty topic")
	}
	for _, seg := range strings.Split(topic, ".") {
		if seg == "" || strings.ContainsAny(seg, "*#") {
			return fmt.Errorf("invalid topic %q", topic)
		}
	}
	return nil
}
