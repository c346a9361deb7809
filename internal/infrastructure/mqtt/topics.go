package mqtt

import (
	"fmt"
	"strings"
)

// maxTopicLength is the MQTT limit on UTF-8 encoded topic names.
const maxTopicLength = 65535

// ValidateTopic checks a topic name used for publishing. Wildcards are not
// allowed in topic names.
func ValidateTopic(topic string) error {
	if err := validateCommon(topic); err != nil {
		return err
	}
	if strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("%w: wildcard in topic name %q", ErrInvalidTopic, topic)
	}
	return nil
}

// ValidateFilter checks a subscription filter. '+' must occupy a whole
// level and '#' must be the whole last level.
func ValidateFilter(filter string) error {
	if err := validateCommon(filter); err != nil {
		return err
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#":
			if i != len(levels)-1 {
				return fmt.Errorf("%w: '#' must be the last level in %q", ErrInvalidTopic, filter)
			}
		case level == "+":
		case strings.ContainsAny(level, "+#"):
			return fmt.Errorf("%w: wildcard must occupy a whole level in %q", ErrInvalidTopic, filter)
		}
	}
	return nil
}

// Match reports whether topic is matched by filter.
func Match(filter, topic string) bool {
	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	for i, level := range f {
		if level == "#" {
			return true
		}
		if i >= len(t) {
			return false
		}
		if level != "+" && level != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}

func validateCommon(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if len(topic) > maxTopicLength {
		return fmt.Errorf("%w: topic exceeds %d bytes", ErrInvalidTopic, maxTopicLength)
	}
	if strings.ContainsRune(topic, 0) {
		return fmt.Errorf("%w: topic contains NUL", ErrInvalidTopic)
	}
	return nil
}
