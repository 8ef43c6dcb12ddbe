package mqttbroker

import "strings"

// topicMatch reports whether topic matches an MQTT subscription filter
// pattern, honoring the "+" single-level and "#" multi-level wildcards.
func topicMatch(filter, topic string) bool {
	fParts := strings.Split(filter, "/")
	tParts := strings.Split(topic, "/")

	for i, fp := range fParts {
		if fp == "#" {
			return true
		}
		if i >= len(tParts) {
			return false
		}
		if fp == "+" {
			continue
		}
		if fp != tParts[i] {
			return false
		}
	}
	return len(fParts) == len(tParts)
}
