package broker

import "strings"

// MatchTopic reports whether a routing key matches a topic binding pattern.
// Words are separated by dots; "*" matches exactly one word and "#" matches
// zero or more words.
func MatchTopic(pattern, routingKey string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(routingKey, "."))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}

// Routes reports whether a message with routingKey published to an exchange of
// the given kind reaches a queue bound with bindingKey.
func Routes(kind ExchangeKind, bindingKey, routingKey string) bool {
	switch kind {
	case ExchangeFanout:
		return true
	case ExchangeDirect:
		return bindingKey == routingKey
	case ExchangeTopic:
		return MatchTopic(bindingKey, routingKey)
	}
	return false
}
