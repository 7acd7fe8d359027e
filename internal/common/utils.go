package common

import "strings"

// HasAny returns true if s contains any of the substrings. Used to classify
// provider data point codes by keyword.
func HasAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
