package config

import (
	"errors"
	"fmt"
	"slices"

	"github.com/BurntSushi/toml"
)

const maxSuggestDistance = 3

var (
	knownTopKeys = []string{
		"accounts", "database", "debounce", "endpoint_ttl", "lock_mode", "lock_scope",
		"log_file", "log_level", "native", "page_size", "remote_deleted_policy", "workers",
	}
	knownSectionKeys = map[string][]string{
		"native":   {"kind", "root"},
		"accounts": {"name", "origin", "password_env", "password_file", "services", "username"},
	}
)

// checkUnknownKeys turns every undecoded key into an error, with the
// closest known key as a suggestion.
func checkUnknownKeys(md toml.MetaData) error {
	var errs []error
	for _, key := range md.Undecoded() {
		known := knownTopKeys
		if len(key) > 1 {
			known = knownSectionKeys[key[0]]
		}
		if s := closestMatch(key[len(key)-1], known); s != "" {
			errs = append(errs, fmt.Errorf("unknown config key %q, did you mean %q?", key.String(), s))
			continue
		}
		errs = append(errs, fmt.Errorf("unknown config key %q", key.String()))
	}
	return errors.Join(errs...)
}

func closestMatch(unknown string, known []string) string {
	best, bestDist := "", maxSuggestDistance+1
	for _, k := range known {
		if d := levenshtein(unknown, k); d < bestDist {
			best, bestDist = k, d
		}
	}
	return best
}

func levenshtein(a, b string) int {
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := range len(a) {
		curr[0] = i + 1
		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}
			curr[j+1] = slices.Min([]int{prev[j+1] + 1, curr[j] + 1, prev[j] + cost})
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
