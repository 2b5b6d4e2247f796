package corfs

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// globRegex captures the part of a path in front of the first glob meta character
var globRegex = regexp.MustCompile(`^([^*?\[]*)[*?\[]`)

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func parseURIWithMap(uri string, validSchemes map[string]bool) (*url.URL, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}

	if _, ok := validSchemes[parsed.Scheme]; !ok {
		return nil, fmt.Errorf("invalid object store scheme: '%s'", parsed.Scheme)
	}

	parsed.Path = strings.TrimPrefix(parsed.Path, "/")
	return parsed, nil
}

// globPrefix returns the static prefix of a glob pattern.
func globPrefix(pattern string) string {
	if m := globRegex.FindStringSubmatch(pattern); m != nil {
		return m[1]
	}
	return pattern
}
