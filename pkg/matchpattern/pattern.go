// Package matchpattern compiles URL include/exclude rules into matchers.
//
// A rule is either a regular expression source framed by '^' and '$', a
// WebExtension match pattern (scheme://host/path), or the "<all_urls>"
// sentinel. All matching is case-insensitive.
package matchpattern

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// AllURLs matches every URL with a web, file, ftp or app scheme.
const AllURLs = "<all_urls>"

const allURLsSource = `^(?:https?|file|ftp|app)://`

// ErrInvalidPattern is matched by every *InvalidPatternError.
var ErrInvalidPattern = errors.New("invalid pattern")

// matches all valid match patterns (except AllURLs) and extracts scheme, host and path
var matchPattern = regexp.MustCompile(`(?i)^(?:(\*|http|https|file|ftp|app)://(\*|(?:\*\.)?[^/*]+|)/(.*))$`)

// InvalidPatternError reports a rule that is neither a framed regular
// expression nor a valid match pattern.
type InvalidPatternError struct {
	Pattern string
	Err     error
}

func (e *InvalidPatternError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid pattern %q: %v", e.Pattern, e.Err)
	}
	return fmt.Sprintf("expected a match pattern or a regular expression framed with '^' and '$', got %q", e.Pattern)
}

func (e *InvalidPatternError) Unwrap() error { return e.Err }

func (e *InvalidPatternError) Is(target error) bool { return target == ErrInvalidPattern }

// Matcher tests URLs against one compiled rule.
type Matcher struct {
	source string
	re     *regexp.Regexp
}

// Compile turns a rule into a Matcher.
func Compile(pattern string) (*Matcher, error) {
	if len(pattern) >= 2 && strings.HasPrefix(pattern, "^") && strings.HasSuffix(pattern, "$") {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return nil, &InvalidPatternError{Pattern: pattern, Err: err}
		}
		return &Matcher{source: pattern, re: re}, nil
	}

	source, err := toRegexp(pattern)
	if err != nil {
		return nil, err
	}
	return &Matcher{source: source, re: regexp.MustCompile("(?i)" + source)}, nil
}

// MustCompile is like Compile but panics on invalid rules.
func MustCompile(pattern string) *Matcher {
	m, err := Compile(pattern)
	if err != nil {
		panic(err)
	}
	return m
}

// CompileAll compiles a rule set, failing on the first invalid rule.
func CompileAll(patterns []string) ([]*Matcher, error) {
	matchers := make([]*Matcher, 0, len(patterns))
	for _, pattern := range patterns {
		m, err := Compile(pattern)
		if err != nil {
			return nil, err
		}
		matchers = append(matchers, m)
	}
	return matchers, nil
}

// Test reports whether url is matched.
func (m *Matcher) Test(url string) bool {
	return m.re.MatchString(url)
}

// Source returns the regular expression source. Compiling it again yields
// an equivalent Matcher.
func (m *Matcher) Source() string {
	return m.source
}

func (m *Matcher) String() string {
	return m.source
}

// AnyMatch reports whether any of the matchers accepts url.
func AnyMatch(matchers []*Matcher, url string) bool {
	for _, m := range matchers {
		if m.Test(url) {
			return true
		}
	}
	return false
}

// Sources returns the sources of the matchers.
func Sources(matchers []*Matcher) []string {
	out := make([]string, len(matchers))
	for i, m := range matchers {
		out[i] = m.source
	}
	return out
}

func toRegexp(pattern string) (string, error) {
	if pattern == AllURLs || pattern == "*" {
		return allURLsSource, nil
	}
	match := matchPattern.FindStringSubmatch(pattern)
	if match == nil {
		return "", &InvalidPatternError{Pattern: pattern}
	}
	scheme, host, path := match[1], match[2], match[3]

	var b strings.Builder
	b.WriteString("^(?:")
	if scheme == "*" {
		b.WriteString("https?")
	} else {
		b.WriteString(regexp.QuoteMeta(scheme))
	}
	b.WriteString("://")
	switch {
	case host == "*":
		b.WriteString(`[^/]+?`)
	case strings.HasPrefix(host, "*."):
		b.WriteString(`(?:[^/]+?\.)?`)
		b.WriteString(regexp.QuoteMeta(host[2:]))
	default:
		b.WriteString(regexp.QuoteMeta(host))
	}
	if path != "" {
		b.WriteString("/")
		b.WriteString(strings.ReplaceAll(regexp.QuoteMeta(path), `\*`, ".*"))
	} else {
		b.WriteString("/?")
	}
	b.WriteString(")$")
	return b.String(), nil
}
