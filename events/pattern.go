package events

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/alphadose/haxmap"
)

// Wildcard is the pattern that matches every topic.
const Wildcard = "*"

const namespaceWildcard = TopicSeparator + Wildcard

// PatternKind is the matching tier of a pattern.
type PatternKind uint8

const (
	PatternExact PatternKind = iota
	PatternAll
	PatternNamespace
	PatternGlob
)

func (k PatternKind) String() string {
	switch k {
	case PatternExact:
		return "exact"
	case PatternAll:
		return "all"
	case PatternNamespace:
		return "namespace"
	case PatternGlob:
		return "glob"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// TopicPattern is a parsed subscription pattern.
type TopicPattern struct {
	raw    string
	kind   PatternKind
	prefix string
	re     *regexp.Regexp
}

// ParsePattern classifies a pattern and compiles it when it is a glob.
func ParsePattern(pattern string) (TopicPattern, error) {
	if pattern == "" {
		return TopicPattern{}, fmt.Errorf("pattern is required")
	}

	p := TopicPattern{raw: pattern}
	switch {
	case pattern == Wildcard:
		p.kind = PatternAll
	case strings.HasSuffix(pattern, namespaceWildcard):
		p.kind = PatternNamespace
		p.prefix = strings.TrimSuffix(pattern, Wildcard)
	case !strings.ContainsAny(pattern, "*?"):
		p.kind = PatternExact
	default:
		re, err := compileGlob(pattern)
		if err != nil {
			return TopicPattern{}, err
		}
		p.kind = PatternGlob
		p.re = re
	}
	return p, nil
}

// MustParsePattern is ParsePattern for patterns known to be valid.
func MustParsePattern(pattern string) TopicPattern {
	p, err := ParsePattern(pattern)
	if err != nil {
		panic(err)
	}
	return p
}

func (p TopicPattern) String() string { return p.raw }

// Kind returns the tier the pattern was classified into.
func (p TopicPattern) Kind() PatternKind { return p.kind }

// Matches evaluates the pattern against a topic. The tiers are checked in the
// order exact, global wildcard, namespace wildcard, glob.
func (p TopicPattern) Matches(topic string) bool {
	if p.raw == topic {
		return true
	}
	if p.kind == PatternAll {
		return true
	}
	if p.kind == PatternNamespace {
		return strings.HasPrefix(topic, p.prefix)
	}
	if p.kind == PatternGlob {
		return p.re.MatchString(topic)
	}
	return false
}

var globCache = haxmap.New[string, *regexp.Regexp]()

// Match reports whether topic matches pattern without requiring the caller to
// parse it first. Compiled globs are cached across calls.
func Match(pattern, topic string) bool {
	switch {
	case pattern == topic:
		return true
	case pattern == Wildcard:
		return true
	case strings.HasSuffix(pattern, namespaceWildcard):
		return strings.HasPrefix(topic, strings.TrimSuffix(pattern, Wildcard))
	case !strings.ContainsAny(pattern, "*?"):
		return false
	}

	re, ok := globCache.Get(pattern)
	if !ok {
		compiled, err := compileGlob(pattern)
		if err != nil {
			return false
		}
		re, _ = globCache.GetOrCompute(pattern, func() *regexp.Regexp { return compiled })
	}
	return re.MatchString(topic)
}

// IsGlob reports whether the pattern needs wildcard matching, as opposed to
// plain equality.
func IsGlob(pattern string) bool {
	return strings.ContainsAny(pattern, "*?")
}

func compileGlob(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.Grow(len(pattern) + 8)
	b.WriteString(`^`)
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(`.*`)
		case '?':
			b.WriteString(`.`)
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString(`$`)

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return re, nil
}
