package strategy

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Matcher decides whether a route applies to a request
type Matcher interface {
	Match(req *Request) bool
}

// MatcherFunc adapts a function to Matcher
type MatcherFunc func(req *Request) bool

// Match implements Matcher
func (f MatcherFunc) Match(req *Request) bool { return f(req) }

// Path matches the URL path against a glob; "**" crosses path segments
func Path(pattern string) (Matcher, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid path glob %q", pattern)
	}
	return MatcherFunc(func(req *Request) bool {
		p := req.URL.Path
		if p == "" {
			p = "/"
		}
		ok, _ := doublestar.Match(pattern, p)
		return ok
	}), nil
}

// URLRegexp matches the full request URL against expr
func URLRegexp(expr string) (Matcher, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid url pattern: %w", err)
	}
	return MatcherFunc(func(req *Request) bool {
		return re.MatchString(req.URL.String())
	}), nil
}

// Origin matches requests whose scheme and host equal origin's
func Origin(origin string) (Matcher, error) {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid origin %q", origin)
	}
	return MatcherFunc(func(req *Request) bool {
		return strings.EqualFold(req.URL.Scheme, u.Scheme) && strings.EqualFold(req.URL.Host, u.Host)
	}), nil
}

// Destination matches any of the given request destinations
func Destination(dests ...string) Matcher {
	return MatcherFunc(func(req *Request) bool {
		for _, d := range dests {
			if strings.EqualFold(req.Destination, d) {
				return true
			}
		}
		return false
	})
}

// Navigation matches top-level document loads
func Navigation() Matcher {
	return MatcherFunc(func(req *Request) bool { return req.IsNavigation() })
}

// Accept matches when the Accept header contains s
func Accept(s string) Matcher {
	return MatcherFunc(func(req *Request) bool {
		return strings.Contains(strings.ToLower(req.Accept()), strings.ToLower(s))
	})
}

// All matches when every matcher does; All() matches everything
func All(ms ...Matcher) Matcher {
	return MatcherFunc(func(req *Request) bool {
		for _, m := range ms {
			if !m.Match(req) {
				return false
			}
		}
		return true
	})
}
