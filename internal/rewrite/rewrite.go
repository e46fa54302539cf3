// Package rewrite applies ordered regex substitutions to paths before they
// are stored or handed to a target.
package rewrite

import (
	"fmt"
	"regexp"
)

// Rule is one (from, to) substitution. To may reference capture groups with
// the $1 / ${name} syntax of regexp.Expand.
type Rule struct {
	From string `json:"from" yaml:"from" toml:"from"`
	To   string `json:"to" yaml:"to" toml:"to"`
}

// Rewriter applies its rules left to right; each step's result feeds the
// next. A nil *Rewriter rewrites to the input unchanged.
type Rewriter struct {
	steps []step
}

type step struct {
	from *regexp.Regexp
	to   string
}

// Compile builds a Rewriter from rules. Returns nil for an empty rule list so
// callers can hold an optional rewriter without a presence flag.
func Compile(rules []Rule) (*Rewriter, error) {
	if len(rules) == 0 {
		return nil, nil
	}
	r := &Rewriter{steps: make([]step, 0, len(rules))}
	for i, rule := range rules {
		re, err := regexp.Compile(rule.From)
		if err != nil {
			return nil, fmt.Errorf("rewrite rule %d: invalid pattern %q: %w", i, rule.From, err)
		}
		r.steps = append(r.steps, step{from: re, to: rule.To})
	}
	return r, nil
}

// MustCompile is Compile for static rule lists in tests.
func MustCompile(rules []Rule) *Rewriter {
	r, err := Compile(rules)
	if err != nil {
		panic(err)
	}
	return r
}

// Rewrite returns the path after all substitutions.
func (r *Rewriter) Rewrite(path string) string {
	if r == nil {
		return path
	}
	for _, s := range r.steps {
		path = s.from.ReplaceAllString(path, s.to)
	}
	return path
}
