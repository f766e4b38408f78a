/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package scheduling

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Domain describes the integer space a set expression is parsed against,
// including the names that may stand in for values (e.g. "mon", "jan").
type Domain struct {
	Label string
	Min   int
	Max   int
	// Names maps onto [Min, Max] in order. Tokens may be truncated down to
	// SignificantChars characters ("monday", "mond" and "mon" are equivalent).
	Names            []string
	SignificantChars int
	// WrapAllowed permits ranges where the first endpoint is greater than the
	// second, e.g. "fri-mon" or "dec-feb".
	WrapAllowed bool
}

var (
	// WeekdayDomain is Monday-based, matching the schedule library's on-disk
	// convention rather than time.Weekday.
	WeekdayDomain = Domain{
		Label:            "weekdays",
		Min:              0,
		Max:              6,
		Names:            []string{"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"},
		SignificantChars: 3,
		WrapAllowed:      true,
	}
	MonthdayDomain = Domain{
		Label:       "monthdays",
		Min:         1,
		Max:         31,
		WrapAllowed: true,
	}
	MonthDomain = Domain{
		Label:            "months",
		Min:              1,
		Max:              12,
		Names:            []string{"january", "february", "march", "april", "may", "june", "july", "august", "september", "october", "november", "december"},
		SignificantChars: 3,
		WrapAllowed:      true,
	}
)

// Set is a parsed set expression over a single domain.
type Set map[int]struct{}

func (s Set) Contains(v int) bool {
	_, ok := s[v]
	return ok
}

func (s Set) Values() []int {
	values := make([]int, 0, len(s))
	for v := range s {
		values = append(values, v)
	}
	sort.Ints(values)
	return values
}

// ParseExpressions parses a collection of comma-separated expressions into a
// single set. The parser is deterministic and side-effect free; any invalid
// token rejects the whole input.
func (d Domain) ParseExpressions(expressions ...string) (Set, error) {
	set := Set{}
	for _, expression := range expressions {
		for _, token := range strings.Split(expression, ",") {
			token = strings.ToLower(strings.TrimSpace(token))
			if token == "" {
				continue
			}
			if err := d.parseToken(token, set); err != nil {
				return nil, fmt.Errorf("parsing %s expression %q, %w", d.Label, expression, err)
			}
		}
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("%s expression %q yields an empty set", d.Label, strings.Join(expressions, ","))
	}
	return set, nil
}

func (d Domain) parseToken(token string, set Set) error {
	base, step, stepped, err := d.splitStep(token)
	if err != nil {
		return err
	}
	values, err := d.enumerate(base, stepped)
	if err != nil {
		return err
	}
	for i := 0; i < len(values); i += step {
		set[values[i]] = struct{}{}
	}
	return nil
}

// splitStep peels an optional "/n" increment off a token.
func (d Domain) splitStep(token string) (string, int, bool, error) {
	base, stepStr, found := strings.Cut(token, "/")
	if !found {
		return token, 1, false, nil
	}
	step, err := strconv.Atoi(stepStr)
	if err != nil || step <= 0 {
		return "", 0, false, fmt.Errorf("step %q must be a positive number", stepStr)
	}
	return base, step, true, nil
}

// enumerate expands a range or single token into its ordered values. A single
// value used with a step ("a/n") extends to the end of the domain.
func (d Domain) enumerate(base string, stepped bool) ([]int, error) {
	if base == "*" || base == "?" {
		return d.span(d.Min, d.Max), nil
	}
	if first, second, found := strings.Cut(base, "-"); found {
		begin, err := d.resolve(first)
		if err != nil {
			return nil, err
		}
		end, err := d.resolve(second)
		if err != nil {
			return nil, err
		}
		if begin > end {
			if !d.WrapAllowed {
				return nil, fmt.Errorf("wrapping range %q is not allowed for %s", base, d.Label)
			}
			return append(d.span(begin, d.Max), d.span(d.Min, end)...), nil
		}
		return d.span(begin, end), nil
	}
	value, err := d.resolve(base)
	if err != nil {
		return nil, err
	}
	if stepped {
		return d.span(value, d.Max), nil
	}
	return []int{value}, nil
}

func (d Domain) span(begin, end int) []int {
	values := make([]int, 0, end-begin+1)
	for v := begin; v <= end; v++ {
		values = append(values, v)
	}
	return values
}

// resolve turns a single value token into its integer, accepting numbers,
// first/last wildcards and (possibly truncated) names.
func (d Domain) resolve(token string) (int, error) {
	switch token {
	case "^":
		return d.Min, nil
	case "$":
		return d.Max, nil
	}
	if value, err := strconv.Atoi(token); err == nil {
		if value < d.Min || value > d.Max {
			return 0, fmt.Errorf("value %d is outside of %s range %d-%d", value, d.Label, d.Min, d.Max)
		}
		return value, nil
	}
	if len(d.Names) != 0 && len(token) >= d.SignificantChars {
		for i, name := range d.Names {
			if strings.HasPrefix(name, token) {
				return d.Min + i, nil
			}
		}
	}
	return 0, fmt.Errorf("unknown %s token %q", d.Label, token)
}
