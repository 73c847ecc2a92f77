package align

import "strings"

// Policy decides whether a normalised spoken word matches a normalised
// script token. Both arguments are non-empty.
type Policy interface {
	Match(spoken, token string) bool
	Name() string
}

// PolicyFunc adapts a function to the [Policy] interface.
type PolicyFunc struct {
	Label string
	Fn    func(spoken, token string) bool
}

// Match calls p.Fn.
func (p PolicyFunc) Match(spoken, token string) bool { return p.Fn(spoken, token) }

// Name returns p.Label.
func (p PolicyFunc) Name() string { return p.Label }

var (
	// ExactMatch requires the normalised forms to be identical. This is the
	// default policy.
	ExactMatch Policy = PolicyFunc{
		Label: "exact",
		Fn:    func(spoken, token string) bool { return spoken == token },
	}

	// ContainmentMatch also accepts a match when either form contains the
	// other ("runs" against "run", "everyone" against "one"). It tolerates
	// more recognition noise at the cost of false advances on short words and
	// is opt-in only.
	ContainmentMatch Policy = PolicyFunc{
		Label: "containment",
		Fn: func(spoken, token string) bool {
			return strings.Contains(token, spoken) || strings.Contains(spoken, token)
		},
	}
)

// PolicyByName returns the policy registered under name ("exact" or
// "containment").
func PolicyByName(name string) (Policy, bool) {
	switch name {
	case "", ExactMatch.Name():
		return ExactMatch, true
	case ContainmentMatch.Name():
		return ContainmentMatch, true
	}
	return nil, false
}
