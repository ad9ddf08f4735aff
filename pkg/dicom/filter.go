package dicom

// FilterAction is the verdict of a filter chain for one element.
type FilterAction int

const (
	// Include keeps the element.
	Include FilterAction = iota
	// Exclude drops the element entirely; no placeholder is emitted.
	Exclude
)

// Predicate is a pure boolean function over one element. Predicates hold
// no mutable state; a chain may be shared across the elements of a dataset.
type Predicate func(tag Tag, elem *Element) bool

// True matches every element.
func True() Predicate {
	return func(Tag, *Element) bool { return true }
}

// False matches no element.
func False() Predicate {
	return func(Tag, *Element) bool { return false }
}

// TagIs matches one exact tag.
func TagIs(want Tag) Predicate {
	return func(tag Tag, _ *Element) bool { return tag == want }
}

// TagIn matches any of the given tags.
func TagIn(tags ...Tag) Predicate {
	set := make(map[Tag]struct{}, len(tags))
	for _, t := range tags {
		set[t] = struct{}{}
	}
	return func(tag Tag, _ *Element) bool {
		_, ok := set[tag]
		return ok
	}
}

// VRIs matches elements of one VR.
func VRIs(want VR) Predicate {
	return func(_ Tag, elem *Element) bool { return elem != nil && elem.VR == want }
}

// VRIn matches elements of any of the given VRs.
func VRIn(vrs ...VR) Predicate {
	set := make(map[VR]struct{}, len(vrs))
	for _, v := range vrs {
		set[v] = struct{}{}
	}
	return func(_ Tag, elem *Element) bool {
		if elem == nil {
			return false
		}
		_, ok := set[elem.VR]
		return ok
	}
}

// Private matches private tags (odd group number).
func Private() Predicate {
	return func(tag Tag, _ *Element) bool { return tag.IsPrivate() }
}

// And matches when every child matches.
func And(children ...Predicate) Predicate {
	return func(tag Tag, elem *Element) bool {
		for _, child := range children {
			if !child(tag, elem) {
				return false
			}
		}
		return true
	}
}

// Or matches when any child matches.
func Or(children ...Predicate) Predicate {
	return func(tag Tag, elem *Element) bool {
		for _, child := range children {
			if child(tag, elem) {
				return true
			}
		}
		return false
	}
}

// Not inverts a predicate.
func Not(child Predicate) Predicate {
	return func(tag Tag, elem *Element) bool { return !child(tag, elem) }
}

// FilterRule pairs a predicate with the action taken when it matches.
type FilterRule struct {
	Match  Predicate
	Action FilterAction
}

// FilterChain is an ordered rule list with a default action. Rules are
// evaluated in insertion order; the first match wins.
type FilterChain struct {
	Rules   []FilterRule
	Default FilterAction
}

// NewFilterChain builds a chain with the given default action.
func NewFilterChain(defaultAction FilterAction, rules ...FilterRule) *FilterChain {
	return &FilterChain{Rules: rules, Default: defaultAction}
}

// Evaluate returns the action for one element.
func (c *FilterChain) Evaluate(tag Tag, elem *Element) FilterAction {
	if c == nil {
		return Include
	}
	for _, rule := range c.Rules {
		if rule.Match(tag, elem) {
			return rule.Action
		}
	}
	return c.Default
}
