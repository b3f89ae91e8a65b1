package router

import "github.com/gyaneshwarpardhi/paystream/internal/event"

// branch is one (predicate, label) entry of a stage.
type branch struct {
	label Label
	match func(*event.Unified) bool
}

// stage is an ordered list of branches with an optional fallback label.
type stage struct {
	branches []branch
	fallback Label // empty = no default branch
}

// classify returns the label of the first matching branch, then the
// fallback. ok is false only when nothing matched and there is no fallback.
func (s stage) classify(ev *event.Unified) (Label, bool) {
	for _, b := range s.branches {
		if b.match(ev) {
			return b.label, true
		}
	}
	if s.fallback != "" {
		return s.fallback, true
	}
	return "", false
}
