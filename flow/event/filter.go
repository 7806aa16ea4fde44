package event

// Filter reports whether a delivered event should reach a subscriber.
// A nil Filter admits everything.
type Filter func(Event) bool

// TypeFilter admits events whose type matches any of the given types
// (namespace and name; version is ignored).
func TypeFilter(types ...Type) Filter {
	keys := make(map[string]struct{}, len(types))
	for _, t := range types {
		keys[t.Key()] = struct{}{}
	}
	return func(ev Event) bool {
		_, ok := keys[ev.Type.Key()]
		return ok
	}
}

// MinPriority admits events at or above the given priority.
func MinPriority(min Priority) Filter {
	return func(ev Event) bool {
		return ev.Priority >= min
	}
}

// SourceFilter admits events attributed to the given source.
func SourceFilter(source string) Filter {
	return func(ev Event) bool {
		return ev.Source == source
	}
}

// All combines filters conjunctively. Nil entries are skipped.
func All(filters ...Filter) Filter {
	return func(ev Event) bool {
		for _, f := range filters {
			if f != nil && !f(ev) {
				return false
			}
		}
		return true
	}
}

// matches applies a filter chain, treating an empty chain as admit-all.
func matches(filters []Filter, ev Event) bool {
	for _, f := range filters {
		if f != nil && !f(ev) {
			return false
		}
	}
	return true
}
