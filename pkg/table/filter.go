package table

import (
	"slices"

	"github.com/samber/lo"
)

// Filter selects tables by name. Include is applied first and then
// Exclude, so a name present in both sets is excluded.
// An empty Include means every table is included.
type Filter struct {
	include map[string]struct{}
	exclude map[string]struct{}
}

// NewFilter builds a Filter from include and exclude lists.
func NewFilter(include, exclude []string) Filter {
	return Filter{
		include: toSet(include),
		exclude: toSet(exclude),
	}
}

func toSet(names []string) map[string]struct{} {
	if len(names) == 0 {
		return nil
	}
	return lo.SliceToMap(names, func(name string) (string, struct{}) {
		return name, struct{}{}
	})
}

// Match returns true if the table is selected by the filter.
func (f Filter) Match(name string) bool {
	if len(f.include) > 0 {
		if _, ok := f.include[name]; !ok {
			return false
		}
	}
	_, excluded := f.exclude[name]
	return !excluded
}

// Apply returns the names that match the filter, preserving order.
func (f Filter) Apply(names []string) []string {
	return lo.Filter(names, func(name string, _ int) bool {
		return f.Match(name)
	})
}

// Included returns the include list, sorted.
func (f Filter) Included() []string {
	names := lo.Keys(f.include)
	slices.Sort(names)
	return names
}
