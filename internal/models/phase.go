package models

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ParsePhase splits a decimal-dotted phase identifier ("-1", "2", "2.3")
// into its numeric components.
func ParsePhase(id string) ([]int, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("empty phase identifier")
	}
	parts := strings.Split(id, ".")
	out := make([]int, 0, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid phase identifier %q", id)
		}
		if i > 0 && n < 0 {
			return nil, fmt.Errorf("invalid phase identifier %q: negative sub-phase", id)
		}
		out = append(out, n)
	}
	return out, nil
}

// ComparePhases orders phases numerically component by component, so "2"
// sorts before "10" and "1" before "1.1". Unparseable identifiers sort
// after every valid one, lexicographically among themselves.
func ComparePhases(a, b string) int {
	pa, errA := ParsePhase(a)
	pb, errB := ParsePhase(b)
	switch {
	case errA != nil && errB != nil:
		return strings.Compare(a, b)
	case errA != nil:
		return 1
	case errB != nil:
		return -1
	}
	for i := 0; i < len(pa) && i < len(pb); i++ {
		if pa[i] != pb[i] {
			if pa[i] < pb[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(pa) < len(pb):
		return -1
	case len(pa) > len(pb):
		return 1
	}
	return 0
}

// SortPhases sorts phase identifiers in place into canonical order.
func SortPhases(phases []string) {
	sort.SliceStable(phases, func(i, j int) bool {
		return ComparePhases(phases[i], phases[j]) < 0
	})
}
