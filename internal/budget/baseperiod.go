package budget

import "sort"

// SelectBasePeriod returns the months with actual data that are not being
// estimated, ascending. An empty result is ErrNoBasePeriod.
func SelectBasePeriod(actualMonths, targetMonths []int) ([]int, error) {
	excluded := make(map[int]struct{}, len(targetMonths))
	for _, m := range targetMonths {
		excluded[m] = struct{}{}
	}
	seen := make(map[int]struct{}, len(actualMonths))
	base := make([]int, 0, len(actualMonths))
	for _, m := range actualMonths {
		if m < 1 || m > 12 {
			continue
		}
		if _, skip := excluded[m]; skip {
			continue
		}
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		base = append(base, m)
	}
	if len(base) == 0 {
		return nil, ErrNoBasePeriod
	}
	sort.Ints(base)
	return base, nil
}
