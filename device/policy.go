package device

import "slices"

// Default picks the highest priority kind present in c, ignoring the kinds
// in skip. It is a pure function of its arguments.
func Default(c *Catalog, order Order, skip ...Kind) (Kind, bool) {
	for _, k := range order {
		if slices.Contains(skip, k) {
			continue
		}
		if c.Has(k) {
			return k, true
		}
	}
	return 0, false
}
