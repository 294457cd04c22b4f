package rewrite

import "strconv"

// generateAlias picks a default alias for an auto-joined model: the
// lowercased first letter of its name, disambiguated against used by
// appending 2, 3, ... on collision (REDESIGN FLAG: numeric suffixes start at
// 2, not 1, so the first collision reads "c, c2" rather than "c1, c2").
func generateAlias(modelName string, used map[string]bool) string {
	base := "t"
	if modelName != "" {
		r := []rune(modelName)[0]
		if r >= 'A' && r <= 'Z' {
			r += 'a' - 'A'
		}
		base = string(r)
	}

	if !used[base] {
		return base
	}
	for n := 2; ; n++ {
		candidate := base + strconv.Itoa(n)
		if !used[candidate] {
			return candidate
		}
	}
}
