package upstream

import "strings"

// Seasons lists the partitions a run can belong to. Prior is ordered most recent first.
type Seasons struct {
	Current string
	Prior   []string
}

// LookupOrder returns the current season followed by each prior season, oldest last.
func (s Seasons) LookupOrder() []string {
	out := make([]string, 0, 1+len(s.Prior))
	seen := make(map[string]struct{}, 1+len(s.Prior))
	for _, slug := range append([]string{s.Current}, s.Prior...) {
		slug = strings.ToLower(strings.TrimSpace(slug))
		if slug == "" {
			continue
		}
		if _, dup := seen[slug]; dup {
			continue
		}
		seen[slug] = struct{}{}
		out = append(out, slug)
	}
	return out
}

// Infer finds the season slug embedded in a run URL. Slugs are tried in lookup order and
// must occupy a whole path token, so "season-x" never matches inside "season-x-3".
func (s Seasons) Infer(url string) (string, bool) {
	lowered := strings.ToLower(url)
	if lowered == "" {
		return "", false
	}
	for _, slug := range s.LookupOrder() {
		if containsToken(lowered, slug) {
			return slug, true
		}
	}
	return "", false
}

// IsCurrent reports whether slug names the current season.
func (s Seasons) IsCurrent(slug string) bool {
	return slug != "" && strings.EqualFold(slug, strings.TrimSpace(s.Current))
}

func containsToken(haystack, needle string) bool {
	for offset := 0; offset < len(haystack); {
		idx := strings.Index(haystack[offset:], needle)
		if idx < 0 {
			return false
		}
		start := offset + idx
		end := start + len(needle)
		if (start == 0 || !isSlugByte(haystack[start-1])) && (end == len(haystack) || !isSlugByte(haystack[end])) {
			return true
		}
		offset = start + 1
	}
	return false
}

func isSlugByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9' || b == '-' || b == '_'
}
