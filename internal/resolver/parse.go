// Package resolver turns raw profile documents into runs, picks the latest one and decides
// whether it is new for a tracked entity.
package resolver

import (
	"sort"

	"example.com/runtracker/internal/upstream"
)

// Shape identifies which layout a profile document used for its run list.
type Shape int

const (
	ShapeUnrecognized Shape = iota
	ShapeRecentRuns
	ShapeMythicPlusRuns
	ShapeRuns
	ShapeNested
	ShapeStructural
)

func (s Shape) String() string {
	switch s {
	case ShapeRecentRuns:
		return "recent_runs"
	case ShapeMythicPlusRuns:
		return "mythic_plus_runs"
	case ShapeRuns:
		return "runs"
	case ShapeNested:
		return "nested"
	case ShapeStructural:
		return "structural"
	default:
		return "unrecognized"
	}
}

// Parsed is the run list found in a document along with the shape that produced it.
// Key names the field the list was read from.
type Parsed struct {
	Shape      Shape
	Key        string
	Activities []upstream.Document
}

var namedShapes = []struct {
	key   string
	shape Shape
}{
	{"mythic_plus_recent_runs", ShapeRecentRuns},
	{"mythic_plus_runs", ShapeMythicPlusRuns},
	{"runs", ShapeRuns},
}

// ParseActivities extracts the run list. Shapes are tried in a fixed order: the primary
// field, the two named alternates, then a structural scan over the remaining keys in sorted
// order. Unknown layouts yield ShapeUnrecognized with no activities.
func ParseActivities(doc upstream.Document) Parsed {
	if len(doc) == 0 {
		return Parsed{Shape: ShapeUnrecognized}
	}

	for _, named := range namedShapes {
		if list, ok := doc.Objects(named.key); ok {
			recordShape(named.shape)
			return Parsed{Shape: named.shape, Key: named.key, Activities: list}
		}
	}

	keys := make([]string, 0, len(doc))
	for key := range doc {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if nested, ok := doc.Object(key); ok {
			if list, ok := nested.Objects("runs"); ok {
				recordShape(ShapeNested)
				return Parsed{Shape: ShapeNested, Key: key + ".runs", Activities: list}
			}
			continue
		}
		total, _ := doc.Len(key)
		if list, ok := doc.Objects(key); ok && looksLikeRuns(list, total) {
			recordShape(ShapeStructural)
			return Parsed{Shape: ShapeStructural, Key: key, Activities: list}
		}
	}

	recordShape(ShapeUnrecognized)
	return Parsed{Shape: ShapeUnrecognized}
}

// looksLikeRuns accepts a non-empty list whose every element is an object carrying a dungeon.
func looksLikeRuns(list []upstream.Document, total int) bool {
	if len(list) == 0 || len(list) != total {
		return false
	}
	for _, item := range list {
		if _, ok := item["dungeon"]; !ok {
			return false
		}
	}
	return true
}
