// Package classifier maps a raw classification endpoint result onto a
// processing track. The string-matching rules used to be scattered across
// call sites; they live here as a single precedence table so they can be
// unit-tested against literal label strings.
package classifier

import (
	"strings"

	"vigilit/internal/model"
)

// Classify maps an endpoint label pair onto a track. Rules are evaluated in
// order, first match wins:
//
//  1. confirmed flag set, or label mentions a probable/confirmed case or a
//     manual-review requirement -> ICSR. The flag dominates even a
//     contradictory "no case" label.
//  2. label or secondary label indicates an area of interest -> AOI.
//  3. label says no case (or a bare "no" with no dissenting secondary) -> NO_CASE.
//  4. anything else -> unset; the record is held for manual triage rather
//     than silently defaulted onto a track.
//
// Pure function, no I/O.
func Classify(label string, confirmed bool, secondaryLabel string) model.Track {
	l := strings.ToLower(strings.TrimSpace(label))
	s := strings.ToLower(strings.TrimSpace(secondaryLabel))

	if confirmed ||
		strings.Contains(l, "probable case") ||
		strings.Contains(l, "confirmed case") ||
		strings.Contains(l, "requires manual review") {
		return model.TrackICSR
	}

	if strings.Contains(l, "probable area-of-interest") ||
		strings.Contains(s, "area-of-interest") ||
		s == "aoi" {
		return model.TrackAOI
	}

	if strings.Contains(l, "no case") || (l == "no" && (s == "" || s == "no")) {
		return model.TrackNoCase
	}

	return model.TrackUnset
}
