package workflow

import (
	"math/rand"

	"vigilit/internal/model"
)

// SelectAutoPass picks the records in a batch that skip triage. The
// percentage is applied over the whole batch by random selection, not by
// per-item coin flips, so the realized rate stays within rounding of the
// configured one. Selection is unseeded and therefore not reproducible
// across runs.
func SelectAutoPass(records []model.IngestRecord, percent int) map[string]bool {
	selected := make(map[string]bool)
	if percent <= 0 || len(records) == 0 {
		return selected
	}
	if percent >= 100 {
		for _, r := range records {
			selected[r.PMID] = true
		}
		return selected
	}

	count := (len(records)*percent + 50) / 100
	if count == 0 {
		return selected
	}

	idx := rand.Perm(len(records))
	for _, i := range idx[:count] {
		selected[records[i].PMID] = true
	}
	return selected
}
