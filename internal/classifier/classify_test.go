package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"vigilit/internal/model"
)

func TestClassifyPrecedence(t *testing.T) {
	tests := []struct {
		name      string
		label     string
		confirmed bool
		secondary string
		want      model.Track
	}{
		{"probable case label", "Probable case of drug-induced liver injury", false, "", model.TrackICSR},
		{"confirmed case label", "confirmed case", false, "", model.TrackICSR},
		{"manual review label", "Requires manual review", false, "", model.TrackICSR},
		{"confirmed flag alone", "", true, "", model.TrackICSR},
		{"confirmed flag beats no-case label", "no case", true, "", model.TrackICSR},
		{"confirmed flag beats aoi secondary", "no", true, "area-of-interest", model.TrackICSR},
		{"probable aoi label", "Probable area-of-interest", false, "", model.TrackAOI},
		{"aoi via secondary", "unclear", false, "Area-of-interest finding", model.TrackAOI},
		{"aoi short secondary", "unclear", false, "AOI", model.TrackAOI},
		{"no case label", "No case identified", false, "", model.TrackNoCase},
		{"bare no with empty secondary", "no", false, "", model.TrackNoCase},
		{"bare no with no secondary", "No", false, "no", model.TrackNoCase},
		{"bare no with dissenting secondary", "no", false, "maybe", model.TrackUnset},
		{"unknown label stays unset", "inconclusive narrative", false, "", model.TrackUnset},
		{"empty everything", "", false, "", model.TrackUnset},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.label, tt.confirmed, tt.secondary))
		})
	}
}

func TestClassifyIsCaseInsensitive(t *testing.T) {
	assert.Equal(t, model.TrackICSR, Classify("PROBABLE CASE", false, ""))
	assert.Equal(t, model.TrackAOI, Classify("probable AREA-OF-INTEREST", false, ""))
	assert.Equal(t, model.TrackNoCase, Classify("NO CASE", false, ""))
}
