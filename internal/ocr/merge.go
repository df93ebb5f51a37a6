package ocr

import (
	"regexp"
	"sort"
	"strings"

	"docqa/internal/models"
)

var purePunctRe = regexp.MustCompile(`^[^\p{L}\p{N}]+$`)

// MergeFragments joins horizontally adjacent fragments on the same visual
// line and drops noise. Recognition engines emit many tiny boxes (single
// letters, bullets) that hurt retrieval quality.
func MergeFragments(fragments []models.RecognizedFragment) []models.RecognizedFragment {
	var valid []models.RecognizedFragment
	for _, f := range fragments {
		t := strings.TrimSpace(f.Text)
		if t == "" {
			continue
		}
		if len([]rune(t)) == 1 {
			continue
		}
		if purePunctRe.MatchString(t) {
			continue
		}
		f.Text = t
		valid = append(valid, f)
	}
	if len(valid) == 0 {
		return nil
	}

	sort.SliceStable(valid, func(i, j int) bool {
		if valid[i].BBox.Y != valid[j].BBox.Y {
			return valid[i].BBox.Y < valid[j].BBox.Y
		}
		return valid[i].BBox.X < valid[j].BBox.X
	})

	var merged []models.RecognizedFragment
	current := valid[0]
	for _, next := range valid[1:] {
		yDiff := abs(current.BBox.Y - next.BBox.Y)
		heightAvg := (current.BBox.H + next.BBox.H) / 2
		xGap := next.BBox.X - (current.BBox.X + current.BBox.W)

		sameLine := yDiff < heightAvg*0.5
		adjacent := xGap > -20 && xGap < 50

		if sameLine && adjacent {
			current = models.RecognizedFragment{
				Text: current.Text + " " + next.Text,
				BBox: current.BBox.Union(next.BBox),
			}
			continue
		}
		merged = append(merged, current)
		current = next
	}
	return append(merged, current)
}

// LinesFromFragments converts merged fragments into the page line form the
// chunk builder consumes.
func LinesFromFragments(fragments []models.RecognizedFragment) []models.Line {
	lines := make([]models.Line, 0, len(fragments))
	for _, f := range fragments {
		lines = append(lines, models.Line{Text: f.Text, BBox: f.BBox})
	}
	return lines
}

// MergedText joins fragment texts for the persisted per-page payload.
func MergedText(fragments []models.RecognizedFragment) string {
	parts := make([]string, 0, len(fragments))
	for _, f := range fragments {
		parts = append(parts, f.Text)
	}
	return strings.Join(parts, "\n")
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
