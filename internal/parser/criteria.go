package parser

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/callscore/internal/model"
)

// SummaryMarker separates the analytics part of an answer from its summary.
const SummaryMarker = "Саммари:"

var (
	criterionRe = regexp.MustCompile(`(\d+)\.\s*.+?\((?:оценка|общая оценка):\s*(\d+)\)`)
	overallRe   = regexp.MustCompile(`Итоговая оценка[:\s]*(\d+)\s*/\s*\d+`)
	bitrixRe    = regexp.MustCompile(`(?s)8\.\s*(.*)`)
)

// ExtractCriteria reads lines like "1. Установление контакта (оценка: 3)" and
// "Итоговая оценка: 9/14". Only the first seven criterion matches are
// considered, and positions outside 1..7 or not in active are dropped. It
// returns model.ErrParseFailure when nothing was extracted.
func ExtractCriteria(text string, active map[int]bool) (model.CriteriaScores, error) {
	var scores model.CriteriaScores

	matches := criterionRe.FindAllStringSubmatch(text, -1)
	if len(matches) > model.CriteriaCount {
		matches = matches[:model.CriteriaCount]
	}
	for _, m := range matches {
		pos, err := strconv.Atoi(m[1])
		if err != nil || pos < 1 || pos > model.CriteriaCount || !active[pos] {
			continue
		}
		score, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		scores.Criteria[pos-1] = &score
	}

	if m := overallRe.FindStringSubmatch(text); m != nil {
		if overall, err := strconv.Atoi(m[1]); err == nil {
			scores.Overall = &overall
		}
	}

	if scores.Empty() {
		return scores, eris.Wrap(model.ErrParseFailure, "parser: no criteria scores")
	}
	return scores, nil
}

// SplitAnswer splits an answer on the first SummaryMarker into trimmed
// analytics and summary parts. Without the marker the whole text is analytics.
func SplitAnswer(text string) (analytics, summary string) {
	if text == "" {
		return "", ""
	}
	before, after, found := strings.Cut(text, SummaryMarker)
	if !found {
		return strings.TrimSpace(text), ""
	}
	return strings.TrimSpace(before), strings.TrimSpace(after)
}

// BitrixComment returns the text following the "8." item of an answer, which
// is what Bitrix24 timelines show. The whole answer is returned when the item
// is missing.
func BitrixComment(text string) string {
	if m := bitrixRe.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return text
}
