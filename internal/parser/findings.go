// Package parser turns free-text model output into structured records.
// Everything here is pure: no I/O, no clock, no globals beyond compiled
// patterns.
package parser

import (
	"regexp"
	"strconv"
	"strings"
)

// Title labels per weekly report kind.
var (
	ErrorLabels   = []string{"Ошибка"}
	InsightLabels = []string{"Ошибка", "Проблема"}
	FactorLabels  = []string{"Фактор"}
)

const responseMarker = "=== RESPONSE ==="

var (
	frequencyRe = regexp.MustCompile(`^Количество повторений:\s+(\d+)`)
	callRefRe   = regexp.MustCompile(`(?i)звонок\s*(\d+)`)
)

// Record is one finding parsed from model output.
type Record struct {
	Title     string   `json:"title"`
	Frequency int      `json:"frequency"`
	Examples  []string `json:"examples"`
}

// Persistable reports whether the record carries enough evidence to be
// stored: a positive frequency and at least one example.
func (r Record) Persistable() bool {
	return r.Frequency > 0 && len(r.Examples) > 0
}

// titlePattern builds `^(L1|L2)\s+\d+:\s+(.+)` for the given labels.
func titlePattern(labels []string) *regexp.Regexp {
	quoted := make([]string, len(labels))
	for i, l := range labels {
		quoted[i] = regexp.QuoteMeta(l)
	}
	return regexp.MustCompile(`^(` + strings.Join(quoted, "|") + `)\s+\d+:\s+(.+)`)
}

// ParseFindings reads records of the form
//
//	<Label> <N>: <Title>
//	Количество повторений: <frequency>
//	- example (звонок <id>)
//
// A title line closes the previous record. Frequency and example lines attach
// to the open record and are ignored before the first title. Any other line
// is skipped. The last open record is emitted at end of input.
func ParseFindings(text string, labels ...string) []Record {
	if len(labels) == 0 {
		labels = ErrorLabels
	}
	titleRe := titlePattern(labels)

	var (
		out     []Record
		current *Record
	)
	text = strings.ReplaceAll(text, responseMarker, "")
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		line = normalizeLine(line)

		if m := titleRe.FindStringSubmatch(line); m != nil {
			if current != nil {
				out = append(out, *current)
			}
			current = &Record{Title: strings.TrimSpace(m[2]), Examples: []string{}}
			continue
		}
		if current == nil {
			continue
		}
		if m := frequencyRe.FindStringSubmatch(line); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				current.Frequency = n
			}
			continue
		}
		if strings.HasPrefix(line, "-") {
			current.Examples = append(current.Examples, strings.TrimSpace(strings.TrimLeft(line, "-")))
		}
	}
	if current != nil {
		out = append(out, *current)
	}
	return out
}

// normalizeLine trims whitespace and markdown emphasis/heading markers that
// models wrap around title and counter lines.
func normalizeLine(line string) string {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "-") {
		return line
	}
	line = strings.TrimLeft(line, "#")
	line = strings.Trim(strings.TrimSpace(line), "*")
	return strings.TrimSpace(line)
}

// ExtractCallIDs returns every call id referenced as "звонок <id>" in text,
// case-insensitively, in order of appearance. Duplicates are kept.
func ExtractCallIDs(text string) []int64 {
	matches := callRefRe.FindAllStringSubmatch(text, -1)
	ids := make([]int64, 0, len(matches))
	for _, m := range matches {
		id, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
