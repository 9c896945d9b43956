package model

import "time"

// ReportKind selects which family of recurring findings a weekly report holds.
type ReportKind string

const (
	ReportInsight ReportKind = "insight"
	ReportError   ReportKind = "error"
	ReportFactor  ReportKind = "factor"
)

// ReportKinds lists every kind in the order the scheduler runs them.
var ReportKinds = []ReportKind{ReportError, ReportInsight, ReportFactor}

// Valid reports whether k is a known kind.
func (k ReportKind) Valid() bool {
	switch k {
	case ReportInsight, ReportError, ReportFactor:
		return true
	}
	return false
}

// WeeklyReport covers one organization and kind for a Monday–Sunday week.
// At most one report per organization and kind is active.
type WeeklyReport struct {
	ID             int64      `json:"id"`
	OrganizationID int64      `json:"organization_id"`
	Kind           ReportKind `json:"kind"`
	WeekStart      time.Time  `json:"week_start"`
	WeekEnd        time.Time  `json:"week_end"`
	IsActive       bool       `json:"is_active"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Finding is a recurring error, insight or factor inside a report. Titles are
// unique per report, compared case-insensitively.
type Finding struct {
	ID        int64     `json:"id"`
	ReportID  int64     `json:"report_id"`
	Title     string    `json:"title"`
	Frequency int       `json:"frequency"`
	CreatedAt time.Time `json:"created_at"`
}

// FindingExample is one quoted example of a finding, linked to the calls it
// mentions.
type FindingExample struct {
	ID        int64     `json:"id"`
	FindingID int64     `json:"finding_id"`
	Text      string    `json:"text"`
	CallIDs   []int64   `json:"call_ids,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// WeekBounds returns the Monday 00:00 and Sunday 00:00 dates of the week
// containing t, in t's location.
func WeekBounds(t time.Time) (start, end time.Time) {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	offset := (int(day.Weekday()) + 6) % 7
	start = day.AddDate(0, 0, -offset)
	end = start.AddDate(0, 0, 6)
	return start, end
}
