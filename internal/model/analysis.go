package model

import "time"

// CriteriaCount is the number of scoring positions per call.
const CriteriaCount = 7

// AnalysisResult is one successful completion for a call.
type AnalysisResult struct {
	ID             int64     `json:"id"`
	CallID         int64     `json:"call_id"`
	OrganizationID int64     `json:"organization_id"`
	PromptID       *int64    `json:"prompt_id,omitempty"`
	Question       string    `json:"question"`
	Raw            string    `json:"raw"`
	Answer         string    `json:"answer"`
	Analytics      string    `json:"analytics"`
	Summary        string    `json:"summary"`
	TokensUsed     int       `json:"tokens_used"`
	CreatedAt      time.Time `json:"created_at"`
}

// CriteriaScores holds per-position scores for a call. A nil entry means
// the position has not been scored.
type CriteriaScores struct {
	CallID      int64               `json:"call_id"`
	Criteria    [CriteriaCount]*int `json:"criteria"`
	Overall     *int                `json:"overall,omitempty"`
	ObjectionID *int64              `json:"objection_id,omitempty"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// Score returns the score at a 1-based position.
func (c *CriteriaScores) Score(position int) *int {
	if position < 1 || position > CriteriaCount {
		return nil
	}
	return c.Criteria[position-1]
}

// Merge overwrites the receiver with every field set in update. Fields
// missing from update keep their current values.
func (c *CriteriaScores) Merge(update CriteriaScores) {
	for i, v := range update.Criteria {
		if v != nil {
			s := *v
			c.Criteria[i] = &s
		}
	}
	if update.Overall != nil {
		o := *update.Overall
		c.Overall = &o
	}
	if update.ObjectionID != nil {
		id := *update.ObjectionID
		c.ObjectionID = &id
	}
}

// Empty reports whether no score is set.
func (c *CriteriaScores) Empty() bool {
	for _, v := range c.Criteria {
		if v != nil {
			return false
		}
	}
	return c.Overall == nil
}
