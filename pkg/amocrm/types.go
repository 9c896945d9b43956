package amocrm

import "strings"

// Closed lead statuses shared by every amoCRM pipeline.
const (
	StatusWon  = 142
	StatusLost = 143
)

// Account carries a tenant's amoCRM credentials.
type Account struct {
	Subdomain string
	Token     string
}

// EntityForElementType maps a webhook element_type to its API collection.
func EntityForElementType(elementType string) (string, bool) {
	entity, ok := map[string]string{
		"1":  "contacts",
		"2":  "leads",
		"3":  "companies",
		"12": "customers",
		"13": "tasks",
	}[elementType]
	return entity, ok
}

// Note is a single entity note.
type Note struct {
	ID       int64          `json:"id"`
	EntityID int64          `json:"entity_id"`
	NoteType string         `json:"note_type"`
	Params   map[string]any `json:"params"`
}

// Incoming reports whether the note records an inbound call.
func (n *Note) Incoming() bool {
	return n.NoteType == "call_in"
}

// Tag is a lead tag.
type Tag struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Lead is an amoCRM deal.
type Lead struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	StatusID   int64  `json:"status_id"`
	PipelineID int64  `json:"pipeline_id"`
	CreatedAt  int64  `json:"created_at"`
	IsDeleted  bool   `json:"is_deleted"`
	Embedded   struct {
		Contacts []struct {
			ID int64 `json:"id"`
		} `json:"contacts"`
		Tags []Tag `json:"tags"`
	} `json:"_embedded"`
}

// Active reports whether the lead is still open.
func (l *Lead) Active() bool {
	return !l.IsDeleted && l.StatusID != StatusWon && l.StatusID != StatusLost
}

// HasTag reports whether the lead carries tag, compared case-insensitively.
func (l *Lead) HasTag(tag string) bool {
	for _, t := range l.Embedded.Tags {
		if strings.EqualFold(t.Name, tag) {
			return true
		}
	}
	return false
}

// FirstContactID returns the first linked contact, or 0.
func (l *Lead) FirstContactID() int64 {
	if len(l.Embedded.Contacts) == 0 {
		return 0
	}
	return l.Embedded.Contacts[0].ID
}

// Contact is an amoCRM contact with its linked leads.
type Contact struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Embedded struct {
		Leads []struct {
			ID int64 `json:"id"`
		} `json:"leads"`
	} `json:"_embedded"`
}

// User is an amoCRM account user.
type User struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Rights struct {
		IsActive bool `json:"is_active"`
	} `json:"rights"`
}

type pipelinesResponse struct {
	Embedded struct {
		Pipelines []struct {
			ID       int64 `json:"id"`
			Embedded struct {
				Statuses []struct {
					ID   int64  `json:"id"`
					Name string `json:"name"`
				} `json:"statuses"`
			} `json:"_embedded"`
		} `json:"pipelines"`
	} `json:"_embedded"`
}

type usersResponse struct {
	Embedded struct {
		Users []User `json:"users"`
	} `json:"_embedded"`
}

type noteParams struct {
	Text string `json:"text"`
}

type newNote struct {
	EntityID int64      `json:"entity_id"`
	NoteType string     `json:"note_type"`
	Params   noteParams `json:"params"`
}
