package model

import (
	"encoding/json"
	"time"
)

// CallSource identifies the webhook family a call arrived through.
type CallSource string

const (
	SourceAmoCRM       CallSource = "amocrm"
	SourceAmoCRMCustom CallSource = "amocrm_custom"
	SourceBitrix24     CallSource = "bitrix24"
)

// CRMType returns the CRM family the source writes back to.
func (s CallSource) CRMType() CRMType {
	if s == SourceBitrix24 {
		return CRMBitrix24
	}
	return CRMAmo
}

// Direction is the call direction as reported by the CRM.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// CallStatus is the pipeline state of a call.
type CallStatus string

const (
	CallReceived          CallStatus = "received"
	CallDurationChecked   CallStatus = "duration_checked"
	CallIgnored           CallStatus = "ignored"
	CallTranscribing      CallStatus = "transcribing"
	CallTranscribed       CallStatus = "transcribed"
	CallAnalyzing         CallStatus = "analyzing"
	CallAnalyzed          CallStatus = "analyzed"
	CallCriteriaExtracted CallStatus = "criteria_extracted"
	CallCRMNotified       CallStatus = "crm_notified"
	CallFailed            CallStatus = "failed"
)

var callTransitions = map[CallStatus][]CallStatus{
	CallReceived:          {CallDurationChecked, CallIgnored},
	CallDurationChecked:   {CallTranscribing, CallIgnored},
	CallTranscribing:      {CallTranscribed},
	CallTranscribed:       {CallAnalyzing},
	CallAnalyzing:         {CallAnalyzed, CallTranscribed},
	CallAnalyzed:          {CallCriteriaExtracted, CallCRMNotified},
	CallCriteriaExtracted: {CallCRMNotified},
}

// Terminal reports whether no further transition is possible from s.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallIgnored, CallCRMNotified, CallFailed:
		return true
	}
	return false
}

// CanAdvance reports whether a call may move from one status to another.
// Any non-terminal status may move to failed.
func CanAdvance(from, to CallStatus) bool {
	if to == CallFailed {
		return !from.Terminal()
	}
	for _, next := range callTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Call is one recorded phone call. Calls are never deleted.
type Call struct {
	ID             int64           `json:"id"`
	OrganizationID int64           `json:"organization_id"`
	Source         CallSource      `json:"source"`
	SourceID       string          `json:"source_id"`
	RawPayload     json.RawMessage `json:"raw_payload,omitempty"`
	AudioURL       string          `json:"audio_url"`
	Duration       int             `json:"duration"`
	Direction      Direction       `json:"direction"`
	Ignored        bool            `json:"ignored"`
	Status         CallStatus      `json:"status"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	EntityType     string          `json:"entity_type,omitempty"`
	EntityID       string          `json:"entity_id,omitempty"`
	ContactID      string          `json:"contact_id,omitempty"`
	ClientPhone    string          `json:"client_phone,omitempty"`
	ManagerID      *int64          `json:"manager_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// TranscriptionStatus is the state of an external transcription task.
type TranscriptionStatus string

const (
	TranscriptionQueued     TranscriptionStatus = "queued"
	TranscriptionInProgress TranscriptionStatus = "in_progress"
	TranscriptionDone       TranscriptionStatus = "done"
	TranscriptionFailed     TranscriptionStatus = "failed"
)

// TranscriptionTask tracks a call's audio at the transcription service.
// Text is immutable once the task is done.
type TranscriptionTask struct {
	ID             int64               `json:"id"`
	CallID         int64               `json:"call_id"`
	OrganizationID int64               `json:"organization_id"`
	ExternalID     string              `json:"external_id"`
	Status         TranscriptionStatus `json:"status"`
	Text           string              `json:"text,omitempty"`
	ResultLink     string              `json:"result_link,omitempty"`
	PollAttempts   int                 `json:"poll_attempts"`
	LastError      string              `json:"last_error,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// CRMType names a CRM family on deal stages.
type CRMType string

const (
	CRMAmo      CRMType = "amoCRM"
	CRMBitrix24 CRMType = "Bitrix24"
)

// DealType classifies a deal in the sales funnel.
type DealType string

const (
	DealFirst  DealType = "first"
	DealSecond DealType = "second"
	DealFinal  DealType = "final"
)

// DealStage is the last known status of a CRM deal linked to calls.
type DealStage struct {
	ID             int64     `json:"id"`
	OrganizationID int64     `json:"organization_id"`
	CRM            CRMType   `json:"crm"`
	DealID         string    `json:"deal_id"`
	DealType       DealType  `json:"deal_type"`
	Status         string    `json:"status"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// DeadLetter records a job that exhausted its retry budget.
type DeadLetter struct {
	ID        int64           `json:"id"`
	Job       string          `json:"job"`
	Payload   json.RawMessage `json:"payload"`
	Error     string          `json:"error"`
	Attempts  int             `json:"attempts"`
	CreatedAt time.Time       `json:"created_at"`
}
