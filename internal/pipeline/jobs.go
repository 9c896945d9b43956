package pipeline

// Job names are the contract between the webhook surface, the scheduler
// and the workers.
const (
	JobIntakeAmo           = "call.intake.amocrm"
	JobIntakeBitrix        = "call.intake.bitrix"
	JobTranscribe          = "call.transcribe"
	JobPollTranscription   = "call.transcription.poll"
	JobAnalyze             = "call.analyze"
	JobNotify              = "call.notify"
	JobRefreshDeals        = "deals.refresh"
	JobSweepTranscriptions = "transcription.sweep"
)

// AmoIntakeJob carries the amoCRM webhook form verbatim.
type AmoIntakeJob struct {
	Form map[string]string `json:"form"`
}

// BitrixIntakeJob asks for the recording of a stored Bitrix24 call.
type BitrixIntakeJob struct {
	CallID  int64 `json:"call_id"`
	Attempt int   `json:"attempt"`
}

// CallJob addresses one call. Force skips status gating for manual re-runs.
type CallJob struct {
	CallID   int64  `json:"call_id"`
	PromptID *int64 `json:"prompt_id,omitempty"`
	Force    bool   `json:"force,omitempty"`
}

// PollJob polls one transcription task. Force carries a manual re-run
// through to analysis.
type PollJob struct {
	TaskID  int64 `json:"task_id"`
	Attempt int   `json:"attempt"`
	Force   bool  `json:"force,omitempty"`
}
