package domain

import (
	"time"

	"github.com/google/uuid"
)

// StepDispatch is the JSON payload published to a namespace dispatch queue
// (spec §6). Field names are snake_case because this is the cross-language
// contract with worker bindings — changing a name requires a coordinated
// update of every worker.
type StepDispatch struct {
	TaskID     uuid.UUID `json:"task_id"`
	StepID     uuid.UUID `json:"step_id"`
	Namespace  string    `json:"namespace"`
	StepName   string    `json:"step_name"`
	Attempt    int       `json:"attempt"`
	Inputs     []byte    `json:"inputs"`
	Checkpoint []byte    `json:"checkpoint,omitempty"`
	DeadlineAt int64     `json:"deadline_at"` // unix seconds
}

// StepResultWire is the JSON payload a worker publishes back on the
// completion queue (spec §6).
type StepResultWire struct {
	StepID                uuid.UUID  `json:"step_id"`
	TaskID                uuid.UUID  `json:"task_id"`
	Attempt               int        `json:"attempt"`
	Success               bool       `json:"success"`
	Result                []byte     `json:"result,omitempty"`
	Error                 *WireError `json:"error,omitempty"`
	Metadata              []byte     `json:"metadata,omitempty"`
	OrchestrationMetadata []byte     `json:"orchestration_metadata,omitempty"`
}

type WireError struct {
	Message        string `json:"message"`
	Classification string `json:"classification"`
	Code           string `json:"code,omitempty"`
	RetryAfterSecs int64  `json:"retry_after_secs,omitempty"`
}

// ToStepResult converts the wire envelope into the internal StepResult used
// by the result processor.
func (w StepResultWire) ToStepResult() StepResult {
	if w.Success {
		return StepResult{
			TaskID:  w.TaskID,
			StepID:  w.StepID,
			Attempt: w.Attempt,
			Outcome: Outcome{Success: &SuccessOutcome{
				Payload:               w.Result,
				Metadata:              w.Metadata,
				OrchestrationMetadata: w.OrchestrationMetadata,
			}},
		}
	}
	var f FailureOutcome
	if w.Error != nil {
		f = FailureOutcome{
			Message:        w.Error.Message,
			Classification: w.Error.Classification,
			ErrorCode:      w.Error.Code,
			RetryAfter:     time.Duration(w.Error.RetryAfterSecs) * time.Second,
		}
	}
	return StepResult{
		TaskID:  w.TaskID,
		StepID:  w.StepID,
		Attempt: w.Attempt,
		Outcome: Outcome{Failure: &f},
	}
}
