package domain

// Run statuses. Terminal statuses never transition again.
const (
	RunStatusPending   = "pending"
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

// Run scopes name the subset of pipeline stages a run executes.
const (
	ScopeFull     = "full"
	ScopeExtract  = "extract"
	ScopeGenerate = "generate"
	ScopeReview   = "review"
	ScopeRefine   = "refine"
)

type Run struct {
	ID              string  `json:"id"`
	Scope           string  `json:"scope" enum:"full,extract,generate,review,refine"`
	Status          string  `json:"status" enum:"pending,running,completed,failed,cancelled"`
	TriggeredBy     string  `json:"triggered_by,omitempty"`
	StartedAt       *string `json:"started_at,omitempty" format:"date-time"`
	FinishedAt      *string `json:"finished_at,omitempty" format:"date-time"`
	ErrorMessage    *string `json:"error_message,omitempty"`
	ProgressCurrent *int    `json:"progress_current,omitempty"`
	ProgressTotal   *int    `json:"progress_total,omitempty"`
	CurrentStep     *string `json:"current_step,omitempty"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
}

// Terminal reports whether the run reached a final status.
func (r Run) Terminal() bool {
	return TerminalStatus(r.Status)
}

func TerminalStatus(status string) bool {
	switch status {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// ActiveStatuses are the non-terminal statuses; at most one run holds one at a time.
func ActiveStatuses() []string {
	return []string{RunStatusPending, RunStatusRunning}
}

func ValidScope(scope string) bool {
	switch scope {
	case ScopeFull, ScopeExtract, ScopeGenerate, ScopeReview, ScopeRefine:
		return true
	}
	return false
}

type AuditEvent struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	RunID   string `json:"run_id,omitempty"`
	Payload string `json:"payload_json"`
}
