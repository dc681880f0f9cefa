package models

type AuthorResult string

const (
	AuthorComplete   AuthorResult = "complete"
	AuthorNeedsHuman AuthorResult = "needs_human"
	AuthorFailed     AuthorResult = "failed"
)

type AuthorStatus struct {
	Result  AuthorResult `json:"result"`
	Commit  string       `json:"commit,omitempty"`
	Reason  string       `json:"reason,omitempty"`
	Summary string       `json:"summary,omitempty"`
}

type Readiness string

const (
	ReadinessReady                Readiness = "ready"
	ReadinessReadyWithCorrections Readiness = "ready_with_corrections"
	ReadinessNotReady             Readiness = "not_ready"
)

type Action string

const (
	ActionAutoFix       Action = "auto_fix"
	ActionHumanRequired Action = "human_required"
)

type VerdictItem struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Action Action `json:"action"`
	Reason string `json:"reason,omitempty"`
}

type ReviewerVerdict struct {
	Readiness Readiness     `json:"readiness"`
	Items     []VerdictItem `json:"items"`
	Summary   string        `json:"summary,omitempty"`
}

// HumanRequired returns the items only a human can resolve.
func (v *ReviewerVerdict) HumanRequired() []VerdictItem {
	var out []VerdictItem
	for _, item := range v.Items {
		if item.Action == ActionHumanRequired {
			out = append(out, item)
		}
	}
	return out
}

func (v *ReviewerVerdict) AutoFixable() []VerdictItem {
	var out []VerdictItem
	for _, item := range v.Items {
		if item.Action == ActionAutoFix {
			out = append(out, item)
		}
	}
	return out
}

// EscalationEvent is what a gate sees when the loop cannot proceed on its own.
type EscalationEvent struct {
	RunID int64  `json:"run_id"`
	Phase string `json:"phase,omitempty"`
	// From is the state that escalated.
	From      State         `json:"from,omitempty"`
	Reason    string        `json:"reason"`
	Items     []VerdictItem `json:"items,omitempty"`
	Iteration int           `json:"iteration"`
	LogPath   string        `json:"log_path,omitempty"`
}

type Decision string

const (
	DecisionContinue Decision = "continue"
	DecisionApprove  Decision = "approve"
	DecisionAbort    Decision = "abort"
)

type ResumeChoice string

const (
	ResumeContinue   ResumeChoice = "resume"
	ResumeStartFresh ResumeChoice = "start-fresh"
	ResumeAbort      ResumeChoice = "abort"
)
