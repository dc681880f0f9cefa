package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mpataki/shepherd/internal/models"
	"github.com/mpataki/shepherd/internal/quality"
)

// Step templates. They are part of step identity, so renaming one makes
// stored results for it unreachable on resume.
const (
	tmplPlanReview  = "plan-review"
	tmplPlanFix     = "plan-fix"
	tmplImplement   = "implement"
	tmplPhaseReview = "phase-review"
	tmplPhaseFix    = "phase-fix"
)

var verdictSchema = json.RawMessage(`{
  "type": "object",
  "required": ["readiness", "items"],
  "properties": {
    "readiness": {"type": "string", "enum": ["ready", "ready_with_corrections", "not_ready"]},
    "summary": {"type": "string"},
    "items": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "title", "action"],
        "properties": {
          "id": {"type": "string"},
          "title": {"type": "string"},
          "action": {"type": "string", "enum": ["auto_fix", "human_required"]},
          "reason": {"type": "string"}
        }
      }
    }
  }
}`)

var statusSchema = json.RawMessage(`{
  "type": "object",
  "required": ["result"],
  "properties": {
    "result": {"type": "string", "enum": ["complete", "needs_human", "failed"]},
    "commit": {"type": "string"},
    "reason": {"type": "string"},
    "summary": {"type": "string"}
  }
}`)

func verdictInstructions() string {
	return "\n\n---\n" +
		"IMPORTANT: Finish your reply with your verdict as a single JSON object in a ```json block.\n\n" +
		"Example:\n```json\n" +
		`{"readiness": "not_ready", "summary": "One step is missing.", "items": [{"id": "R1", "title": "Add a rollback step", "action": "auto_fix", "reason": "Migration has no undo path"}]}` +
		"\n```\n" +
		"\nValid values for 'readiness': [ready ready_with_corrections not_ready]" +
		"\nValid values for 'action': [auto_fix human_required]" +
		"\nUse human_required only for decisions an agent cannot make on its own. Any readiness other than ready needs at least one item."
}

func statusInstructions(requireCommit bool) string {
	s := "\n\n---\n" +
		"IMPORTANT: Finish your reply with your status as a single JSON object in a ```json block.\n\n" +
		"Example:\n```json\n" +
		`{"result": "complete", "commit": "abc1234", "summary": "Applied all corrections."}` +
		"\n```\n" +
		"\nValid values for 'result': [complete needs_human failed]" +
		"\nneeds_human and failed require a 'reason'."
	if requireCommit {
		s += "\nCommit your work before finishing; 'complete' requires the 'commit' hash."
	}
	return s
}

func writeItems(b *strings.Builder, items []models.VerdictItem) {
	for _, item := range items {
		fmt.Fprintf(b, "- [%s] %s", item.ID, item.Title)
		if item.Reason != "" {
			fmt.Fprintf(b, "\n  %s", strings.ReplaceAll(item.Reason, "\n", "\n  "))
		}
		b.WriteString("\n")
	}
}

func (s *session) planReviewPrompt(iteration int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Review the implementation plan in %s.\n\n", s.run.ArtifactPath)
	b.WriteString("Judge whether an engineer could execute it as written: missing steps, wrong ordering, " +
		"unverifiable acceptance criteria, risky migrations, and open decisions.\n")
	if iteration > 1 {
		fmt.Fprintf(&b, "\nThis is review %d. Earlier reviews and fixes are recorded in %s.\n", iteration, auditPath(s.run.ArtifactPath))
	}
	b.WriteString(verdictInstructions())
	return b.String()
}

func (s *session) planFixPrompt(items []models.VerdictItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A reviewer found problems in the implementation plan %s.\n\n", s.run.ArtifactPath)
	b.WriteString("Edit the plan file to resolve each item below. Do not change anything else.\n\n")
	writeItems(&b, items)
	b.WriteString(statusInstructions(false))
	return b.String()
}

func (s *session) implementPrompt(phase string, iteration int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Implement phase %s of the plan in %s.\n\n", phase, s.run.ArtifactPath)
	if ph, ok := s.plan.Phase(phase); ok {
		title := ph.Title
		if title == "" {
			title = "Phase " + phase
		}
		fmt.Fprintf(&b, "## %s\n\n%s\n", title, strings.TrimSpace(ph.Body))
	}
	b.WriteString("\nStay within this phase. Later phases will be implemented separately.\n")
	if iteration > 1 {
		fmt.Fprintf(&b, "\nAn earlier attempt (see %s) was stopped for a human decision, which has since been made. Pick up from the current state of the repository.\n", auditPath(s.run.ArtifactPath))
	}
	b.WriteString(statusInstructions(s.requireCommit))
	return b.String()
}

func (s *session) phaseReviewPrompt(phase string, iteration int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Review the implementation of phase %s of the plan in %s.\n\n", phase, s.run.ArtifactPath)
	if ph, ok := s.plan.Phase(phase); ok {
		fmt.Fprintf(&b, "The phase asked for:\n\n%s\n\n", strings.TrimSpace(ph.Body))
	}
	b.WriteString("Check the changes in the repository against it: correctness, missing pieces, tests.\n")
	if iteration > 1 {
		fmt.Fprintf(&b, "\nThis is review %d of this phase. Earlier rounds are recorded in %s.\n", iteration, auditPath(s.run.ArtifactPath))
	}
	b.WriteString(verdictInstructions())
	return b.String()
}

func (s *session) phaseFixPrompt(phase string, items []models.VerdictItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The implementation of phase %s of %s needs corrections.\n\n", phase, s.run.ArtifactPath)
	b.WriteString("Resolve each item below:\n\n")
	writeItems(&b, items)
	b.WriteString(statusInstructions(s.requireCommit))
	return b.String()
}

// qualityItems turns failing checks into fix items for the author.
func qualityItems(q *models.QualityResult) []models.VerdictItem {
	var items []models.VerdictItem
	for i, out := range q.Outputs {
		if out.ExitCode == 0 {
			continue
		}
		items = append(items, models.VerdictItem{
			ID:     fmt.Sprintf("Q%d", i+1),
			Title:  fmt.Sprintf("Quality check failed: %s", out.Command),
			Action: models.ActionAutoFix,
			Reason: quality.Summary([]models.QualityOutput{out}),
		})
	}
	return items
}
