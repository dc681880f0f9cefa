package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mpataki/shepherd/internal/models"
)

// auditPath is the markdown file next to the plan that collects the
// human-readable history of every review round.
func auditPath(planPath string) string {
	return strings.TrimSuffix(planPath, filepath.Ext(planPath)) + ".review.md"
}

type auditEntry struct {
	Title string
	Lines []string
	Items []models.VerdictItem
}

func (s *session) audit(e auditEntry) {
	var b strings.Builder
	fmt.Fprintf(&b, "\n## %s · run #%d · %s\n\n", time.Now().Format("2006-01-02 15:04"), s.run.ID, e.Title)
	for _, line := range e.Lines {
		fmt.Fprintf(&b, "- %s\n", line)
	}
	if len(e.Items) > 0 {
		b.WriteString("\n")
		for _, item := range e.Items {
			fmt.Fprintf(&b, "- [ ] **%s** %s (%s)", item.ID, item.Title, item.Action)
			if item.Reason != "" {
				fmt.Fprintf(&b, ": %s", strings.ReplaceAll(item.Reason, "\n", " "))
			}
			b.WriteString("\n")
		}
	}

	path := auditPath(s.run.ArtifactPath)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		s.log.Warn("audit append failed", zap.String("path", path), zap.Error(err))
		return
	}
	defer f.Close()
	if _, err := f.WriteString(b.String()); err != nil {
		s.log.Warn("audit append failed", zap.String("path", path), zap.Error(err))
	}
}

func stepTitle(step models.Step) string {
	where := "plan"
	if step.Phase != "" {
		where = "phase " + step.Phase
	}
	return fmt.Sprintf("%s · %s · %s · iteration %d", where, step.Role, step.Template, step.Iteration)
}

func verdictAudit(step models.Step, v *models.ReviewerVerdict, logPath string) auditEntry {
	e := auditEntry{Title: stepTitle(step), Items: v.Items}
	e.Lines = append(e.Lines, "readiness: "+string(v.Readiness))
	if v.Summary != "" {
		e.Lines = append(e.Lines, "summary: "+v.Summary)
	}
	if logPath != "" {
		e.Lines = append(e.Lines, "log: "+logPath)
	}
	return e
}

func statusAudit(step models.Step, st *models.AuthorStatus, logPath string) auditEntry {
	e := auditEntry{Title: stepTitle(step)}
	e.Lines = append(e.Lines, "result: "+string(st.Result))
	if st.Commit != "" {
		e.Lines = append(e.Lines, "commit: "+st.Commit)
	}
	if st.Reason != "" {
		e.Lines = append(e.Lines, "reason: "+st.Reason)
	}
	if st.Summary != "" {
		e.Lines = append(e.Lines, "summary: "+st.Summary)
	}
	if logPath != "" {
		e.Lines = append(e.Lines, "log: "+logPath)
	}
	return e
}

func failureAudit(step models.Step, reason, logPath string) auditEntry {
	e := auditEntry{Title: stepTitle(step), Lines: []string{"failed: " + reason}}
	if logPath != "" {
		e.Lines = append(e.Lines, "log: "+logPath)
	}
	return e
}
