// Package gate resolves the points where the loop cannot proceed on its own:
// an escalation (continue, approve or abort) and finding an unfinished run
// for the same plan (resume, start fresh or abort).
package gate

import (
	"context"
	"fmt"

	"github.com/mpataki/shepherd/internal/models"
)

// Static answers every question the same way. Useful for unattended runs
// and tests.
type Static struct {
	Decision models.Decision
	Choice   models.ResumeChoice
}

func (s Static) Decide(ctx context.Context, ev models.EscalationEvent) (models.Decision, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.Decision == "" {
		return models.DecisionAbort, nil
	}
	return s.Decision, nil
}

func (s Static) Resume(ctx context.Context, run *models.Run) (models.ResumeChoice, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.Choice == "" {
		return models.ResumeContinue, nil
	}
	return s.Choice, nil
}

func parseDecision(s string) (models.Decision, error) {
	switch d := models.Decision(s); d {
	case models.DecisionContinue, models.DecisionApprove, models.DecisionAbort:
		return d, nil
	}
	return "", fmt.Errorf("unknown decision %q (want continue, approve or abort)", s)
}

func parseResumeChoice(s string) (models.ResumeChoice, error) {
	switch c := models.ResumeChoice(s); c {
	case models.ResumeContinue, models.ResumeStartFresh, models.ResumeAbort:
		return c, nil
	}
	return "", fmt.Errorf("unknown resume choice %q (want resume, start-fresh or abort)", s)
}
