package gate

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/mpataki/shepherd/internal/models"
	"github.com/mpataki/shepherd/internal/storage"
	"github.com/mpataki/shepherd/internal/tui"
)

type chooseFunc func(ctx context.Context, p tui.Prompt, in io.Reader, out io.Writer) (string, error)

// Terminal asks the person at the keyboard.
type Terminal struct {
	In  io.Reader
	Out io.Writer

	choose chooseFunc
}

func NewTerminal(in io.Reader, out io.Writer) *Terminal {
	return &Terminal{In: in, Out: out, choose: tui.Choose}
}

func (t *Terminal) Decide(ctx context.Context, ev models.EscalationEvent) (models.Decision, error) {
	var body strings.Builder
	fmt.Fprintf(&body, "Reason: %s\n", ev.Reason)
	fmt.Fprintf(&body, "Iteration: %d", ev.Iteration)
	if ev.Phase != "" {
		fmt.Fprintf(&body, "  Phase: %s", ev.Phase)
	}
	body.WriteString("\n")
	for _, item := range ev.Items {
		fmt.Fprintf(&body, "\n  • [%s] %s (%s)", item.ID, item.Title, item.Action)
		if item.Reason != "" {
			fmt.Fprintf(&body, "\n      %s", item.Reason)
		}
	}
	if ev.LogPath != "" {
		fmt.Fprintf(&body, "\n\nLog: %s", ev.LogPath)
	}

	v, err := t.choose(ctx, tui.Prompt{
		Title: fmt.Sprintf("Run #%d needs a decision", ev.RunID),
		Body:  strings.TrimRight(body.String(), "\n"),
		Options: []tui.Option{
			{Value: string(models.DecisionContinue), Label: "Continue: address the items and review again", Key: "c"},
			{Value: string(models.DecisionApprove), Label: "Approve as is", Key: "a"},
			{Value: string(models.DecisionAbort), Label: "Abort the run", Key: "x"},
		},
		Default: 0,
	}, t.In, t.Out)
	if err != nil {
		return "", err
	}
	return parseDecision(v)
}

func (t *Terminal) Resume(ctx context.Context, run *models.Run) (models.ResumeChoice, error) {
	body := fmt.Sprintf("%s of %s stopped in %s (iteration %d), started %s.",
		run.Command, run.ArtifactPath, run.State, run.Iteration, storage.FormatTimeAgo(run.CreatedAt))
	if run.Phase != "" {
		body += "\nCurrent phase: " + run.Phase
	}

	v, err := t.choose(ctx, tui.Prompt{
		Title: fmt.Sprintf("Found unfinished run #%d", run.ID),
		Body:  body,
		Options: []tui.Option{
			{Value: string(models.ResumeContinue), Label: "Resume where it stopped", Key: "r"},
			{Value: string(models.ResumeStartFresh), Label: "Start fresh (abandons the old run)", Key: "f"},
			{Value: string(models.ResumeAbort), Label: "Abort", Key: "x"},
		},
	}, t.In, t.Out)
	if err != nil {
		return "", err
	}
	return parseResumeChoice(v)
}
