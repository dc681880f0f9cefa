package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mpataki/shepherd/internal/models"
)

// logTailBytes bounds how much of an invocation log the output view loads.
const logTailBytes = 256 * 1024

type View int

const (
	ViewRunList View = iota
	ViewRunDetail
	ViewEvents
	ViewOutput
)

// Source is the read side of the run store.
type Source interface {
	ListRuns(limit int) ([]*models.Run, error)
	GetRun(id int64) (*models.Run, error)
	ListRunEvents(runID int64) ([]*models.RunEvent, error)
	ListAgentResults(runID int64) ([]*models.AgentResult, error)
}

// App browses runs, their agent results and audit events. It never writes.
type App struct {
	source Source

	view              View
	runs              []*models.Run
	selectedIdx       int
	selectedRun       *models.Run
	results           []*models.AgentResult
	events            []*models.RunEvent
	selectedResultIdx int
	output            viewport.Model

	width  int
	height int
	err    error
}

func NewApp(source Source) *App {
	return &App{
		source: source,
		view:   ViewRunList,
		output: viewport.New(80, 20),
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadRuns, a.tickCmd())
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) hasActiveRuns() bool {
	for _, run := range a.runs {
		if run.Status == models.RunStatusActive {
			return true
		}
	}
	return false
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.output.Width = msg.Width
		a.output.Height = max(msg.Height-4, 1)
		return a, nil

	case runsLoadedMsg:
		a.runs = msg.runs
		a.err = msg.err
		if a.selectedIdx >= len(a.runs) {
			a.selectedIdx = max(len(a.runs)-1, 0)
		}
		return a, nil

	case tickMsg:
		if a.view == ViewRunList && a.hasActiveRuns() {
			return a, tea.Batch(a.loadRuns, a.tickCmd())
		}
		if a.view == ViewRunDetail && a.selectedRun != nil && a.selectedRun.Status == models.RunStatusActive {
			return a, tea.Batch(a.loadRunDetail(a.selectedRun.ID), a.tickCmd())
		}
		return a, a.tickCmd()

	case runDetailMsg:
		a.err = msg.err
		if msg.err == nil {
			a.selectedRun = msg.run
			a.results = msg.results
			a.events = msg.events
			if a.selectedResultIdx >= len(a.results) {
				a.selectedResultIdx = max(len(a.results)-1, 0)
			}
			if a.view == ViewRunList {
				a.view = ViewRunDetail
			}
		}
		return a, nil

	case outputLoadedMsg:
		if msg.err != nil {
			a.err = msg.err
			return a, nil
		}
		a.output.SetContent(msg.content)
		a.output.GotoBottom()
		a.view = ViewOutput
		return a, nil
	}

	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		return a, tea.Quit
	}
	switch a.view {
	case ViewRunList:
		return a.handleRunListKey(msg)
	case ViewRunDetail:
		return a.handleRunDetailKey(msg)
	case ViewEvents:
		if s := msg.String(); s == "q" || s == "esc" {
			a.view = ViewRunDetail
		}
	case ViewOutput:
		switch msg.String() {
		case "q", "esc":
			a.view = ViewRunDetail
			a.output.SetContent("")
		default:
			var cmd tea.Cmd
			a.output, cmd = a.output.Update(msg)
			return a, cmd
		}
	}
	return a, nil
}

func (a *App) handleRunListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q":
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.runs)-1 {
			a.selectedIdx++
		}

	case "enter":
		if len(a.runs) > 0 && a.selectedIdx < len(a.runs) {
			a.selectedResultIdx = 0
			return a, a.loadRunDetail(a.runs[a.selectedIdx].ID)
		}

	case "r":
		return a, a.loadRuns
	}

	return a, nil
}

func (a *App) handleRunDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewRunList
		a.selectedRun = nil
		a.results = nil
		a.events = nil
		a.selectedResultIdx = 0
		return a, a.loadRuns

	case "up", "k":
		if a.selectedResultIdx > 0 {
			a.selectedResultIdx--
		}

	case "down", "j":
		if a.selectedResultIdx < len(a.results)-1 {
			a.selectedResultIdx++
		}

	case "e":
		a.view = ViewEvents

	case "enter", "o":
		if len(a.results) > 0 && a.selectedResultIdx < len(a.results) {
			return a, a.loadOutput(a.results[a.selectedResultIdx])
		}
	}

	return a, nil
}

func (a *App) View() string {
	switch a.view {
	case ViewRunList:
		return a.viewRunList()
	case ViewRunDetail:
		return a.viewRunDetail()
	case ViewEvents:
		return a.viewEvents()
	case ViewOutput:
		return a.viewOutput()
	}
	return ""
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusActive    = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusCompleted = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusAborted   = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))

	// Readiness colors
	readyStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))  // green
	correctionsStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("220")) // yellow
	notReadyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")) // red

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func (a *App) viewRunList() string {
	s := titleStyle.Render("Shepherd") + "\n\n"

	if a.err != nil {
		s += fmt.Sprintf("Error: %v\n", a.err)
	}

	if len(a.runs) == 0 {
		s += "No runs yet. Start one with 'shepherd review <plan>'.\n"
	} else {
		s += "Recent Runs\n"
		s += "───────────\n"

		for i, run := range a.runs {
			line := a.formatRunLine(run)
			if i == a.selectedIdx {
				line = selectedStyle.Render("▶ " + line)
			} else if run.Status.Terminal() {
				line = "  " + dimStyle.Render(line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[enter] view  [r] refresh  [q] quit")

	return s
}

func (a *App) formatRunLine(run *models.Run) string {
	status := formatStatus(run.Status)
	age := formatAge(run.CreatedAt)
	where := string(run.State)
	if run.Phase != "" {
		where += " phase " + run.Phase
	}
	return fmt.Sprintf("#%-3d %-15s %s  %-4s  %-22s %s", run.ID, run.Command, status, age, where, truncate(run.ArtifactPath, 40))
}

func formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		days := int(d.Hours() / 24)
		return fmt.Sprintf("%dd", days)
	}
}

func formatStatus(status models.RunStatus) string {
	switch status {
	case models.RunStatusActive:
		return statusActive.Render("● active   ")
	case models.RunStatusCompleted:
		return statusCompleted.Render("✓ completed")
	case models.RunStatusFailed:
		return statusFailed.Render("✗ failed   ")
	case models.RunStatusAborted:
		return statusAborted.Render("⚠ aborted  ")
	default:
		return string(status)
	}
}

func (a *App) viewRunDetail() string {
	if a.selectedRun == nil {
		return "No run selected"
	}

	run := a.selectedRun

	header := fmt.Sprintf("Run #%d: %s", run.ID, run.Command)
	s := titleStyle.Render(header) + "  " + formatStatus(run.Status) + "\n\n"

	s += labelStyle.Render("Artifact:  ") + run.ArtifactPath + "\n"
	s += labelStyle.Render("State:     ") + string(run.State)
	if run.Phase != "" {
		s += "  phase " + run.Phase
	}
	s += fmt.Sprintf("  iteration %d\n", run.Iteration)
	if run.Error != "" {
		s += labelStyle.Render("Reason:    ") + statusFailed.Render(run.Error) + "\n"
	}
	s += "\n"

	s += "Agent Results\n"
	s += "─────────────\n"

	if len(a.results) == 0 {
		s += "(no agent results yet)\n"
	} else {
		for i, r := range a.results {
			status := statusCompleted.Render("✓")
			if !r.Completed {
				status = statusFailed.Render("✗")
			}

			phase := r.Phase
			if phase == "" {
				phase = "plan"
			}

			// "3. reviewer  plan  i2  review     ✓  1m12s  ready"
			line := fmt.Sprintf("%d. %-8s %-5s i%-2d %-10s %s", i+1, r.Role, phase, r.Iteration, r.Template, status)
			line += "  " + dimStyle.Render(fmt.Sprintf("%6s", formatDuration(r.Duration)))
			if outcome := formatOutcome(r); outcome != "" {
				line += "   " + outcome
			}

			if i == a.selectedResultIdx {
				line = selectedStyle.Render("▶ " + line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[↑/↓] select  [enter] output  [e] events  [esc] back  [q] quit")

	return s
}

// formatOutcome summarizes a stored payload: readiness for verdicts, the
// result for author statuses, the error otherwise.
func formatOutcome(r *models.AgentResult) string {
	if !r.Completed {
		return statusFailed.Render(truncate(r.Error, 50))
	}
	var payload struct {
		Readiness models.Readiness    `json:"readiness"`
		Result    models.AuthorResult `json:"result"`
	}
	if err := json.Unmarshal(r.Payload, &payload); err != nil {
		return ""
	}
	switch payload.Readiness {
	case models.ReadinessReady:
		return readyStyle.Render(string(payload.Readiness))
	case models.ReadinessReadyWithCorrections:
		return correctionsStyle.Render(string(payload.Readiness))
	case models.ReadinessNotReady:
		return notReadyStyle.Render(string(payload.Readiness))
	}
	switch payload.Result {
	case models.AuthorComplete:
		return readyStyle.Render(string(payload.Result))
	case "":
		return ""
	default:
		return notReadyStyle.Render(string(payload.Result))
	}
}

func (a *App) viewEvents() string {
	s := titleStyle.Render(fmt.Sprintf("Events for run #%d", a.selectedRun.ID)) + "\n\n"

	if len(a.events) == 0 {
		s += "(no events)\n"
	}
	for _, ev := range a.events {
		where := ev.Phase
		if ev.Iteration != nil {
			where += fmt.Sprintf(" i%d", *ev.Iteration)
		}
		s += fmt.Sprintf("%s  %-15s %-8s %s\n",
			dimStyle.Render(ev.CreatedAt.Local().Format("15:04:05")),
			ev.Type, where, truncate(string(ev.Payload), 80))
	}

	s += "\n" + helpStyle.Render("[esc] back")
	return s
}

func (a *App) viewOutput() string {
	s := titleStyle.Render("Output") + "\n\n"
	s += a.output.View() + "\n"
	s += helpStyle.Render(fmt.Sprintf("%3.f%%  [↑/↓] scroll  [esc] back", a.output.ScrollPercent()*100))
	return s
}

// Messages

type runsLoadedMsg struct {
	runs []*models.Run
	err  error
}

type runDetailMsg struct {
	run     *models.Run
	results []*models.AgentResult
	events  []*models.RunEvent
	err     error
}

type outputLoadedMsg struct {
	content string
	err     error
}

// Commands

func (a *App) loadRuns() tea.Msg {
	runs, err := a.source.ListRuns(50)
	return runsLoadedMsg{runs: runs, err: err}
}

func (a *App) loadRunDetail(id int64) tea.Cmd {
	return func() tea.Msg {
		run, err := a.source.GetRun(id)
		if err != nil {
			return runDetailMsg{err: err}
		}
		results, err := a.source.ListAgentResults(id)
		if err != nil {
			return runDetailMsg{err: err}
		}
		events, err := a.source.ListRunEvents(id)
		return runDetailMsg{run: run, results: results, events: events, err: err}
	}
}

// loadOutput shows the tail of the invocation's event log, falling back to
// the stored payload when the log is gone.
func (a *App) loadOutput(r *models.AgentResult) tea.Cmd {
	return func() tea.Msg {
		if r.LogPath != "" {
			if content, err := readTail(r.LogPath, logTailBytes); err == nil {
				return outputLoadedMsg{content: content}
			}
		}
		if len(r.Payload) == 0 {
			if r.Error != "" {
				return outputLoadedMsg{content: r.Error}
			}
			return outputLoadedMsg{content: "(no output found)"}
		}
		var buf bytes.Buffer
		if err := json.Indent(&buf, r.Payload, "", "  "); err != nil {
			return outputLoadedMsg{content: string(r.Payload)}
		}
		return outputLoadedMsg{content: buf.String()}
	}
}

func readTail(path string, n int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if info.Size() > n {
		if _, err := f.Seek(-n, io.SeekEnd); err != nil {
			return "", err
		}
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	if info.Size() > n {
		// drop the partial first line
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			data = data[i+1:]
		}
	}
	return strings.TrimRight(string(data), "\n"), nil
}

func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}
