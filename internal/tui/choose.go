package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
)

// ErrNoChoice is returned when the prompt is dismissed without a selection.
var ErrNoChoice = errors.New("no choice made")

type Option struct {
	Value string
	Label string
	// Key selects the option directly when pressed.
	Key string
}

type Prompt struct {
	Title   string
	Body    string
	Options []Option
	// Default is the index highlighted initially.
	Default int
}

type chooser struct {
	prompt Prompt
	cursor int
	chosen int
	done   bool
}

func newChooser(p Prompt) *chooser {
	c := &chooser{prompt: p, chosen: -1}
	if p.Default >= 0 && p.Default < len(p.Options) {
		c.cursor = p.Default
	}
	return c
}

func (c *chooser) Init() tea.Cmd { return nil }

func (c *chooser) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return c, nil
	}
	switch key.String() {
	case "ctrl+c", "esc":
		c.done = true
		return c, tea.Quit
	case "up", "k":
		if c.cursor > 0 {
			c.cursor--
		}
	case "down", "j":
		if c.cursor < len(c.prompt.Options)-1 {
			c.cursor++
		}
	case "enter":
		c.chosen = c.cursor
		c.done = true
		return c, tea.Quit
	default:
		for i, opt := range c.prompt.Options {
			if opt.Key != "" && key.String() == opt.Key {
				c.chosen = i
				c.done = true
				return c, tea.Quit
			}
		}
	}
	return c, nil
}

func (c *chooser) View() string {
	if c.done {
		return ""
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render(c.prompt.Title) + "\n\n")
	if c.prompt.Body != "" {
		b.WriteString(c.prompt.Body + "\n\n")
	}
	for i, opt := range c.prompt.Options {
		label := opt.Label
		if opt.Key != "" {
			label = fmt.Sprintf("[%s] %s", opt.Key, label)
		}
		if i == c.cursor {
			b.WriteString(selectedStyle.Render("▶ "+label) + "\n")
		} else {
			b.WriteString("  " + label + "\n")
		}
	}
	b.WriteString("\n" + helpStyle.Render("[↑/↓] select  [enter] confirm  [esc] cancel"))
	return b.String()
}

func (c *chooser) value() (string, error) {
	if c.chosen < 0 {
		return "", ErrNoChoice
	}
	return c.prompt.Options[c.chosen].Value, nil
}

// Choose asks the user to pick one option. A nil in or out uses the
// process's terminal.
func Choose(ctx context.Context, p Prompt, in io.Reader, out io.Writer) (string, error) {
	if len(p.Options) == 0 {
		return "", fmt.Errorf("prompt %q has no options", p.Title)
	}
	opts := []tea.ProgramOption{tea.WithContext(ctx)}
	if in != nil {
		opts = append(opts, tea.WithInput(in))
	}
	if out != nil {
		opts = append(opts, tea.WithOutput(out))
	}

	c := newChooser(p)
	if _, err := tea.NewProgram(c, opts...).Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("prompt failed: %w", err)
	}
	return c.value()
}
