// Package plan loads plan artifacts: markdown documents with optional YAML
// front matter and "Phase N" headings that phase execution walks through.
package plan

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mpataki/shepherd/internal/models"
)

// FrontMatter holds per-plan overrides of the loop configuration.
type FrontMatter struct {
	Title           string   `yaml:"title"`
	Model           string   `yaml:"model"`
	MaxReviewCycles int      `yaml:"max_review_cycles"`
	RequireCommit   *bool    `yaml:"require_commit"`
	Quality         []string `yaml:"quality"`
	Phases          []string `yaml:"phases"`
}

type Phase struct {
	ID    string
	Title string
	// Body is the section text under the heading, up to the next phase.
	Body string
}

type Plan struct {
	Path  string
	Title string
	Meta  FrontMatter
	// Body is the document without its front matter.
	Body   string
	Phases []Phase
}

var (
	phaseHeading = regexp.MustCompile(`(?i)^#{1,4}\s+phase\s+(-?\d+(?:\.\d+)*)\s*(?:[:.)\-]\s*)?(.*)$`)
	titleHeading = regexp.MustCompile(`^#\s+(.+)$`)
)

func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	p.Path = path
	return p, nil
}

func Parse(data []byte) (*Plan, error) {
	p := &Plan{}
	body, front, err := splitFrontMatter(data)
	if err != nil {
		return nil, err
	}
	if front != nil {
		if err := yaml.Unmarshal(front, &p.Meta); err != nil {
			return nil, fmt.Errorf("failed to parse front matter YAML: %w", err)
		}
	}
	p.Body = string(body)
	p.Title = p.Meta.Title

	var current *Phase
	var section strings.Builder
	flush := func() {
		if current != nil {
			current.Body = strings.TrimSpace(section.String())
			p.Phases = append(p.Phases, *current)
		}
		section.Reset()
	}
	seen := map[string]bool{}
	inFence := false
	for _, line := range strings.Split(p.Body, "\n") {
		trimmed := strings.TrimRight(line, "\r")
		if strings.HasPrefix(strings.TrimSpace(trimmed), "```") {
			inFence = !inFence
		}
		if !inFence {
			if m := phaseHeading.FindStringSubmatch(trimmed); m != nil {
				flush()
				if seen[m[1]] {
					return nil, fmt.Errorf("phase %s is defined twice", m[1])
				}
				seen[m[1]] = true
				current = &Phase{ID: m[1], Title: strings.TrimSpace(m[2])}
				continue
			}
			if p.Title == "" {
				if m := titleHeading.FindStringSubmatch(trimmed); m != nil {
					p.Title = strings.TrimSpace(m[1])
				}
			}
		}
		if current != nil {
			section.WriteString(trimmed)
			section.WriteString("\n")
		}
	}
	flush()
	return p, nil
}

func splitFrontMatter(data []byte) (body, front []byte, err error) {
	const delim = "---"
	trimmed := bytes.TrimPrefix(data, []byte("\ufeff"))
	if !bytes.HasPrefix(trimmed, []byte(delim+"\n")) && !bytes.HasPrefix(trimmed, []byte(delim+"\r\n")) {
		return data, nil, nil
	}
	rest := trimmed[bytes.IndexByte(trimmed, '\n')+1:]
	for offset := 0; offset < len(rest); {
		end := bytes.IndexByte(rest[offset:], '\n')
		var line []byte
		if end < 0 {
			line = rest[offset:]
		} else {
			line = rest[offset : offset+end]
		}
		if string(bytes.TrimRight(line, "\r")) == delim {
			front = rest[:offset]
			if end < 0 {
				return nil, front, nil
			}
			return rest[offset+end+1:], front, nil
		}
		if end < 0 {
			break
		}
		offset += end + 1
	}
	return nil, nil, fmt.Errorf("front matter is not closed")
}

func (p *Plan) Phase(id string) (Phase, bool) {
	for _, ph := range p.Phases {
		if ph.ID == id {
			return ph, true
		}
	}
	return Phase{}, false
}

// PhaseIDs returns the phases to execute in canonical order: the front
// matter's list when present, otherwise every phase heading.
func (p *Plan) PhaseIDs() []string {
	var ids []string
	if len(p.Meta.Phases) > 0 {
		ids = append(ids, p.Meta.Phases...)
	} else {
		for _, ph := range p.Phases {
			ids = append(ids, ph.ID)
		}
	}
	models.SortPhases(ids)
	return ids
}
