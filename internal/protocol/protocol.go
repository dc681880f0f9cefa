// Package protocol checks the structured results agents report before the
// orchestrator acts on them. Nothing here coerces: malformed payloads are
// rejected with a ValidationError so the caller can escalate.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mpataki/shepherd/internal/models"
)

// ValidationError describes why a payload was rejected. Context is a
// caller-supplied label used only in the message.
type ValidationError struct {
	Context string
	Field   string
	Msg     string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	if e.Context != "" {
		b.WriteString(e.Context)
		b.WriteString(": ")
	}
	if e.Field != "" {
		b.WriteString(e.Field)
		b.WriteString(": ")
	}
	b.WriteString(e.Msg)
	return b.String()
}

func invalid(label, field, format string, args ...any) *ValidationError {
	return &ValidationError{Context: label, Field: field, Msg: fmt.Sprintf(format, args...)}
}

func ValidateAuthorStatus(s *models.AuthorStatus, label string, requireCommit bool) error {
	if s == nil {
		return invalid(label, "", "missing author status")
	}
	switch s.Result {
	case models.AuthorComplete:
		if requireCommit && strings.TrimSpace(s.Commit) == "" {
			return invalid(label, "commit", "required when result is %q", s.Result)
		}
	case models.AuthorNeedsHuman, models.AuthorFailed:
		if strings.TrimSpace(s.Reason) == "" {
			return invalid(label, "reason", "required when result is %q", s.Result)
		}
	case "":
		return invalid(label, "result", "missing")
	default:
		return invalid(label, "result", "unknown value %q", s.Result)
	}
	return nil
}

func ValidateReviewerVerdict(v *models.ReviewerVerdict, label string) error {
	if v == nil {
		return invalid(label, "", "missing reviewer verdict")
	}
	switch v.Readiness {
	case models.ReadinessReady, models.ReadinessReadyWithCorrections, models.ReadinessNotReady:
	case "":
		return invalid(label, "readiness", "missing")
	default:
		return invalid(label, "readiness", "unknown value %q", v.Readiness)
	}

	seen := make(map[string]bool, len(v.Items))
	for i, item := range v.Items {
		field := fmt.Sprintf("items[%d]", i)
		if strings.TrimSpace(item.ID) == "" {
			return invalid(label, field+".id", "missing")
		}
		if seen[item.ID] {
			return invalid(label, field+".id", "duplicate id %q", item.ID)
		}
		seen[item.ID] = true
		if strings.TrimSpace(item.Title) == "" {
			return invalid(label, field+".title", "missing")
		}
		switch item.Action {
		case models.ActionAutoFix, models.ActionHumanRequired:
		case "":
			return invalid(label, field+".action", "missing")
		default:
			return invalid(label, field+".action", "unknown value %q", item.Action)
		}
	}

	if v.Readiness != models.ReadinessReady && len(v.Items) == 0 {
		return invalid(label, "items", "readiness %q requires at least one actionable item", v.Readiness)
	}
	return nil
}

// ParseAuthorStatus decodes and validates an author status payload.
func ParseAuthorStatus(raw []byte, label string, requireCommit bool) (*models.AuthorStatus, error) {
	var s models.AuthorStatus
	if err := decode(raw, label, &s); err != nil {
		return nil, err
	}
	if err := ValidateAuthorStatus(&s, label, requireCommit); err != nil {
		return nil, err
	}
	return &s, nil
}

// ParseReviewerVerdict decodes and validates a reviewer verdict payload.
func ParseReviewerVerdict(raw []byte, label string) (*models.ReviewerVerdict, error) {
	var v models.ReviewerVerdict
	if err := decode(raw, label, &v); err != nil {
		return nil, err
	}
	if err := ValidateReviewerVerdict(&v, label); err != nil {
		return nil, err
	}
	return &v, nil
}

func decode(raw []byte, label string, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return invalid(label, "", "missing structured result")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return invalid(label, "", "malformed structured result: %v", err)
	}
	return nil
}
