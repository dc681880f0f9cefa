package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/shepherd/internal/models"
)

func TestValidateReviewerVerdict(t *testing.T) {
	tests := []struct {
		name    string
		verdict models.ReviewerVerdict
		wantErr string
	}{
		{
			name:    "ready with no items",
			verdict: models.ReviewerVerdict{Readiness: models.ReadinessReady},
		},
		{
			name: "not ready with auto fix",
			verdict: models.ReviewerVerdict{Readiness: models.ReadinessNotReady, Items: []models.VerdictItem{
				{ID: "1", Title: "typo", Action: models.ActionAutoFix},
			}},
		},
		{
			name:    "not ready without items",
			verdict: models.ReviewerVerdict{Readiness: models.ReadinessNotReady},
			wantErr: "requires at least one actionable item",
		},
		{
			name:    "corrections without items",
			verdict: models.ReviewerVerdict{Readiness: models.ReadinessReadyWithCorrections, Items: []models.VerdictItem{}},
			wantErr: "requires at least one actionable item",
		},
		{
			name: "item missing action",
			verdict: models.ReviewerVerdict{Readiness: models.ReadinessNotReady, Items: []models.VerdictItem{
				{ID: "1", Title: "typo"},
			}},
			wantErr: "items[0].action: missing",
		},
		{
			name: "item with unknown action",
			verdict: models.ReviewerVerdict{Readiness: models.ReadinessNotReady, Items: []models.VerdictItem{
				{ID: "1", Title: "typo", Action: "ignore"},
			}},
			wantErr: "unknown value",
		},
		{
			name: "duplicate ids",
			verdict: models.ReviewerVerdict{Readiness: models.ReadinessNotReady, Items: []models.VerdictItem{
				{ID: "1", Title: "a", Action: models.ActionAutoFix},
				{ID: "1", Title: "b", Action: models.ActionAutoFix},
			}},
			wantErr: "duplicate id",
		},
		{
			name:    "unknown readiness",
			verdict: models.ReviewerVerdict{Readiness: "mostly_ready"},
			wantErr: "readiness: unknown value",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateReviewerVerdict(&tt.verdict, "plan review")
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Contains(t, err.Error(), "plan review")
			var verr *ValidationError
			assert.True(t, errors.As(err, &verr))
		})
	}
}

func TestValidateAuthorStatus(t *testing.T) {
	tests := []struct {
		name          string
		status        models.AuthorStatus
		requireCommit bool
		wantErr       string
	}{
		{name: "complete", status: models.AuthorStatus{Result: models.AuthorComplete}},
		{name: "complete with commit", status: models.AuthorStatus{Result: models.AuthorComplete, Commit: "abc123"}, requireCommit: true},
		{name: "complete missing commit", status: models.AuthorStatus{Result: models.AuthorComplete}, requireCommit: true, wantErr: "commit"},
		{name: "needs human with reason", status: models.AuthorStatus{Result: models.AuthorNeedsHuman, Reason: "creds"}},
		{name: "failed without reason", status: models.AuthorStatus{Result: models.AuthorFailed}, wantErr: "reason"},
		{name: "missing result", status: models.AuthorStatus{}, wantErr: "result: missing"},
		{name: "unknown result", status: models.AuthorStatus{Result: "done"}, wantErr: "unknown value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAuthorStatus(&tt.status, "phase 1", tt.requireCommit)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseReviewerVerdict(t *testing.T) {
	v, err := ParseReviewerVerdict([]byte(`{"readiness":"ready","items":[],"extra":"ignored"}`), "r")
	require.NoError(t, err)
	assert.Equal(t, models.ReadinessReady, v.Readiness)

	_, err = ParseReviewerVerdict(nil, "r")
	assert.ErrorContains(t, err, "missing structured result")

	_, err = ParseReviewerVerdict([]byte(`{"readiness":`), "r")
	assert.ErrorContains(t, err, "malformed structured result")
}

func TestParseAuthorStatus(t *testing.T) {
	s, err := ParseAuthorStatus([]byte(`{"result":"complete","commit":"deadbeef"}`), "a", true)
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", s.Commit)

	_, err = ParseAuthorStatus([]byte(`null`), "a", false)
	assert.Error(t, err)
}

func TestExtract(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
		ok   bool
	}{
		{name: "whole object", text: ` {"readiness":"ready"} `, want: `{"readiness":"ready"}`, ok: true},
		{
			name: "last fenced block",
			text: "draft:\n```json\n{\"a\":1}\n```\nfinal:\n```json\n{\"a\":2}\n```\n",
			want: `{"a":2}`, ok: true,
		},
		{
			name: "embedded in prose",
			text: `I reviewed it {not json} and here is the verdict {"readiness":"not_ready","items":[{"id":"1"}]} thanks`,
			want: `{"readiness":"not_ready","items":[{"id":"1"}]}`, ok: true,
		},
		{name: "nothing", text: "all good, no payload", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Extract(tt.text)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.JSONEq(t, tt.want, string(got))
			}
		})
	}
}
