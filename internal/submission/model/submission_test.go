package model_test

import (
	"testing"

	"benchboard/internal/submission/model"
	appErr "benchboard/pkg/errors"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to model.State
		ok       bool
	}{
		{model.StatePending, model.StateRunning, true},
		{model.StateRunning, model.StateSuccess, true},
		{model.StateRunning, model.StateFailed, true},
		{model.StateRunning, model.StateError, true},
		{model.StateRunning, model.StatePending, true},
		{model.StatePending, model.StateSuccess, false},
		{model.StatePending, model.StatePending, false},
		{model.StateRunning, model.StateRunning, false},
		{model.StateSuccess, model.StateFailed, false},
		{model.StateSuccess, model.StatePending, false},
		{model.StateError, model.StateRunning, false},
		{model.StateFailed, model.StateSuccess, false},
	}
	for _, tc := range cases {
		if got := model.CanTransition(tc.from, tc.to); got != tc.ok {
			t.Fatalf("%s→%s: got %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestParseLanguage(t *testing.T) {
	cases := map[string]model.Language{
		"Python": model.LanguagePython,
		" c++ ":  model.LanguageCPP,
		"js":     model.LanguageJavaScript,
		"golang": model.LanguageGo,
		"java":   model.LanguageJava,
	}
	for in, want := range cases {
		got, ok := model.ParseLanguage(in)
		if !ok || got != want {
			t.Fatalf("ParseLanguage(%q) = %q,%v", in, got, ok)
		}
	}
	if _, ok := model.ParseLanguage("cobol"); ok {
		t.Fatalf("cobol must not be supported")
	}
}

func TestNewSubmissionValidate(t *testing.T) {
	valid := model.NewSubmission{UserID: "u1", SourceRef: "sources/a.py", Language: model.LanguagePython}
	if err := valid.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cases := []struct {
		name string
		in   model.NewSubmission
		code appErr.ErrorCode
	}{
		{"missing user", model.NewSubmission{SourceRef: "b/k", Language: model.LanguageGo}, appErr.ValidationFailed},
		{"missing source", model.NewSubmission{UserID: "u1", Language: model.LanguageGo}, appErr.ValidationFailed},
		{"missing language", model.NewSubmission{UserID: "u1", SourceRef: "b/k"}, appErr.ValidationFailed},
		{"unknown language", model.NewSubmission{UserID: "u1", SourceRef: "b/k", Language: "cobol"}, appErr.LanguageNotSupported},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.in.Validate()
			if appErr.GetCode(err) != tc.code {
				t.Fatalf("expected %d, got %v", tc.code, err)
			}
			if appErr.GetCode(err).HTTPStatus() != 400 {
				t.Fatalf("expected 400 status")
			}
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	ms := int64(10)
	s := &model.Submission{ID: "a", ExecutionTimeMs: &ms}
	c := s.Clone()
	*c.ExecutionTimeMs = 20
	if *s.ExecutionTimeMs != 10 {
		t.Fatalf("clone shares execution time pointer")
	}
}
