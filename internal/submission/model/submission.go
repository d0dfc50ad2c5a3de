package model

import (
	"strings"
	"time"

	appErr "benchboard/pkg/errors"
)

// State is the lifecycle state of a submission.
type State string

const (
	StatePending State = "pending"
	StateRunning State = "running"
	StateSuccess State = "success"
	StateFailed  State = "failed"
	StateError   State = "error"
)

// AllStates lists states in lifecycle order.
var AllStates = []State{StatePending, StateRunning, StateSuccess, StateFailed, StateError}

func (s State) Valid() bool {
	switch s {
	case StatePending, StateRunning, StateSuccess, StateFailed, StateError:
		return true
	}
	return false
}

// Terminal reports whether s accepts no further transitions.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailed || s == StateError
}

// CanTransition reports whether from→to is a legal lifecycle edge.
// Running→Pending is reserved for stale-job recovery.
func CanTransition(from, to State) bool {
	switch from {
	case StatePending:
		return to == StateRunning
	case StateRunning:
		return to == StatePending || to.Terminal()
	}
	return false
}

// Language is a supported source language.
type Language string

const (
	LanguageJava       Language = "java"
	LanguagePython     Language = "python"
	LanguageCPP        Language = "cpp"
	LanguageC          Language = "c"
	LanguageGo         Language = "go"
	LanguageJavaScript Language = "javascript"
)

var languageAliases = map[string]Language{
	"java":       LanguageJava,
	"python":     LanguagePython,
	"python3":    LanguagePython,
	"py":         LanguagePython,
	"cpp":        LanguageCPP,
	"c++":        LanguageCPP,
	"c":          LanguageC,
	"go":         LanguageGo,
	"golang":     LanguageGo,
	"javascript": LanguageJavaScript,
	"js":         LanguageJavaScript,
	"node":       LanguageJavaScript,
}

// ParseLanguage normalizes a user supplied language name.
func ParseLanguage(s string) (Language, bool) {
	lang, ok := languageAliases[strings.ToLower(strings.TrimSpace(s))]
	return lang, ok
}

// Extension is the file extension used for uploaded sources.
func (l Language) Extension() string {
	switch l {
	case LanguageJava:
		return ".java"
	case LanguagePython:
		return ".py"
	case LanguageCPP:
		return ".cpp"
	case LanguageC:
		return ".c"
	case LanguageGo:
		return ".go"
	case LanguageJavaScript:
		return ".js"
	}
	return ".txt"
}

// Submission is one attempt by a user to solve the benchmark problem.
type Submission struct {
	ID        string   `json:"id"`
	UserID    string   `json:"user_id"`
	Username  string   `json:"username"`
	AvatarURL string   `json:"avatar_url"`
	SourceRef string   `json:"source_ref"`
	Language  Language `json:"language"`
	State     State    `json:"state"`

	// ExecutionTimeMs is set only in StateSuccess.
	ExecutionTimeMs *int64 `json:"execution_time_ms,omitempty"`
	// FailureReason is set only in StateFailed and StateError.
	FailureReason string `json:"failure_reason,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Attempts    int        `json:"attempts"`
}

// Clone returns a deep copy.
func (s *Submission) Clone() *Submission {
	if s == nil {
		return nil
	}
	out := *s
	if s.ExecutionTimeMs != nil {
		v := *s.ExecutionTimeMs
		out.ExecutionTimeMs = &v
	}
	if s.StartedAt != nil {
		v := *s.StartedAt
		out.StartedAt = &v
	}
	if s.CompletedAt != nil {
		v := *s.CompletedAt
		out.CompletedAt = &v
	}
	return &out
}

// NewSubmission holds the caller supplied fields of a new record.
type NewSubmission struct {
	UserID    string
	Username  string
	AvatarURL string
	SourceRef string
	Language  Language
}

// Validate checks the required fields.
func (n NewSubmission) Validate() error {
	if strings.TrimSpace(n.UserID) == "" {
		return appErr.ValidationError("user_id", "required")
	}
	if strings.TrimSpace(n.SourceRef) == "" {
		return appErr.ValidationError("source_ref", "required")
	}
	if n.Language == "" {
		return appErr.ValidationError("language", "required")
	}
	if _, ok := ParseLanguage(string(n.Language)); !ok {
		return appErr.New(appErr.LanguageNotSupported).
			WithMessagef("language: unsupported %q", n.Language).
			WithDetail("field", "language")
	}
	return nil
}

// TransitionFields carries the data stamped by a transition.
type TransitionFields struct {
	ExecutionTimeMs int64
	FailureReason   string
	// Attempt, when positive, also requires the record to still be on this
	// claim. A worker whose claim was reaped and taken again loses the swap.
	Attempt int
	// At defaults to the store clock when zero.
	At time.Time
}

// OrderField is a sortable column.
type OrderField string

const (
	OrderByExecutionTime OrderField = "execution_time_ms"
	OrderByCreatedAt     OrderField = "created_at"
	OrderByCompletedAt   OrderField = "completed_at"
)

// Filter narrows a query. Zero fields do not filter.
type Filter struct {
	State         State
	UserID        string
	StartedBefore time.Time
	// CreatedBefore selects records created before the cutoff.
	CreatedBefore time.Time
	// BestPerUser keeps one record per user among the selected ones: the
	// lowest execution time, then the earliest completion, then the lowest id.
	BestPerUser bool
}

// Order sorts by Field, breaks ties on Then, and finally on id.
type Order struct {
	Field OrderField
	Then  OrderField
	Desc  bool
}

// Query selects submissions. Limit <= 0 means unbounded.
type Query struct {
	Filter Filter
	Order  Order
	Limit  int
}
