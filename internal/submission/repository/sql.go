package repository

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"time"

	"benchboard/internal/common/db"
	"benchboard/internal/submission/model"
	appErr "benchboard/pkg/errors"

	"github.com/google/uuid"
)

//go:embed schema/*.sql
var schemaFS embed.FS

const submissionColumns = "id, user_id, username, avatar_url, source_ref, language, state, execution_time_ms, failure_reason, created_at, started_at, completed_at, attempts"

// SQLStore implements SubmissionStore on MySQL or PostgreSQL. Transition is
// a conditional UPDATE guarded by the expected state.
type SQLStore struct {
	db    db.Database
	clock func() time.Time
}

// NewSQLStore creates a store on database.
func NewSQLStore(database db.Database) *SQLStore {
	return &SQLStore{db: database, clock: time.Now}
}

// EnsureSchema creates the submissions table and its indexes when missing.
// Statements run in one transaction; PostgreSQL applies them all or none.
func EnsureSchema(ctx context.Context, database db.Database) error {
	name := "schema/mysql.sql"
	if database.Dialect() == db.DialectPostgres {
		name = "schema/postgres.sql"
	}
	ddl, err := schemaFS.ReadFile(name)
	if err != nil {
		return err
	}
	return database.Transaction(ctx, func(tx db.Transaction) error {
		for _, stmt := range strings.Split(string(ddl), ";") {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return appErr.Wrapf(err, appErr.DatabaseError, "apply schema failed")
			}
		}
		return nil
	})
}

func (s *SQLStore) Create(ctx context.Context, input model.NewSubmission) (*model.Submission, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}
	lang, _ := model.ParseLanguage(string(input.Language))
	sub := &model.Submission{
		ID:        uuid.NewString(),
		UserID:    input.UserID,
		Username:  input.Username,
		AvatarURL: input.AvatarURL,
		SourceRef: input.SourceRef,
		Language:  lang,
		State:     model.StatePending,
		CreatedAt: s.clock().UTC().Truncate(time.Microsecond),
	}
	query := `
		INSERT INTO submissions
		(id, user_id, username, avatar_url, source_ref, language, state, created_at, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
	`
	_, err := s.db.Exec(ctx, query,
		sub.ID, sub.UserID, sub.Username, sub.AvatarURL, sub.SourceRef,
		string(sub.Language), string(sub.State), sub.CreatedAt,
	)
	if err != nil {
		if key, ok := db.UniqueViolation(err); ok {
			return nil, appErr.Wrapf(err, appErr.RecordAlreadyExists, "duplicate submission key %s", key)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "create submission failed")
	}
	return sub, nil
}

func (s *SQLStore) Transition(ctx context.Context, id string, from, to model.State, fields model.TransitionFields) error {
	if !model.CanTransition(from, to) {
		current, err := s.currentState(ctx, id)
		if err != nil {
			return err
		}
		if current != from {
			return appErr.ConflictError(id, string(from), string(current))
		}
		return illegalEdge(id, from, to)
	}

	now := transitionTime(fields, s.clock).Truncate(time.Microsecond)
	var (
		set  string
		args []interface{}
	)
	switch {
	case to == model.StateRunning:
		set = "state = ?, started_at = ?, attempts = attempts + 1"
		args = []interface{}{string(to), now}
	case to == model.StatePending:
		set = "state = ?, started_at = NULL"
		args = []interface{}{string(to)}
	case to == model.StateSuccess:
		ms := fields.ExecutionTimeMs
		if ms < 0 {
			ms = 0
		}
		set = "state = ?, completed_at = ?, execution_time_ms = ?"
		args = []interface{}{string(to), now, ms}
	default:
		set = "state = ?, completed_at = ?, failure_reason = ?"
		args = []interface{}{string(to), now, fields.FailureReason}
	}
	where := " WHERE id = ? AND state = ?"
	args = append(args, id, string(from))
	if fields.Attempt > 0 {
		where += " AND attempts = ?"
		args = append(args, fields.Attempt)
	}

	result, err := s.db.Exec(ctx, "UPDATE submissions SET "+set+where, args...)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "transition submission failed")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "read affected rows failed")
	}
	if affected == 1 {
		return nil
	}
	current, err := s.currentState(ctx, id)
	if err != nil {
		return err
	}
	if current == from && fields.Attempt > 0 {
		return staleAttempt(id, fields.Attempt)
	}
	return appErr.ConflictError(id, string(from), string(current))
}

func (s *SQLStore) currentState(ctx context.Context, id string) (model.State, error) {
	var state string
	err := s.db.QueryRow(ctx, "SELECT state FROM submissions WHERE id = ?", id).Scan(&state)
	if err != nil {
		if db.IsNoRows(err) {
			return "", notFound(id)
		}
		return "", appErr.Wrapf(err, appErr.DatabaseError, "read submission state failed")
	}
	return model.State(state), nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*model.Submission, error) {
	row := s.db.QueryRow(ctx, "SELECT "+submissionColumns+" FROM submissions WHERE id = ?", id)
	sub, err := scanSubmission(row)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, notFound(id)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "get submission failed")
	}
	return sub, nil
}

func (s *SQLStore) Query(ctx context.Context, q model.Query) ([]*model.Submission, error) {
	query, args := buildQuery(q)
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "query submissions failed")
	}
	defer rows.Close()

	out := make([]*model.Submission, 0)
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.DatabaseError, "scan submission failed")
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "iterate submissions failed")
	}
	return out, nil
}

var orderColumns = map[model.OrderField]string{
	model.OrderByExecutionTime: "execution_time_ms",
	model.OrderByCreatedAt:     "created_at",
	model.OrderByCompletedAt:   "completed_at",
}

// bestPerUserClause drops a record when the same user has a better one in
// the same state.
const bestPerUserClause = "NOT EXISTS (SELECT 1 FROM submissions b WHERE b.user_id = s.user_id AND b.state = s.state" +
	" AND (b.execution_time_ms < s.execution_time_ms" +
	" OR (b.execution_time_ms = s.execution_time_ms AND (b.completed_at < s.completed_at" +
	" OR (b.completed_at = s.completed_at AND b.id < s.id)))))"

func buildQuery(q model.Query) (string, []interface{}) {
	var (
		where []string
		args  []interface{}
	)
	if q.Filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(q.Filter.State))
	}
	if q.Filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, q.Filter.UserID)
	}
	if !q.Filter.StartedBefore.IsZero() {
		where = append(where, "started_at < ?")
		args = append(args, q.Filter.StartedBefore.UTC())
	}
	if !q.Filter.CreatedBefore.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, q.Filter.CreatedBefore.UTC())
	}
	from := " FROM submissions"
	if q.Filter.BestPerUser {
		from = " FROM submissions s"
		where = append(where, bestPerUserClause)
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(submissionColumns)
	b.WriteString(from)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	col, ok := orderColumns[q.Order.Field]
	if !ok {
		col = "created_at"
	}
	dir := "ASC"
	if q.Order.Desc {
		dir = "DESC"
	}
	// NULLs last on both dialects, then id for a stable order.
	fmt.Fprintf(&b, " ORDER BY (%s IS NULL), %s %s", col, col, dir)
	if then, ok := orderColumns[q.Order.Then]; ok && then != col {
		fmt.Fprintf(&b, ", (%s IS NULL), %s %s", then, then, dir)
	}
	b.WriteString(", id ASC")
	if q.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
	}
	return b.String(), args
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSubmission(row scanner) (*model.Submission, error) {
	var (
		sub       model.Submission
		lang      string
		state     string
		execMs    sql.NullInt64
		reason    sql.NullString
		started   sql.NullTime
		completed sql.NullTime
	)
	if err := row.Scan(
		&sub.ID, &sub.UserID, &sub.Username, &sub.AvatarURL, &sub.SourceRef,
		&lang, &state, &execMs, &reason,
		&sub.CreatedAt, &started, &completed, &sub.Attempts,
	); err != nil {
		return nil, err
	}
	sub.Language = model.Language(lang)
	sub.State = model.State(state)
	sub.CreatedAt = sub.CreatedAt.UTC()
	if execMs.Valid {
		v := execMs.Int64
		sub.ExecutionTimeMs = &v
	}
	if reason.Valid {
		sub.FailureReason = reason.String
	}
	if started.Valid {
		v := started.Time.UTC()
		sub.StartedAt = &v
	}
	if completed.Valid {
		v := completed.Time.UTC()
		sub.CompletedAt = &v
	}
	return &sub, nil
}
