package db

import (
	"database/sql"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

func TestUniqueViolation(t *testing.T) {
	cases := []struct {
		name string
		err  error
		key  string
		ok   bool
	}{
		{"mysql duplicate", &mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'abc' for key 'submissions.PRIMARY'"}, "submissions.PRIMARY", true},
		{"mysql other", &mysql.MySQLError{Number: 1213, Message: "Deadlock found"}, "", false},
		{"postgres duplicate", fmt.Errorf("exec failed: %w", &pq.Error{Code: "23505", Constraint: "submissions_pkey"}), "submissions_pkey", true},
		{"postgres other", &pq.Error{Code: "40001"}, "", false},
		{"plain", sql.ErrConnDone, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			key, ok := UniqueViolation(tc.err)
			if ok != tc.ok || key != tc.key {
				t.Fatalf("got (%q,%v), want (%q,%v)", key, ok, tc.key, tc.ok)
			}
		})
	}
}

func TestBindRewritesPlaceholdersForPostgres(t *testing.T) {
	pg := NewWithDB(nil, DialectPostgres)
	if got := pg.bind("UPDATE t SET a = ? WHERE id = ? AND state = ?"); got != "UPDATE t SET a = $1 WHERE id = $2 AND state = $3" {
		t.Fatalf("unexpected rebind: %s", got)
	}
	my := NewWithDB(nil, DialectMySQL)
	if got := my.bind("SELECT ? "); got != "SELECT ? " {
		t.Fatalf("mysql query must be unchanged: %s", got)
	}
}

func TestIsNoRows(t *testing.T) {
	if !IsNoRows(fmt.Errorf("wrap: %w", sql.ErrNoRows)) {
		t.Fatalf("expected wrapped ErrNoRows to match")
	}
	if IsNoRows(sql.ErrTxDone) {
		t.Fatalf("unexpected match")
	}
}
