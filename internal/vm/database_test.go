package vm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/raveos/rave/internal/raverr"
)

type fakeConn struct {
	stmts  []string
	errOn  string
	retErr error
	closed bool
}

func (f *fakeConn) Exec(_ context.Context, sql string) error {
	f.stmts = append(f.stmts, sql)
	if f.errOn != "" && strings.Contains(sql, f.errOn) {
		return f.retErr
	}
	return nil
}

func (f *fakeConn) Close(context.Context) error {
	f.closed = true
	return nil
}

func TestEscapeSQLLiteral(t *testing.T) {
	cases := map[string]string{
		"plain":           "plain",
		"o'brien":         "o''brien",
		"'; DROP TABLE":   "''; DROP TABLE",
		"''":              "''''",
		"":                "",
		`back\slash kept`: `back\slash kept`,
	}
	for in, want := range cases {
		if got := EscapeSQLLiteral(in); got != want {
			t.Errorf("EscapeSQLLiteral(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestReconcileStatementsDefault(t *testing.T) {
	stmts := reconcileStatements("grafana", "p'w")
	if len(stmts) != 1 {
		t.Fatalf("want single statement, got %d", len(stmts))
	}
	if want := `ALTER ROLE grafana WITH LOGIN PASSWORD 'p''w';`; stmts[0] != want {
		t.Fatalf("stmt = %q, want %q", stmts[0], want)
	}
}

func TestReconcileStatementsMattermost(t *testing.T) {
	stmts := reconcileStatements("mattermost", "pw")
	if len(stmts) != 3 {
		t.Fatalf("want 3 statements, got %d", len(stmts))
	}
	if !strings.Contains(stmts[0], "CREATE ROLE mattermost") {
		t.Errorf("first statement must create the role: %q", stmts[0])
	}
	if !strings.Contains(stmts[1], `\gexec`) {
		t.Errorf("second statement must use \\gexec: %q", stmts[1])
	}
	if !strings.HasPrefix(stmts[2], "ALTER ROLE mattermost") {
		t.Errorf("third statement must set the password: %q", stmts[2])
	}
}

func TestEnsureDatabasePasswordValidation(t *testing.T) {
	m, _ := testManager(t)
	if err := m.EnsureDatabasePassword(context.Background(), "x", "sshd", "pw"); !raverr.IsKind(err, raverr.KindValidation) {
		t.Fatalf("unknown service: got %v", err)
	}
	if err := m.EnsureDatabasePassword(context.Background(), "x", "grafana", ""); !raverr.IsKind(err, raverr.KindValidation) {
		t.Fatalf("empty password: got %v", err)
	}
}

func TestReconcileDirectTranslatesGexec(t *testing.T) {
	fc := &fakeConn{}
	orig := pgxConnect
	pgxConnect = func(context.Context, string) (pgxConn, error) { return fc, nil }
	defer func() { pgxConnect = orig }()

	m, _ := testManager(t)
	if err := m.reconcileDirect(context.Background(), 25432, reconcileStatements("mattermost", "pw")); err != nil {
		t.Fatalf("reconcileDirect: %v", err)
	}
	if !fc.closed {
		t.Error("connection not closed")
	}
	found := false
	for _, s := range fc.stmts {
		if strings.Contains(s, `\gexec`) {
			t.Errorf("gexec statement sent to pgx verbatim: %q", s)
		}
		if s == "CREATE DATABASE mattermost OWNER mattermost" {
			found = true
		}
	}
	if !found {
		t.Error("database create was not translated for the direct path")
	}
}

func TestReconcileDirectToleratesExistingDatabase(t *testing.T) {
	fc := &fakeConn{errOn: "CREATE DATABASE", retErr: errors.New(`database "mattermost" already exists`)}
	orig := pgxConnect
	pgxConnect = func(context.Context, string) (pgxConn, error) { return fc, nil }
	defer func() { pgxConnect = orig }()

	m, _ := testManager(t)
	if err := m.reconcileDirect(context.Background(), 25432, reconcileStatements("mattermost", "pw")); err != nil {
		t.Fatalf("existing database must not fail reconcile: %v", err)
	}
}

func TestIsDataPlane(t *testing.T) {
	for _, p := range []string{"dataPlane", "dataplane", "DATA-PLANE", "data-plane"} {
		if !isDataPlane(p) {
			t.Errorf("isDataPlane(%q) = false", p)
		}
	}
	for _, p := range []string{"development", "controlPlane", ""} {
		if isDataPlane(p) {
			t.Errorf("isDataPlane(%q) = true", p)
		}
	}
}
