package vm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/raveos/rave/internal/logging"
	"github.com/raveos/rave/internal/raverr"
	"github.com/raveos/rave/internal/sshx"
	"github.com/raveos/rave/internal/tenant"
)

// Services whose database roles the manager reconciles after boot.
var reconcilableServices = map[string]bool{
	"mattermost": true,
	"gitlab":     true,
	"grafana":    true,
	"penpot":     true,
	"n8n":        true,
	"prometheus": true,
}

// prometheusDSNFile is rewritten alongside the role password so the
// exporter picks up the new credentials on restart.
const prometheusDSNFile = "/var/lib/prometheus/postgres_exporter.env"

// pgxConn narrows *pgx.Conn to what the reconciler needs; injectable for
// tests.
type pgxConn interface {
	Exec(ctx context.Context, sql string) error
	Close(ctx context.Context) error
}

type liveConn struct{ conn *pgx.Conn }

func (c liveConn) Exec(ctx context.Context, sql string) error {
	_, err := c.conn.Exec(ctx, sql)
	return err
}

func (c liveConn) Close(ctx context.Context) error { return c.conn.Close(ctx) }

var pgxConnect = func(ctx context.Context, dsn string) (pgxConn, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return liveConn{conn: conn}, nil
}

// EnsureDatabasePassword reconciles one service's database role password on
// the guest. When the tenant forwards its postgres port, the manager
// connects directly with pgx; otherwise it falls back to psql over SSH as
// the postgres superuser. Role names come from the fixed service set, never
// from callers.
func (m *Manager) EnsureDatabasePassword(ctx context.Context, name, service, password string) error {
	if !reconcilableServices[service] {
		return raverr.New(raverr.KindValidation, "unknown service %q", service)
	}
	if password == "" {
		return raverr.New(raverr.KindValidation, "empty password for service %q", service)
	}
	rec, err := m.store.Load(name)
	if err != nil {
		return err
	}

	stmts := reconcileStatements(service, password)

	if port, ok := rec.Ports["postgres"]; ok {
		if err := m.reconcileDirect(ctx, port, stmts); err == nil {
			logging.Op().Info("database password reconciled", "tenant", name, "service", service, "path", "direct")
			return m.postReconcile(ctx, rec, service, password)
		} else {
			logging.Op().Warn("direct database reconcile failed, falling back to ssh",
				"tenant", name, "service", service, "error", err)
		}
	}

	if err := m.reconcileOverSSH(ctx, rec, stmts); err != nil {
		return err
	}
	logging.Op().Info("database password reconciled", "tenant", name, "service", service, "path", "ssh")
	return m.postReconcile(ctx, rec, service, password)
}

// reconcileStatements returns the SQL run for one service. Passwords are
// embedded as literals because ALTER ROLE cannot be parameterized; they are
// escaped by doubling single quotes (see EscapeSQLLiteral).
func reconcileStatements(service, password string) []string {
	lit := "'" + EscapeSQLLiteral(password) + "'"
	switch service {
	case "mattermost":
		// Role and database may not exist on first boot.
		return []string{
			`DO $$ BEGIN IF NOT EXISTS (SELECT FROM pg_roles WHERE rolname = 'mattermost') THEN CREATE ROLE mattermost WITH LOGIN; END IF; END $$;`,
			`SELECT 'CREATE DATABASE mattermost OWNER mattermost' WHERE NOT EXISTS (SELECT FROM pg_database WHERE datname = 'mattermost')\gexec`,
			`ALTER ROLE mattermost WITH LOGIN PASSWORD ` + lit + `;`,
		}
	default:
		return []string{
			fmt.Sprintf(`ALTER ROLE %s WITH LOGIN PASSWORD %s;`, service, lit),
		}
	}
}

// reconcileDirect connects through the forwarded postgres port as the
// superuser and executes the statements. The \gexec psql meta-command is
// not available here, so the mattermost database create is translated.
func (m *Manager) reconcileDirect(ctx context.Context, port int, stmts []string) error {
	dsn := fmt.Sprintf("postgres://postgres@127.0.0.1:%d/postgres?sslmode=disable&connect_timeout=5", port)
	conn, err := pgxConnect(ctx, dsn)
	if err != nil {
		return raverr.Wrap(raverr.KindTransient, err, "connect postgres on :%d", port)
	}
	defer conn.Close(ctx)

	for _, stmt := range stmts {
		if strings.Contains(stmt, `\gexec`) {
			stmt = `CREATE DATABASE mattermost OWNER mattermost`
			if err := conn.Exec(ctx, stmt); err != nil {
				if !strings.Contains(err.Error(), "already exists") {
					return raverr.Wrap(raverr.KindTransient, err, "exec %q", stmt)
				}
			}
			continue
		}
		if err := conn.Exec(ctx, stmt); err != nil {
			return raverr.Wrap(raverr.KindTransient, err, "exec reconcile statement")
		}
	}
	return nil
}

// reconcileOverSSH pipes the statements into a psql superuser session.
func (m *Manager) reconcileOverSSH(ctx context.Context, rec *tenant.Record, stmts []string) error {
	script := `sudo -u postgres psql -v ON_ERROR_STOP=1 --no-psqlrc`
	_, err := m.transport.RunStream(ctx, rec, script, []byte(strings.Join(stmts, "\n")+"\n"), sshx.Options{
		Description: "database reconcile",
		Timeout:     time.Minute,
		MaxAttempts: 5,
	})
	if err != nil {
		return raverr.Wrap(raverr.KindTransient, err, "psql reconcile on tenant %q", rec.Name)
	}
	return nil
}

// postReconcile performs service-specific follow-ups. Prometheus keeps its
// DSN in an env file read by postgres_exporter; rewrite it to match.
func (m *Manager) postReconcile(ctx context.Context, rec *tenant.Record, service, password string) error {
	if service != "prometheus" {
		return nil
	}
	dsn := fmt.Sprintf("DATA_SOURCE_NAME=postgresql://prometheus:%s@localhost:5432/postgres?sslmode=disable", password)
	script := fmt.Sprintf(
		`sudo install -m 0600 -o prometheus -g prometheus /dev/stdin %s`,
		sshx.ShellQuote(prometheusDSNFile))
	_, err := m.transport.RunStream(ctx, rec, script, []byte(dsn+"\n"), sshx.Options{
		Description: "prometheus dsn rewrite",
		Timeout:     30 * time.Second,
		MaxAttempts: 3,
	})
	if err != nil {
		return raverr.Wrap(raverr.KindTransient, err, "rewrite prometheus dsn on tenant %q", rec.Name)
	}
	return nil
}

// EscapeSQLLiteral escapes a string for inclusion in a single-quoted SQL
// literal by doubling single quotes. This is the documented escaping
// function for the ALTER ROLE path, which cannot use bind parameters.
func EscapeSQLLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
