package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/raveos/rave/internal/config"
	"github.com/raveos/rave/internal/procrun"
	"github.com/raveos/rave/internal/raverr"
)

// fakeRunner scripts responses keyed by the joined argv prefix.
type fakeRunner struct {
	states   map[string]string // unit -> is-active output
	mainPID  string
	psOut    string
	journal  string
	commands [][]string
	envs     [][]string
}

func (f *fakeRunner) run(_ context.Context, argv []string, opts procrun.Options) (*procrun.Result, error) {
	f.commands = append(f.commands, argv)
	f.envs = append(f.envs, opts.Env)
	cmd := strings.Join(argv, " ")
	switch {
	case argv[0] == "systemctl" && argv[1] == "is-active":
		state, ok := f.states[argv[2]]
		if !ok {
			state = "inactive"
		}
		res := &procrun.Result{Stdout: []byte(state + "\n")}
		if state != "active" {
			res.ReturnCode = 3
			return res, errors.New("exit status 3")
		}
		return res, nil
	case argv[0] == "systemctl" && argv[1] == "start":
		f.states[argv[2]] = "active"
		return &procrun.Result{}, nil
	case argv[0] == "systemctl" && argv[1] == "stop":
		f.states[argv[2]] = "inactive"
		return &procrun.Result{}, nil
	case argv[0] == "systemctl" && argv[1] == "show":
		return &procrun.Result{Stdout: []byte(f.mainPID + "\n")}, nil
	case argv[0] == "ps":
		return &procrun.Result{Stdout: []byte(f.psOut)}, nil
	case argv[0] == "journalctl":
		return &procrun.Result{Stdout: []byte(f.journal)}, nil
	}
	return nil, errors.New("unexpected command: " + cmd)
}

func testController(f *fakeRunner) *Controller {
	c := New(config.AgentConfig{
		UnitPrefix:              "rave-agent-",
		Allowlist:               []string{"backend-architect", "frontend-dev", "db-sync"},
		MaxConcurrentOperations: 5,
		SettleDelay:             time.Millisecond,
		JournalMaxLines:         10,
	})
	c.run = f.run
	c.sleep = func(time.Duration) {}
	return c
}

func TestStartAgent(t *testing.T) {
	f := &fakeRunner{states: map[string]string{}}
	c := testController(f)

	res, err := c.StartAgent(context.Background(), "backend-architect")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if res.State != StateActive {
		t.Fatalf("state = %s", res.State)
	}
	if res.Unit != "rave-agent-backend-architect.service" {
		t.Fatalf("unit = %s", res.Unit)
	}
	if res.Idempotent {
		t.Fatal("fresh start must not be idempotent")
	}
}

func TestStartAgentIdempotent(t *testing.T) {
	f := &fakeRunner{states: map[string]string{"rave-agent-db-sync.service": "active"}}
	c := testController(f)

	res, err := c.StartAgent(context.Background(), "db-sync")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !res.Idempotent {
		t.Fatal("already-active start must be idempotent")
	}
	for _, argv := range f.commands {
		if argv[1] == "start" {
			t.Fatal("idempotent path must not issue systemctl start")
		}
	}
}

func TestStopAgent(t *testing.T) {
	f := &fakeRunner{states: map[string]string{"rave-agent-db-sync.service": "active"}}
	c := testController(f)

	res, err := c.StopAgent(context.Background(), "db-sync")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if res.State != StateInactive {
		t.Fatalf("state = %s", res.State)
	}
}

func TestRejectsUnknownAgent(t *testing.T) {
	c := testController(&fakeRunner{states: map[string]string{}})
	_, err := c.StartAgent(context.Background(), "not-allowlisted")
	if !raverr.IsKind(err, raverr.KindNotFound) {
		t.Fatalf("got %v, want not-found", err)
	}
}

func TestRejectsMalformedAgentType(t *testing.T) {
	c := testController(&fakeRunner{states: map[string]string{}})
	for _, bad := range []string{"a;b", "../x", "a b", strings.Repeat("a", 51), ""} {
		if _, err := c.StartAgent(context.Background(), bad); !raverr.IsKind(err, raverr.KindValidation) {
			t.Errorf("StartAgent(%q) = %v, want validation error", bad, err)
		}
	}
}

func TestConcurrencyCap(t *testing.T) {
	c := testController(&fakeRunner{states: map[string]string{}})
	var releases []func()
	for i := 0; i < 5; i++ {
		rel, err := c.acquire()
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		releases = append(releases, rel)
	}
	if _, err := c.acquire(); !raverr.IsKind(err, raverr.KindResource) {
		t.Fatalf("6th acquire = %v, want resource error", err)
	}
	releases[0]()
	if rel, err := c.acquire(); err != nil {
		t.Fatalf("acquire after release: %v", err)
	} else {
		rel()
	}
	for _, rel := range releases[1:] {
		rel()
	}
}

func TestGetStatusWithMetrics(t *testing.T) {
	f := &fakeRunner{
		states:  map[string]string{"rave-agent-db-sync.service": "active"},
		mainPID: "1234",
		psOut:   " 204800  3.5\n",
		journal: "line one\nline two\n",
	}
	c := testController(f)

	res, err := c.GetStatus(context.Background(), "db-sync")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if res.MemoryBytes != 204800*1024 {
		t.Errorf("memory = %d", res.MemoryBytes)
	}
	if res.CPUPercent != 3.5 {
		t.Errorf("cpu = %f", res.CPUPercent)
	}
	if len(res.Journal) != 2 {
		t.Errorf("journal = %v", res.Journal)
	}
}

func TestListAgentsSummary(t *testing.T) {
	f := &fakeRunner{states: map[string]string{
		"rave-agent-backend-architect.service": "active",
		"rave-agent-frontend-dev.service":      "failed",
	}}
	c := testController(f)

	statuses, summary, err := c.ListAgents(context.Background(), "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(statuses) != 3 {
		t.Fatalf("statuses = %d", len(statuses))
	}
	if summary.Total != 3 || summary.Active != 1 || summary.Failed != 1 || summary.Inactive != 1 {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestListAgentsFilter(t *testing.T) {
	c := testController(&fakeRunner{states: map[string]string{}})
	statuses, summary, err := c.ListAgents(context.Background(), "db")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(statuses) != 1 || statuses[0].Agent != "db-sync" {
		t.Fatalf("statuses = %v", statuses)
	}
	if summary.Total != 1 {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestOnlyAllowlistedProgramsExecute(t *testing.T) {
	c := testController(&fakeRunner{states: map[string]string{}})
	if _, err := c.exec(context.Background(), []string{"bash", "-c", "id"}, time.Second); !raverr.IsKind(err, raverr.KindValidation) {
		t.Fatalf("exec bash = %v, want refusal", err)
	}
	if _, err := c.exec(context.Background(), nil, time.Second); !raverr.IsKind(err, raverr.KindValidation) {
		t.Fatalf("empty argv = %v, want refusal", err)
	}
}

func TestMinimalEnvironment(t *testing.T) {
	f := &fakeRunner{states: map[string]string{}}
	c := testController(f)
	c.StartAgent(context.Background(), "db-sync")

	if len(f.envs) == 0 {
		t.Fatal("no commands executed")
	}
	for _, env := range f.envs {
		joined := strings.Join(env, " ")
		if !strings.Contains(joined, "PATH=/usr/bin:/bin:/usr/sbin:/sbin") {
			t.Fatalf("env = %v, want minimal PATH", env)
		}
	}
}

func TestOperationHistoryBounded(t *testing.T) {
	c := testController(&fakeRunner{states: map[string]string{}})
	for i := 0; i < maxOperationHistory+20; i++ {
		c.recordOp("start", "db-sync", "ok")
	}
	if got := len(c.History()); got != maxOperationHistory {
		t.Fatalf("history = %d, want %d", got, maxOperationHistory)
	}
}

func TestFormatDetailsMemoryMB(t *testing.T) {
	r := &Result{Agent: "db-sync", State: StateActive, MemoryBytes: 100 * 1024 * 1024}
	out := r.FormatDetails()
	if !strings.Contains(out, "memory: 100.0 MB") {
		t.Fatalf("details = %q", out)
	}
}
