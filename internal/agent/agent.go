// Package agent controls rave agent systemd units on the local host. Every
// unit name is derived from an allowlisted agent type plus a fixed prefix;
// the only programs ever executed are systemctl, ps, and journalctl, always
// with a minimal environment.
package agent

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/raveos/rave/internal/config"
	"github.com/raveos/rave/internal/logging"
	"github.com/raveos/rave/internal/procrun"
	"github.com/raveos/rave/internal/raverr"
)

// UnitState is the normalized systemd unit state.
type UnitState string

const (
	StateActive       UnitState = "ACTIVE"
	StateInactive     UnitState = "INACTIVE"
	StateFailed       UnitState = "FAILED"
	StateActivating   UnitState = "ACTIVATING"
	StateDeactivating UnitState = "DEACTIVATING"
	StateUnknown      UnitState = "UNKNOWN"
)

func mapUnitState(raw string) UnitState {
	switch strings.TrimSpace(raw) {
	case "active":
		return StateActive
	case "inactive":
		return StateInactive
	case "failed":
		return StateFailed
	case "activating":
		return StateActivating
	case "deactivating":
		return StateDeactivating
	default:
		return StateUnknown
	}
}

// allowedCommands are the only outer programs the controller will spawn.
var allowedCommands = map[string]bool{
	"systemctl":  true,
	"ps":         true,
	"journalctl": true,
}

// agentTypePattern is the safe shape for agent type names.
var agentTypePattern = regexp.MustCompile(`^[a-zA-Z0-9\-_]{1,50}$`)

// maxOperationHistory bounds the in-memory operation log.
const maxOperationHistory = 100

// Result is the outcome of one agent operation.
type Result struct {
	Agent       string    `json:"agent"`
	Unit        string    `json:"unit"`
	Operation   string    `json:"operation"`
	State       UnitState `json:"state"`
	Idempotent  bool      `json:"idempotent,omitempty"`
	MemoryBytes int64     `json:"memory_bytes,omitempty"`
	CPUPercent  float64   `json:"cpu_percent,omitempty"`
	Journal     []string  `json:"journal,omitempty"`
}

// Summary aggregates unit states for list-agents.
type Summary struct {
	Total    int `json:"total"`
	Active   int `json:"active"`
	Inactive int `json:"inactive"`
	Failed   int `json:"failed"`
	Other    int `json:"other"`
}

// AgentStatus is one row in a list-agents response.
type AgentStatus struct {
	Agent string    `json:"agent"`
	Unit  string    `json:"unit"`
	State UnitState `json:"state"`
}

type operation struct {
	At        time.Time `json:"at"`
	Operation string    `json:"operation"`
	Agent     string    `json:"agent"`
	Outcome   string    `json:"outcome"`
}

// RunFunc executes one allowlisted process; it matches procrun.Run.
type RunFunc func(ctx context.Context, argv []string, opts procrun.Options) (*procrun.Result, error)

// Controller drives allowlisted agent units.
type Controller struct {
	cfg config.AgentConfig

	mu       sync.Mutex
	inFlight int
	history  []operation

	run   RunFunc
	sleep func(time.Duration)
}

// New builds a controller from config.
func New(cfg config.AgentConfig) *Controller {
	if cfg.UnitPrefix == "" {
		cfg.UnitPrefix = "rave-agent-"
	}
	if cfg.MaxConcurrentOperations <= 0 {
		cfg.MaxConcurrentOperations = 5
	}
	return &Controller{
		cfg:   cfg,
		run:   procrun.Run,
		sleep: time.Sleep,
	}
}

// NewWithRunner builds a controller with a substitute process runner.
func NewWithRunner(cfg config.AgentConfig, run RunFunc) *Controller {
	c := New(cfg)
	c.run = run
	c.sleep = func(time.Duration) {}
	return c
}

// StartAgent starts the unit for an agent type; already-active units return
// idempotent success.
func (c *Controller) StartAgent(ctx context.Context, agentType string) (*Result, error) {
	return c.drive(ctx, "start", agentType)
}

// StopAgent stops the unit for an agent type; already-inactive units return
// idempotent success.
func (c *Controller) StopAgent(ctx context.Context, agentType string) (*Result, error) {
	return c.drive(ctx, "stop", agentType)
}

func (c *Controller) drive(ctx context.Context, op, agentType string) (*Result, error) {
	unit, err := c.unitFor(agentType)
	if err != nil {
		return nil, err
	}
	release, err := c.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	state, err := c.unitState(ctx, unit)
	if err != nil {
		return nil, err
	}

	if op == "start" && state == StateActive {
		c.recordOp(op, agentType, "idempotent")
		return &Result{Agent: agentType, Unit: unit, Operation: op, State: state, Idempotent: true}, nil
	}
	if op == "stop" && state == StateInactive {
		c.recordOp(op, agentType, "idempotent")
		return &Result{Agent: agentType, Unit: unit, Operation: op, State: state, Idempotent: true}, nil
	}

	if _, err := c.exec(ctx, []string{"systemctl", op, unit}, 30*time.Second); err != nil {
		c.recordOp(op, agentType, "error")
		return nil, raverr.Wrap(raverr.KindResource, err, "systemctl %s %s", op, unit)
	}

	c.sleep(c.cfg.SettleDelay)

	state, err = c.unitState(ctx, unit)
	if err != nil {
		return nil, err
	}

	ok := false
	switch op {
	case "start":
		ok = state == StateActive || state == StateActivating
	case "stop":
		ok = state == StateInactive || state == StateDeactivating
	}
	if !ok {
		c.recordOp(op, agentType, "failed")
		return nil, raverr.New(raverr.KindResource,
			"unit %s is %s after %s", unit, strings.ToLower(string(state)), op)
	}

	c.recordOp(op, agentType, "ok")
	logging.Op().Info("agent operation complete", "operation", op, "agent", agentType, "state", state)
	return &Result{Agent: agentType, Unit: unit, Operation: op, State: state}, nil
}

// GetStatus reports a unit's state plus resource usage and recent journal.
func (c *Controller) GetStatus(ctx context.Context, agentType string) (*Result, error) {
	unit, err := c.unitFor(agentType)
	if err != nil {
		return nil, err
	}
	release, err := c.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	state, err := c.unitState(ctx, unit)
	if err != nil {
		return nil, err
	}
	res := &Result{Agent: agentType, Unit: unit, Operation: "status", State: state}

	if state == StateActive {
		if mem, cpu, err := c.resourceMetrics(ctx, unit); err == nil {
			res.MemoryBytes = mem
			res.CPUPercent = cpu
		}
	}
	if lines, err := c.journal(ctx, unit); err == nil {
		res.Journal = lines
	}
	c.recordOp("status", agentType, "ok")
	return res, nil
}

// ListAgents reports every allowlisted unit with a summary.
func (c *Controller) ListAgents(ctx context.Context, filter string) ([]AgentStatus, *Summary, error) {
	if filter != "" && !agentTypePattern.MatchString(filter) {
		return nil, nil, raverr.New(raverr.KindValidation, "invalid filter %q", filter)
	}
	release, err := c.acquire()
	if err != nil {
		return nil, nil, err
	}
	defer release()

	var statuses []AgentStatus
	summary := &Summary{}
	for _, agentType := range c.cfg.Allowlist {
		if filter != "" && !strings.Contains(agentType, filter) {
			continue
		}
		unit := c.cfg.UnitPrefix + agentType + ".service"
		state, err := c.unitState(ctx, unit)
		if err != nil {
			state = StateUnknown
		}
		statuses = append(statuses, AgentStatus{Agent: agentType, Unit: unit, State: state})
		summary.Total++
		switch state {
		case StateActive:
			summary.Active++
		case StateInactive:
			summary.Inactive++
		case StateFailed:
			summary.Failed++
		default:
			summary.Other++
		}
	}
	c.recordOp("list", filter, "ok")
	return statuses, summary, nil
}

// History returns a copy of the bounded operation history.
func (c *Controller) History() []map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]string, 0, len(c.history))
	for _, op := range c.history {
		out = append(out, map[string]string{
			"at":        op.At.UTC().Format(time.RFC3339),
			"operation": op.Operation,
			"agent":     op.Agent,
			"outcome":   op.Outcome,
		})
	}
	return out
}

// unitFor validates the agent type and derives its unit name.
func (c *Controller) unitFor(agentType string) (string, error) {
	if !agentTypePattern.MatchString(agentType) {
		return "", raverr.New(raverr.KindValidation, "invalid agent type %q", agentType)
	}
	allowed := false
	for _, a := range c.cfg.Allowlist {
		if a == agentType {
			allowed = true
			break
		}
	}
	if !allowed {
		return "", raverr.New(raverr.KindNotFound, "agent type %q is not in the allowlist", agentType)
	}
	return c.cfg.UnitPrefix + agentType + ".service", nil
}

// acquire reserves a concurrency slot, returned by the release func.
func (c *Controller) acquire() (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight >= c.cfg.MaxConcurrentOperations {
		return nil, raverr.New(raverr.KindResource,
			"too many concurrent agent operations (max %d)", c.cfg.MaxConcurrentOperations)
	}
	c.inFlight++
	return func() {
		c.mu.Lock()
		c.inFlight--
		c.mu.Unlock()
	}, nil
}

func (c *Controller) unitState(ctx context.Context, unit string) (UnitState, error) {
	res, err := c.exec(ctx, []string{"systemctl", "is-active", unit}, 10*time.Second)
	if err != nil {
		// is-active exits non-zero for every state but active; the state
		// name is still on stdout.
		if res != nil && len(res.Stdout) > 0 {
			return mapUnitState(string(res.Stdout)), nil
		}
		return StateUnknown, raverr.Wrap(raverr.KindResource, err, "query unit %s", unit)
	}
	return mapUnitState(string(res.Stdout)), nil
}

// resourceMetrics samples memory and CPU for the unit's main PID via ps.
func (c *Controller) resourceMetrics(ctx context.Context, unit string) (memBytes int64, cpuPct float64, err error) {
	res, err := c.exec(ctx, []string{"systemctl", "show", unit, "--property=MainPID", "--value"}, 10*time.Second)
	if err != nil {
		return 0, 0, err
	}
	pid := strings.TrimSpace(string(res.Stdout))
	if pid == "" || pid == "0" {
		return 0, 0, raverr.New(raverr.KindNotFound, "unit %s has no main pid", unit)
	}

	res, err = c.exec(ctx, []string{"ps", "-o", "rss=,%cpu=", "-p", pid}, 10*time.Second)
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(string(res.Stdout))
	if len(fields) >= 1 {
		if rssKB, perr := strconv.ParseInt(fields[0], 10, 64); perr == nil {
			memBytes = rssKB * 1024
		}
	}
	if len(fields) >= 2 {
		cpuPct, _ = strconv.ParseFloat(fields[1], 64)
	}
	return memBytes, cpuPct, nil
}

// journal returns recent log lines for the unit, each truncated.
func (c *Controller) journal(ctx context.Context, unit string) ([]string, error) {
	maxLines := c.cfg.JournalMaxLines
	if maxLines <= 0 {
		maxLines = 50
	}
	res, err := c.exec(ctx, []string{
		"journalctl", "-u", unit, "-n", strconv.Itoa(maxLines), "--no-pager", "-o", "short-iso",
	}, 15*time.Second)
	if err != nil {
		return nil, err
	}
	const maxLineLen = 300
	var lines []string
	for _, line := range strings.Split(strings.TrimRight(string(res.Stdout), "\n"), "\n") {
		if len(line) > maxLineLen {
			line = line[:maxLineLen] + "..."
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// exec refuses any argv whose first element is not an allowlisted program,
// then runs it with the minimal environment.
func (c *Controller) exec(ctx context.Context, argv []string, timeout time.Duration) (*procrun.Result, error) {
	if len(argv) == 0 || !allowedCommands[argv[0]] {
		return nil, raverr.New(raverr.KindValidation, "refusing to execute %q", strings.Join(argv, " "))
	}
	return c.run(ctx, argv, procrun.Options{
		Timeout: timeout,
		Env:     procrun.MinimalEnv(),
	})
}

func (c *Controller) recordOp(op, agent, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, operation{At: time.Now(), Operation: op, Agent: agent, Outcome: outcome})
	if len(c.history) > maxOperationHistory {
		c.history = c.history[len(c.history)-maxOperationHistory:]
	}
}

// FormatDetails renders a result's fields for chat replies, with memory
// shown in MB.
func (r *Result) FormatDetails() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "agent: %s\n", r.Agent)
	fmt.Fprintf(&sb, "state: %s\n", r.State)
	if r.Idempotent {
		sb.WriteString("note: already in requested state\n")
	}
	if r.MemoryBytes > 0 {
		fmt.Fprintf(&sb, "memory: %.1f MB\n", float64(r.MemoryBytes)/(1024*1024))
	}
	if r.CPUPercent > 0 {
		fmt.Fprintf(&sb, "cpu: %.1f%%\n", r.CPUPercent)
	}
	return strings.TrimRight(sb.String(), "\n")
}
