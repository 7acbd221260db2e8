package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/raveos/rave/internal/agent"
	"github.com/raveos/rave/internal/audit"
	"github.com/raveos/rave/internal/command"
	"github.com/raveos/rave/internal/identity"
	"github.com/raveos/rave/internal/logging"
	"github.com/raveos/rave/internal/observability"
	"github.com/raveos/rave/internal/raverr"
)

// requiredCapability maps each command to the capability its caller must
// hold. help is open to any authenticated user.
var requiredCapability = map[string]string{
	"start-agent":  "agent:start",
	"stop-agent":   "agent:stop",
	"status-agent": "agent:status",
	"list-agents":  "agent:status",
	"help":         "",
}

// request is one inbound chat command regardless of transport.
type request struct {
	sender   string // chat subject ID, e.g. @alice:example.org
	roomID   string // Matrix room or webhook channel
	clientIP string
	text     string
}

// outcome is the rendered reply plus classification for the transport layer.
type outcome struct {
	reply string
	err   error // nil on success; carries the raverr kind otherwise
}

// process runs the full command pipeline: identity, parse, authorize,
// execute, audit. The returned outcome always has a user-presentable reply.
func (s *Server) process(ctx context.Context, req request) outcome {
	ctx, span := observability.StartSpan(ctx, "bridge.process",
		observability.AttrUserID.String(req.sender),
		observability.AttrRoomID.String(req.roomID),
		observability.AttrClientIP.String(req.clientIP),
	)
	defer span.End()

	info, err := s.validateSender(ctx, req)
	if err != nil {
		return s.fail(req, nil, "", err)
	}

	parsed, err := command.Parse(req.text)
	if err != nil {
		return s.fail(req, info, "", err)
	}
	span.SetAttributes(observability.AttrCommand.String(parsed.Command))

	s.audit.Log(audit.Event{
		EventType: "command_attempt",
		UserID:    info.UserID,
		ClientIP:  req.clientIP,
		RoomID:    req.roomID,
		Details: map[string]any{
			"command": parsed.Command,
			"args":    strings.Join(parsed.Args, " "),
			"user":    info.Username,
		},
	})

	if need := requiredCapability[parsed.Command]; need != "" && !info.HasCapability(need) {
		err := raverr.New(raverr.KindAuthorization,
			"user %s lacks %s", info.Username, need)
		return s.fail(req, info, parsed.Command, err)
	}

	reply, err := s.execute(ctx, info, parsed)
	if err != nil {
		return s.fail(req, info, parsed.Command, err)
	}

	s.metrics.Command(parsed.Command, "success", info.Username)
	s.audit.Log(audit.Event{
		EventType: "command_success",
		UserID:    info.UserID,
		ClientIP:  req.clientIP,
		RoomID:    req.roomID,
		Details:   map[string]any{"command": parsed.Command},
	})
	return outcome{reply: reply}
}

// validateSender resolves the chat sender through the IdP behind its
// breaker.
func (s *Server) validateSender(ctx context.Context, req request) (*identity.UserInfo, error) {
	var info *identity.UserInfo
	err := s.breakers.Get(BreakerIdP).Call(ctx, func(ctx context.Context) error {
		var err error
		info, err = s.identity.ValidateUser(ctx, req.sender)
		return err
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// execute dispatches the parsed command. Agent operations run behind the
// systemd breaker.
func (s *Server) execute(ctx context.Context, info *identity.UserInfo, parsed *command.ParsedCommand) (string, error) {
	switch parsed.Command {
	case "help":
		return command.Help(), nil

	case "list-agents":
		filter := ""
		if len(parsed.Args) > 0 {
			filter = parsed.Args[0]
		}
		var agents []agent.AgentStatus
		var summary *agent.Summary
		err := s.breakers.Get(BreakerSystemd).Call(ctx, func(ctx context.Context) error {
			var err error
			agents, summary, err = s.agents.ListAgents(ctx, filter)
			return err
		})
		if err != nil {
			return "", err
		}
		return formatAgentList(agents, summary), nil

	case "start-agent", "stop-agent", "status-agent":
		op := strings.TrimSuffix(parsed.Command, "-agent")
		var res *agent.Result
		err := s.breakers.Get(BreakerSystemd).Call(ctx, func(ctx context.Context) error {
			var err error
			switch parsed.Command {
			case "start-agent":
				res, err = s.agents.StartAgent(ctx, parsed.Args[0])
			case "stop-agent":
				res, err = s.agents.StopAgent(ctx, parsed.Args[0])
			default:
				res, err = s.agents.GetStatus(ctx, parsed.Args[0])
			}
			return err
		})
		if err != nil {
			s.metrics.SystemdOperation(op, parsed.Args[0], raverr.KindOf(err).String())
			return "", err
		}
		s.metrics.SystemdOperation(op, parsed.Args[0], "success")
		return formatAgentResult(parsed.Command, res), nil

	default:
		return "", raverr.New(raverr.KindValidation, "unhandled command %q", parsed.Command)
	}
}

// fail audits and renders a failure as a chat reply.
func (s *Server) fail(req request, info *identity.UserInfo, cmd string, err error) outcome {
	kind := raverr.KindOf(err)
	userID, username := req.sender, req.sender
	if info != nil {
		userID, username = info.UserID, info.Username
	}
	if cmd == "" {
		cmd = "unknown"
	}

	s.metrics.Command(cmd, kind.String(), username)
	s.audit.Log(audit.Event{
		EventType: "command_failure",
		UserID:    userID,
		ClientIP:  req.clientIP,
		RoomID:    req.roomID,
		Details: map[string]any{
			"command":  cmd,
			"category": kind.String(),
		},
		Severity: "warning",
	})
	logging.Op().Warn("command failed",
		"command", cmd, "user", username, "category", kind.String(), "error", err)

	return outcome{reply: replyFor(kind, err), err: err}
}

// replyFor renders a failure without leaking internals: breaker and internal
// errors get generic text, everything else surfaces its classified message.
func replyFor(kind raverr.Kind, err error) string {
	switch kind {
	case raverr.KindCircuitOpen:
		return "❌ Service temporarily unavailable. Please try again later."
	case raverr.KindInternal:
		return "❌ Internal error. The incident has been logged."
	case raverr.KindAuthentication:
		return "❌ Authentication failed."
	case raverr.KindAuthorization:
		return "❌ You are not authorized to run this command."
	default:
		var e *raverr.Error
		if errors.As(err, &e) {
			return "❌ " + e.Message
		}
		return "❌ " + err.Error()
	}
}

func formatAgentResult(cmd string, res *agent.Result) string {
	var b strings.Builder
	switch cmd {
	case "start-agent":
		if res.Idempotent {
			fmt.Fprintf(&b, "✅ Agent %s is already running", res.Agent)
		} else {
			fmt.Fprintf(&b, "✅ Agent %s started", res.Agent)
		}
	case "stop-agent":
		if res.Idempotent {
			fmt.Fprintf(&b, "✅ Agent %s is already stopped", res.Agent)
		} else {
			fmt.Fprintf(&b, "✅ Agent %s stopped", res.Agent)
		}
	default:
		fmt.Fprintf(&b, "✅ Agent %s is %s", res.Agent, res.State)
	}

	if details := res.FormatDetails(); details != "" {
		b.WriteString("\nDetails:\n")
		b.WriteString(details)
	}
	return b.String()
}

func formatAgentList(agents []agent.AgentStatus, summary *agent.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "✅ Agents: %d total, %d active, %d inactive, %d failed",
		summary.Total, summary.Active, summary.Inactive, summary.Failed)
	for _, a := range agents {
		fmt.Fprintf(&b, "\n  %s: %s", a.Agent, a.State)
	}
	return b.String()
}

// httpStatus maps an error kind to the webhook response status.
func httpStatus(kind raverr.Kind) int {
	switch kind {
	case raverr.KindValidation:
		return 400
	case raverr.KindAuthentication:
		return 401
	case raverr.KindAuthorization:
		return 403
	case raverr.KindNotFound:
		return 404
	case raverr.KindConflict:
		return 409
	case raverr.KindResource, raverr.KindTransient, raverr.KindCircuitOpen:
		return 503
	default:
		return 500
	}
}
