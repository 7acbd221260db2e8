// Package command parses chat-issued bot commands. Parsing is deliberately
// hostile to its input: everything is rejected unless it matches a fixed
// allowlist entry with per-argument patterns, and a battery of dangerous
// pattern checks runs before tokenization ever happens.
package command

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"

	shellwords "github.com/mattn/go-shellwords"

	"github.com/raveos/rave/internal/raverr"
)

const (
	// MaxInputLength bounds the raw command text.
	MaxInputLength = 1000
	// MaxArgLength bounds each sanitized argument.
	MaxArgLength = 200
)

// ParsedCommand is the validated result of Parse.
type ParsedCommand struct {
	Command    string            `json:"command"`
	Args       []string          `json:"args"`
	RawCommand string            `json:"raw_command"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// spec describes one allowlisted command.
type spec struct {
	minArgs int
	maxArgs int
	argPats []*regexp.Regexp
}

var allowlist = map[string]spec{
	"start-agent": {
		minArgs: 1, maxArgs: 2,
		argPats: []*regexp.Regexp{
			regexp.MustCompile(`^[a-zA-Z0-9\-_]{1,50}$`),
			regexp.MustCompile(`^[a-zA-Z0-9=,\s\-_]{0,200}$`),
		},
	},
	"stop-agent": {
		minArgs: 1, maxArgs: 1,
		argPats: []*regexp.Regexp{regexp.MustCompile(`^[a-zA-Z0-9\-_]{1,50}$`)},
	},
	"status-agent": {
		minArgs: 1, maxArgs: 1,
		argPats: []*regexp.Regexp{regexp.MustCompile(`^[a-zA-Z0-9\-_]{1,50}$`)},
	},
	"list-agents": {
		minArgs: 0, maxArgs: 1,
		argPats: []*regexp.Regexp{regexp.MustCompile(`^[a-zA-Z0-9\-_]{1,20}$`)},
	},
	"help": {
		minArgs: 0, maxArgs: 1,
		argPats: []*regexp.Regexp{regexp.MustCompile(`^[a-zA-Z0-9\-_]{1,20}$`)},
	},
}

// Dangerous input classes. Any match anywhere in the input rejects the whole
// command before tokenization.
var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile("[;&|`$(){}\\[\\]\\\\<>]"),      // shell metacharacters
	regexp.MustCompile(`\.\.`),                         // path traversal
	regexp.MustCompile(`(^|\s)/[a-zA-Z0-9._/-]`),       // absolute paths
	regexp.MustCompile(`(?i)<\s*/?\s*script`),          // script tags
	regexp.MustCompile(`(?i)</?[a-z][a-z0-9]*[^>]*>`),  // other HTML fragments
	regexp.MustCompile(`(?i)(javascript|data|file):`),  // dangerous URL schemes
	regexp.MustCompile(`%[0-9a-fA-F]{2}`),              // percent-encoded bytes
	regexp.MustCompile(`\\x[0-9a-fA-F]{2}`),            // hex-encoded bytes
	regexp.MustCompile("\r|\n"),                        // CR/LF injection
	regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f]`), // control characters
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// Parse validates and tokenizes one chat command line.
func Parse(text string) (*ParsedCommand, error) {
	raw := text
	if strings.TrimSpace(text) == "" {
		return nil, raverr.New(raverr.KindValidation, "empty command")
	}
	if len(text) > MaxInputLength {
		return nil, raverr.New(raverr.KindValidation, "command exceeds %d characters", MaxInputLength)
	}
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "!") {
		return nil, raverr.New(raverr.KindValidation, "commands must start with !")
	}
	text = text[1:]

	// Normalize before matching: escaping keeps HTML inert if it slips
	// through, whitespace collapse makes pattern checks single-pass.
	text = html.EscapeString(text)
	text = whitespaceRun.ReplaceAllString(text, " ")
	text = strings.TrimSpace(text)

	for _, pat := range dangerousPatterns {
		if pat.MatchString(text) {
			return nil, raverr.New(raverr.KindValidation, "command contains disallowed characters")
		}
	}

	parser := shellwords.NewParser()
	tokens, err := parser.Parse(text)
	if err != nil {
		return nil, raverr.Wrap(raverr.KindValidation, err, "malformed command quoting")
	}
	if len(tokens) == 0 {
		return nil, raverr.New(raverr.KindValidation, "empty command")
	}

	name := strings.ToLower(tokens[0])
	sp, ok := allowlist[name]
	if !ok {
		return nil, raverr.New(raverr.KindValidation, "unknown command %q", name)
	}

	args := tokens[1:]
	if len(args) < sp.minArgs || len(args) > sp.maxArgs {
		return nil, raverr.New(raverr.KindValidation,
			"command %q takes %d-%d arguments, got %d", name, sp.minArgs, sp.maxArgs, len(args))
	}

	clean := make([]string, 0, len(args))
	for i, arg := range args {
		s, err := sanitizeArg(arg)
		if err != nil {
			return nil, err
		}
		if !sp.argPats[i].MatchString(s) {
			return nil, raverr.New(raverr.KindValidation, "argument %d of %q is invalid", i+1, name)
		}
		clean = append(clean, s)
	}

	return &ParsedCommand{
		Command:    name,
		Args:       clean,
		RawCommand: raw,
		Metadata: map[string]string{
			"arg_count":         fmt.Sprintf("%d", len(clean)),
			"parsed_at":         time.Now().UTC().Format(time.RFC3339),
			"validation_passed": "true",
		},
	}, nil
}

// sanitizeArg strips NULs, trims, and enforces the length bound.
func sanitizeArg(arg string) (string, error) {
	arg = strings.ReplaceAll(arg, "\x00", "")
	arg = strings.TrimSpace(arg)
	if len(arg) > MaxArgLength {
		return "", raverr.New(raverr.KindValidation, "argument exceeds %d characters", MaxArgLength)
	}
	return arg, nil
}

// Help returns the user-facing usage text for the chat bot.
func Help() string {
	return strings.Join([]string{
		"Available commands:",
		"  !start-agent <type> [options]",
		"  !stop-agent <type>",
		"  !status-agent <type>",
		"  !list-agents [filter]",
		"  !help [command]",
	}, "\n")
}
