// Package resolve classifies raw user input into a tracked item type and its
// canonical metadata.
package resolve

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/uesteibar/inloop/internal/item"
)

// ErrUnrecognizedInput is returned when no provider pattern matches.
var ErrUnrecognizedInput = errors.New("unrecognized input")

// MaxTitleLen is the longest title derived from a command line, in runes.
const MaxTitleLen = 80

// DefaultAgents are the program name patterns treated as interactive agents.
var DefaultAgents = []string{"claude", "copilot", "codex", "opencode", "aider", "gemini", "cursor-agent"}

// Result is a resolved input. Metadata is set for provider URLs; command
// lines carry only Type and Title.
type Result struct {
	Type     item.Type
	Title    string
	Metadata item.Metadata
}

type pattern struct {
	re    *regexp.Regexp
	build func(m []string, u *url.URL) (Result, error)
}

// Patterns are tried in order; the first match wins.
var patterns = []pattern{
	{
		re:    regexp.MustCompile(`^https?://([a-zA-Z0-9-]+)\.slack\.com/archives/([A-Za-z0-9]+)/p(\d{11,})(?:[/?#].*)?$`),
		build: buildChatThread,
	},
	{
		re:    regexp.MustCompile(`^https?://(?:www\.)?github\.com/([^/]+)/([^/]+)/actions/runs/(\d+)(?:[/?#].*)?$`),
		build: buildCIRun,
	},
	{
		re:    regexp.MustCompile(`^https?://(?:www\.)?github\.com/([^/]+)/([^/]+)/pull/(\d+)(?:[/?#].*)?$`),
		build: buildPullRequest,
	},
}

// Resolver classifies input. The zero value is not usable; call New.
type Resolver struct {
	agents []string
}

// New returns a Resolver that treats commands whose program name matches one
// of agentPatterns as interactive agents. Nil means DefaultAgents.
func New(agentPatterns []string) *Resolver {
	if agentPatterns == nil {
		agentPatterns = DefaultAgents
	}
	return &Resolver{agents: agentPatterns}
}

// Resolve classifies raw as a provider URL or, failing that, a command line.
// URLs that match no provider are rejected rather than treated as commands.
func (r *Resolver) Resolve(raw string) (Result, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Result{}, fmt.Errorf("%w: empty", ErrUnrecognizedInput)
	}
	if isURL(raw) {
		return ResolveURL(raw)
	}
	return r.ResolveCommand(raw, "")
}

// ResolveURL matches raw against the provider URL patterns.
func ResolveURL(raw string) (Result, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnrecognizedInput, err)
	}
	for _, p := range patterns {
		if m := p.re.FindStringSubmatch(raw); m != nil {
			return p.build(m, u)
		}
	}
	return Result{}, fmt.Errorf("%w: %s", ErrUnrecognizedInput, raw)
}

// ResolveCommand classifies a command line as an agent or plain CLI session.
// Only Type and Title are set: session metadata needs the session id, which
// exists once the session is registered.
func (r *Resolver) ResolveCommand(command, title string) (Result, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return Result{}, fmt.Errorf("%w: empty command", ErrUnrecognizedInput)
	}
	if title == "" {
		title = command
	}
	typ := item.TypeCLISession
	if r.IsAgent(command) {
		typ = item.TypeAgentSession
	}
	return Result{Type: typ, Title: TruncateTitle(title)}, nil
}

// IsAgent reports whether the program of command matches an agent pattern.
func (r *Resolver) IsAgent(command string) bool {
	prog := Program(command)
	if prog == "" {
		return false
	}
	for _, p := range r.agents {
		if ok, err := doublestar.Match(p, prog); err == nil && ok {
			return true
		}
	}
	return false
}

// Program returns the base name of the executable in command, skipping
// leading VAR=value assignments.
func Program(command string) string {
	for _, f := range strings.Fields(command) {
		if eq := strings.IndexByte(f, '='); eq > 0 && !strings.ContainsRune(f[:eq], '/') {
			continue
		}
		return filepath.Base(f)
	}
	return ""
}

// TruncateTitle trims s and shortens it to MaxTitleLen runes, marking the
// cut with an ellipsis.
func TruncateTitle(s string) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= MaxTitleLen {
		return s
	}
	runes := []rune(s)
	return string(runes[:MaxTitleLen-1]) + "…"
}

func isURL(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func buildChatThread(m []string, u *url.URL) (Result, error) {
	ts := m[3][:10] + "." + m[3][10:]
	// Links to a reply carry the parent thread in the query string.
	if parent := u.Query().Get("thread_ts"); parent != "" {
		ts = parent
	}
	md := item.ChatThread{Workspace: m[1], Channel: m[2], ThreadTS: ts}
	return Result{Type: item.TypeChatThread, Title: "#" + m[2] + " thread", Metadata: md}, nil
}

func buildCIRun(m []string, _ *url.URL) (Result, error) {
	id, err := strconv.ParseInt(m[3], 10, 64)
	if err != nil || id <= 0 {
		return Result{}, fmt.Errorf("%w: run id %q", ErrUnrecognizedInput, m[3])
	}
	md := item.CIRun{Owner: m[1], Repo: m[2], RunID: id}
	return Result{Type: item.TypeCIRun, Title: fmt.Sprintf("%s/%s run %d", m[1], m[2], id), Metadata: md}, nil
}

func buildPullRequest(m []string, _ *url.URL) (Result, error) {
	n, err := strconv.Atoi(m[3])
	if err != nil || n <= 0 {
		return Result{}, fmt.Errorf("%w: pull request number %q", ErrUnrecognizedInput, m[3])
	}
	md := item.PullRequest{Owner: m[1], Repo: m[2], Number: n}
	return Result{Type: item.TypePullRequest, Title: fmt.Sprintf("%s/%s#%d", m[1], m[2], n), Metadata: md}, nil
}
