package item

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Metadata is the provider-specific payload of an item. Each item type has
// exactly one concrete variant.
type Metadata interface {
	Type() Type
	Validate() error
	isMetadata()
}

// ChatThread identifies a chat thread and records the last seen reply state.
type ChatThread struct {
	Workspace     string `json:"workspace"`
	Channel       string `json:"channel"`
	ThreadTS      string `json:"thread_ts"`
	ReplyCount    int    `json:"reply_count,omitempty"`
	LatestReplyTS string `json:"latest_reply_ts,omitempty"`
}

func (ChatThread) Type() Type  { return TypeChatThread }
func (ChatThread) isMetadata() {}

func (m ChatThread) Validate() error {
	if m.Channel == "" || m.ThreadTS == "" {
		return fmt.Errorf("%w: chat thread needs channel and thread_ts", ErrInvalidMetadata)
	}
	return nil
}

// CIRun identifies a CI workflow run.
type CIRun struct {
	Owner        string `json:"owner"`
	Repo         string `json:"repo"`
	RunID        int64  `json:"run_id"`
	RunStatus    string `json:"run_status,omitempty"`
	Conclusion   string `json:"conclusion,omitempty"`
	WorkflowName string `json:"workflow_name,omitempty"`
}

func (CIRun) Type() Type  { return TypeCIRun }
func (CIRun) isMetadata() {}

func (m CIRun) Validate() error {
	if m.Owner == "" || m.Repo == "" || m.RunID <= 0 {
		return fmt.Errorf("%w: ci run needs owner, repo and run_id", ErrInvalidMetadata)
	}
	return nil
}

// PullRequest identifies a pull request.
type PullRequest struct {
	Owner       string `json:"owner"`
	Repo        string `json:"repo"`
	Number      int    `json:"number"`
	State       string `json:"state,omitempty"`
	ReviewCount int    `json:"review_count,omitempty"`
	HeadSHA     string `json:"head_sha,omitempty"`
}

func (PullRequest) Type() Type  { return TypePullRequest }
func (PullRequest) isMetadata() {}

func (m PullRequest) Validate() error {
	if m.Owner == "" || m.Repo == "" || m.Number <= 0 {
		return fmt.Errorf("%w: pull request needs owner, repo and number", ErrInvalidMetadata)
	}
	return nil
}

// CLISession describes a wrapped non-interactive command.
type CLISession struct {
	SessionID string `json:"session_id"`
	Command   string `json:"command"`
	Cwd       string `json:"cwd,omitempty"`
}

func (CLISession) Type() Type  { return TypeCLISession }
func (CLISession) isMetadata() {}

func (m CLISession) Validate() error {
	if m.SessionID == "" || strings.TrimSpace(m.Command) == "" {
		return fmt.Errorf("%w: cli session needs session_id and command", ErrInvalidMetadata)
	}
	return nil
}

// AgentSession describes a wrapped interactive agent whose transcript is
// written to TranscriptPath.
type AgentSession struct {
	SessionID      string `json:"session_id"`
	Command        string `json:"command"`
	Cwd            string `json:"cwd,omitempty"`
	TranscriptPath string `json:"transcript_path,omitempty"`
}

func (AgentSession) Type() Type  { return TypeAgentSession }
func (AgentSession) isMetadata() {}

func (m AgentSession) Validate() error {
	if m.SessionID == "" || strings.TrimSpace(m.Command) == "" {
		return fmt.Errorf("%w: agent session needs session_id and command", ErrInvalidMetadata)
	}
	return nil
}

// MarshalMetadata encodes the variant's fields without a type tag; the tag
// lives on the owning item.
func MarshalMetadata(m Metadata) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: missing", ErrInvalidMetadata)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding %s metadata: %w", m.Type(), err)
	}
	return data, nil
}

// UnmarshalMetadata decodes data into the variant selected by t and
// validates it.
func UnmarshalMetadata(t Type, data []byte) (Metadata, error) {
	var (
		m   Metadata
		err error
	)
	switch t {
	case TypeChatThread:
		m, err = decode[ChatThread](data)
	case TypeCIRun:
		m, err = decode[CIRun](data)
	case TypePullRequest:
		m, err = decode[PullRequest](data)
	case TypeCLISession:
		m, err = decode[CLISession](data)
	case TypeAgentSession:
		m, err = decode[AgentSession](data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", ErrInvalidMetadata, t, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func decode[T Metadata](data []byte) (Metadata, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
