// Package item defines the tracked work item model: item types, the status
// lifecycle each type is allowed to move through, and the per-type metadata
// payload.
package item

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"
)

// Type identifies the provider an item is tracked against.
type Type string

const (
	TypeChatThread   Type = "chat_thread"
	TypeCIRun        Type = "ci_run"
	TypePullRequest  Type = "pull_request"
	TypeAgentSession Type = "interactive_agent_session"
	TypeCLISession   Type = "cli_session"
)

// Types lists every item type in resolution order.
var Types = []Type{TypeChatThread, TypeCIRun, TypePullRequest, TypeAgentSession, TypeCLISession}

// Valid reports whether t is a known item type.
func (t Type) Valid() bool {
	return slices.Contains(Types, t)
}

// Polled reports whether items of this type get their status from provider
// fetches.
func (t Type) Polled() bool {
	return t == TypeChatThread || t == TypeCIRun || t == TypePullRequest
}

// Pushed reports whether items of this type receive status from session
// ingestion instead of polling.
func (t Type) Pushed() bool {
	return t == TypeAgentSession || t == TypeCLISession
}

// PolledTypes returns the types the scheduler fetches.
func PolledTypes() []Type {
	return []Type{TypeChatThread, TypeCIRun, TypePullRequest}
}

// Status is the normalized lifecycle state shared by all item types.
type Status string

const (
	StatusWaiting     Status = "waiting"
	StatusInProgress  Status = "in_progress"
	StatusInputNeeded Status = "input_needed"
	StatusUpdated     Status = "updated"
	StatusApproved    Status = "approved"
	StatusMerged      Status = "merged"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// Terminal reports whether no further provider change is expected once an
// item reaches s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusMerged
}

// TerminalStatuses lists the statuses that take an item out of polling.
func TerminalStatuses() []Status {
	return []Status{StatusCompleted, StatusFailed, StatusMerged}
}

var allowed = map[Type][]Status{
	TypeChatThread:   {StatusWaiting, StatusUpdated, StatusFailed},
	TypeCIRun:        {StatusWaiting, StatusInProgress, StatusUpdated, StatusCompleted, StatusFailed},
	TypePullRequest:  {StatusWaiting, StatusUpdated, StatusApproved, StatusMerged, StatusFailed},
	TypeCLISession:   {StatusWaiting, StatusInProgress, StatusCompleted, StatusFailed},
	TypeAgentSession: {StatusWaiting, StatusInProgress, StatusInputNeeded, StatusCompleted, StatusFailed},
}

// Allowed returns the statuses an item of type t may hold.
func Allowed(t Type) []Status {
	return slices.Clone(allowed[t])
}

// Allows reports whether status s is valid for type t.
func Allows(t Type, s Status) bool {
	return slices.Contains(allowed[t], s)
}

var (
	ErrUnknownType     = errors.New("unknown item type")
	ErrInvalidStatus   = errors.New("status not allowed for item type")
	ErrInvalidMetadata = errors.New("invalid metadata")
)

// Item is a tracked external unit of asynchronous work.
type Item struct {
	ID             string
	Type           Type
	Title          string
	Status         Status
	PreviousStatus Status
	Metadata       Metadata

	// ObservedPhase and ObservedDetail hold the last provider observation
	// so the next fetch can tell whether anything changed. Both are empty
	// until the first successful fetch.
	ObservedPhase  string
	ObservedDetail string

	// PollInterval overrides the global polling interval when non-zero.
	PollInterval time.Duration

	Archived      bool
	ArchivedAt    time.Time
	LastCheckedAt time.Time
	LastUpdatedAt time.Time
	CreatedAt     time.Time
}

// New builds a waiting item of type t with the given metadata, validating
// that the metadata variant matches the type.
func New(t Type, title string, md Metadata) (Item, error) {
	it := Item{
		Type:     t,
		Title:    title,
		Status:   StatusWaiting,
		Metadata: md,
	}
	if err := it.Validate(); err != nil {
		return Item{}, err
	}
	return it, nil
}

// Observed reports whether the item has had at least one successful fetch.
func (it Item) Observed() bool {
	return it.ObservedPhase != ""
}

// Validate checks the type, status and metadata invariants.
func (it Item) Validate() error {
	if !it.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownType, it.Type)
	}
	if !Allows(it.Type, it.Status) {
		return fmt.Errorf("%w: %s cannot be %q", ErrInvalidStatus, it.Type, it.Status)
	}
	if it.Status == StatusUpdated {
		if it.PreviousStatus == "" || it.PreviousStatus == StatusUpdated {
			return fmt.Errorf("%w: updated item needs a previous status", ErrInvalidStatus)
		}
		if !Allows(it.Type, it.PreviousStatus) {
			return fmt.Errorf("%w: %s cannot be %q", ErrInvalidStatus, it.Type, it.PreviousStatus)
		}
	} else if it.PreviousStatus != "" {
		return fmt.Errorf("%w: previous status set while %q", ErrInvalidStatus, it.Status)
	}
	if it.Metadata == nil {
		return fmt.Errorf("%w: missing", ErrInvalidMetadata)
	}
	if it.Metadata.Type() != it.Type {
		return fmt.Errorf("%w: %s metadata on %s item", ErrInvalidMetadata, it.Metadata.Type(), it.Type)
	}
	return it.Metadata.Validate()
}

type itemJSON struct {
	ID             string          `json:"id"`
	Type           Type            `json:"type"`
	Title          string          `json:"title"`
	Status         Status          `json:"status"`
	PreviousStatus Status          `json:"previous_status,omitempty"`
	Metadata       json.RawMessage `json:"metadata"`
	PollInterval   string          `json:"poll_interval,omitempty"`
	Archived       bool            `json:"archived"`
	ArchivedAt     *time.Time      `json:"archived_at,omitempty"`
	LastCheckedAt  *time.Time      `json:"last_checked_at,omitempty"`
	LastUpdatedAt  time.Time       `json:"last_updated_at"`
	CreatedAt      time.Time       `json:"created_at"`
}

func (it Item) MarshalJSON() ([]byte, error) {
	md, err := MarshalMetadata(it.Metadata)
	if err != nil {
		return nil, err
	}
	out := itemJSON{
		ID:             it.ID,
		Type:           it.Type,
		Title:          it.Title,
		Status:         it.Status,
		PreviousStatus: it.PreviousStatus,
		Metadata:       md,
		Archived:       it.Archived,
		ArchivedAt:     timePtr(it.ArchivedAt),
		LastCheckedAt:  timePtr(it.LastCheckedAt),
		LastUpdatedAt:  it.LastUpdatedAt,
		CreatedAt:      it.CreatedAt,
	}
	if it.PollInterval > 0 {
		out.PollInterval = it.PollInterval.String()
	}
	return json.Marshal(out)
}

func (it *Item) UnmarshalJSON(data []byte) error {
	var in itemJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	md, err := UnmarshalMetadata(in.Type, in.Metadata)
	if err != nil {
		return err
	}
	*it = Item{
		ID:             in.ID,
		Type:           in.Type,
		Title:          in.Title,
		Status:         in.Status,
		PreviousStatus: in.PreviousStatus,
		Metadata:       md,
		Archived:       in.Archived,
		LastUpdatedAt:  in.LastUpdatedAt,
		CreatedAt:      in.CreatedAt,
	}
	if in.PollInterval != "" {
		if it.PollInterval, err = time.ParseDuration(in.PollInterval); err != nil {
			return fmt.Errorf("parsing poll_interval: %w", err)
		}
	}
	if in.ArchivedAt != nil {
		it.ArchivedAt = *in.ArchivedAt
	}
	if in.LastCheckedAt != nil {
		it.LastCheckedAt = *in.LastCheckedAt
	}
	return nil
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Session backs a push-updated item created by session ingestion.
type Session struct {
	ID             string    `json:"id"`
	ItemID         string    `json:"item_id"`
	Command        string    `json:"command"`
	Cwd            string    `json:"cwd"`
	TranscriptPath string    `json:"transcript_path,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
