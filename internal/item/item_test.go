package item

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_ValidMetadata_StartsWaiting(t *testing.T) {
	it, err := New(TypePullRequest, "o/r#42", PullRequest{Owner: "o", Repo: "r", Number: 42})
	require.NoError(t, err)

	assert.Equal(t, StatusWaiting, it.Status)
	assert.Empty(t, it.PreviousStatus)
	assert.False(t, it.Observed())
}

func TestNew_MismatchedMetadata_ReturnsError(t *testing.T) {
	_, err := New(TypeCIRun, "run", PullRequest{Owner: "o", Repo: "r", Number: 1})
	require.ErrorIs(t, err, ErrInvalidMetadata)
}

func TestNew_MissingIdentifiers_ReturnsError(t *testing.T) {
	_, err := New(TypeChatThread, "thread", ChatThread{Workspace: "acme"})
	require.ErrorIs(t, err, ErrInvalidMetadata)
}

func TestValidate_EveryTypeRejectsStatusesOutsideItsSet(t *testing.T) {
	all := []Status{
		StatusWaiting, StatusInProgress, StatusInputNeeded, StatusUpdated,
		StatusApproved, StatusMerged, StatusCompleted, StatusFailed,
	}
	samples := map[Type]Metadata{
		TypeChatThread:   ChatThread{Channel: "C1", ThreadTS: "1.2"},
		TypeCIRun:        CIRun{Owner: "o", Repo: "r", RunID: 1},
		TypePullRequest:  PullRequest{Owner: "o", Repo: "r", Number: 1},
		TypeCLISession:   CLISession{SessionID: "s", Command: "make"},
		TypeAgentSession: AgentSession{SessionID: "s", Command: "claude"},
	}

	for typ, md := range samples {
		for _, s := range all {
			it := Item{Type: typ, Status: s, Metadata: md}
			if s == StatusUpdated {
				it.PreviousStatus = StatusWaiting
			}
			err := it.Validate()
			if Allows(typ, s) {
				assert.NoError(t, err, "%s/%s", typ, s)
			} else {
				assert.ErrorIs(t, err, ErrInvalidStatus, "%s/%s", typ, s)
			}
		}
	}
}

func TestValidate_PreviousStatusOnlyWhileUpdated(t *testing.T) {
	md := PullRequest{Owner: "o", Repo: "r", Number: 1}

	err := Item{Type: TypePullRequest, Status: StatusApproved, PreviousStatus: StatusWaiting, Metadata: md}.Validate()
	assert.ErrorIs(t, err, ErrInvalidStatus)

	err = Item{Type: TypePullRequest, Status: StatusUpdated, Metadata: md}.Validate()
	assert.ErrorIs(t, err, ErrInvalidStatus)

	err = Item{Type: TypePullRequest, Status: StatusUpdated, PreviousStatus: StatusApproved, Metadata: md}.Validate()
	assert.NoError(t, err)
}

func TestStatus_Terminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusMerged.Terminal())
	assert.False(t, StatusApproved.Terminal())
	assert.False(t, StatusUpdated.Terminal())
}

func TestType_PolledAndPushedArePartitioned(t *testing.T) {
	for _, typ := range Types {
		assert.NotEqual(t, typ.Polled(), typ.Pushed(), typ)
	}
}

func TestItem_JSONKeepsMetadataVariant(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	in := Item{
		ID:            "abc",
		Type:          TypeCIRun,
		Title:         "o/r run 9",
		Status:        StatusInProgress,
		Metadata:      CIRun{Owner: "o", Repo: "r", RunID: 9, RunStatus: "in_progress"},
		PollInterval:  time.Minute,
		LastUpdatedAt: created,
		CreatedAt:     created,
	}

	data, err := json.Marshal(in)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "ci_run", raw["type"])
	assert.Equal(t, "1m0s", raw["poll_interval"])
	assert.NotContains(t, raw, "last_checked_at")

	var out Item
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestUnmarshalMetadata_UnknownType_ReturnsError(t *testing.T) {
	_, err := UnmarshalMetadata("fax", []byte(`{}`))
	assert.ErrorIs(t, err, ErrUnknownType)
}
