package statemachine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uesteibar/inloop/internal/item"
	"github.com/uesteibar/inloop/internal/provider"
)

func ciItem(status item.Status, observed provider.Phase, detail string) item.Item {
	return item.Item{
		Type:           item.TypeCIRun,
		Status:         status,
		Metadata:       item.CIRun{Owner: "o", Repo: "r", RunID: 1},
		ObservedPhase:  string(observed),
		ObservedDetail: detail,
	}
}

func prItem(status, prev item.Status, observed provider.Phase, detail string) item.Item {
	return item.Item{
		Type:           item.TypePullRequest,
		Status:         status,
		PreviousStatus: prev,
		Metadata:       item.PullRequest{Owner: "o", Repo: "r", Number: 1},
		ObservedPhase:  string(observed),
		ObservedDetail: detail,
	}
}

func chatItem(status, prev item.Status, observed provider.Phase) item.Item {
	return item.Item{
		Type:           item.TypeChatThread,
		Status:         status,
		PreviousStatus: prev,
		Metadata:       item.ChatThread{Channel: "C1", ThreadTS: "1.1"},
		ObservedPhase:  string(observed),
	}
}

func TestNext_FirstObservation_SetsBaselineWithoutUpdate(t *testing.T) {
	res, err := Next(chatItem(item.StatusWaiting, "", ""), provider.Status{Phase: provider.PhaseNewReply, Detail: "4 replies"})
	require.NoError(t, err)

	assert.Equal(t, Result{Status: item.StatusWaiting}, res)
}

func TestNext_FirstObservation_AppliesDirectMapping(t *testing.T) {
	res, err := Next(ciItem(item.StatusWaiting, "", ""), provider.Status{Phase: provider.PhaseInProgress, Detail: "in_progress"})
	require.NoError(t, err)

	assert.Equal(t, Result{Status: item.StatusInProgress}, res)
}

func TestNext_CISuccessAndFailure_MapDirectly(t *testing.T) {
	cases := map[provider.Phase]item.Status{
		provider.PhaseSuccess:   item.StatusCompleted,
		provider.PhaseFailure:   item.StatusFailed,
		provider.PhaseCancelled: item.StatusFailed,
	}
	for phase, want := range cases {
		res, err := Next(ciItem(item.StatusInProgress, provider.PhaseInProgress, "in_progress"), provider.Status{Phase: phase, Detail: "completed/x"})
		require.NoError(t, err)
		assert.Equal(t, Result{Status: want, Changed: true}, res, phase)
	}
}

func TestNext_CIProgress_FlagsUpdatedAndAdvancesOnAck(t *testing.T) {
	it := ciItem(item.StatusWaiting, provider.PhaseQueued, "queued")

	res, err := Next(it, provider.Status{Phase: provider.PhaseInProgress, Detail: "in_progress"})
	require.NoError(t, err)

	assert.Equal(t, Result{Status: item.StatusUpdated, PreviousStatus: item.StatusInProgress, Changed: true}, res)
}

func TestNext_NoChange_KeepsStatus(t *testing.T) {
	it := prItem(item.StatusUpdated, item.StatusWaiting, provider.PhaseOpen, "open, 1 reviews")

	res, err := Next(it, provider.Status{Phase: provider.PhaseOpen, Detail: "open, 1 reviews"})
	require.NoError(t, err)

	assert.Equal(t, Result{Status: item.StatusUpdated, PreviousStatus: item.StatusWaiting}, res)
}

func TestNext_PRNewReview_FlagsUpdatedWithPriorStatus(t *testing.T) {
	it := prItem(item.StatusWaiting, "", provider.PhaseOpen, "open, 0 reviews")

	res, err := Next(it, provider.Status{Phase: provider.PhaseOpen, Detail: "open, 1 reviews"})
	require.NoError(t, err)

	assert.Equal(t, Result{Status: item.StatusUpdated, PreviousStatus: item.StatusWaiting, Changed: true}, res)
}

func TestNext_PRApproved_MapsDirectly(t *testing.T) {
	it := prItem(item.StatusWaiting, "", provider.PhaseOpen, "open, 0 reviews")

	res, err := Next(it, provider.Status{Phase: provider.PhaseApproved, Detail: "open, 1 reviews"})
	require.NoError(t, err)

	assert.Equal(t, Result{Status: item.StatusApproved, Changed: true}, res)
}

func TestNext_PRApproved_WhileUpdated_ClearsFlag(t *testing.T) {
	it := prItem(item.StatusUpdated, item.StatusWaiting, provider.PhaseChangesRequested, "open, 1 reviews")

	res, err := Next(it, provider.Status{Phase: provider.PhaseApproved, Detail: "open, 2 reviews"})
	require.NoError(t, err)

	assert.Equal(t, Result{Status: item.StatusApproved, Changed: true}, res)
}

func TestNext_PRChangesRequested_Updated(t *testing.T) {
	it := prItem(item.StatusApproved, "", provider.PhaseApproved, "open, 1 reviews")

	res, err := Next(it, provider.Status{Phase: provider.PhaseChangesRequested, Detail: "open, 2 reviews"})
	require.NoError(t, err)

	assert.Equal(t, Result{Status: item.StatusUpdated, PreviousStatus: item.StatusWaiting, Changed: true}, res)
}

func TestNext_PRMerged_AndClosed_AreTerminal(t *testing.T) {
	it := prItem(item.StatusUpdated, item.StatusApproved, provider.PhaseApproved, "open, 1 reviews")

	res, err := Next(it, provider.Status{Phase: provider.PhaseMerged, Detail: "merged, 1 reviews"})
	require.NoError(t, err)
	assert.Equal(t, Result{Status: item.StatusMerged, Changed: true}, res)

	res, err = Next(it, provider.Status{Phase: provider.PhaseClosed, Detail: "closed, 1 reviews"})
	require.NoError(t, err)
	assert.Equal(t, Result{Status: item.StatusFailed, Changed: true}, res)
}

func TestNext_ChatNewReply_WhileUpdated_KeepsOriginalPrevious(t *testing.T) {
	it := chatItem(item.StatusUpdated, item.StatusWaiting, provider.PhaseNewReply)

	res, err := Next(it, provider.Status{Phase: provider.PhaseNewReply, Detail: "5 replies"})
	require.NoError(t, err)

	assert.Equal(t, Result{Status: item.StatusUpdated, PreviousStatus: item.StatusWaiting, Changed: true}, res)
}

func TestNext_ChatNoChange_AfterReply_DoesNotReflag(t *testing.T) {
	it := chatItem(item.StatusWaiting, "", provider.PhaseNewReply)

	res, err := Next(it, provider.Status{Phase: provider.PhaseNoChange, Detail: "5 replies"})
	require.NoError(t, err)

	assert.Equal(t, Result{Status: item.StatusWaiting}, res)
}

func TestNext_PushedType_Errors(t *testing.T) {
	it := item.Item{Type: item.TypeCLISession, Status: item.StatusWaiting}

	_, err := Next(it, provider.Status{Phase: provider.PhaseSuccess})
	assert.ErrorIs(t, err, item.ErrInvalidStatus)
}

func TestNext_ResultsAlwaysValid(t *testing.T) {
	phases := map[item.Type][]provider.Phase{
		item.TypeChatThread:  {provider.PhaseNoChange, provider.PhaseNewReply},
		item.TypeCIRun:       {provider.PhaseQueued, provider.PhaseInProgress, provider.PhaseSuccess, provider.PhaseFailure, provider.PhaseCancelled},
		item.TypePullRequest: {provider.PhaseOpen, provider.PhaseApproved, provider.PhaseChangesRequested, provider.PhaseMerged, provider.PhaseClosed},
	}
	metadata := map[item.Type]item.Metadata{
		item.TypeChatThread:  item.ChatThread{Channel: "C", ThreadTS: "1.1"},
		item.TypeCIRun:       item.CIRun{Owner: "o", Repo: "r", RunID: 1},
		item.TypePullRequest: item.PullRequest{Owner: "o", Repo: "r", Number: 1},
	}

	for typ, ps := range phases {
		for _, from := range item.Allowed(typ) {
			if from.Terminal() {
				continue
			}
			for _, prevPhase := range append([]provider.Phase{""}, ps...) {
				for _, phase := range ps {
					it := item.Item{Type: typ, Status: from, Metadata: metadata[typ], ObservedPhase: string(prevPhase)}
					if from == item.StatusUpdated {
						it.PreviousStatus = item.StatusWaiting
					}
					res, err := Next(it, provider.Status{Phase: phase, Detail: "d"})
					require.NoError(t, err)

					it.Status, it.PreviousStatus = res.Status, res.PreviousStatus
					assert.NoError(t, it.Validate(), "%s %s->%s via %s", typ, from, res.Status, phase)
				}
			}
		}
	}
}

func TestPush_ValidatesAllowedSet(t *testing.T) {
	cli := item.Item{Type: item.TypeCLISession, Status: item.StatusWaiting}
	agent := item.Item{Type: item.TypeAgentSession, Status: item.StatusInProgress}

	res, err := Push(cli, item.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, Result{Status: item.StatusCompleted, Changed: true}, res)

	_, err = Push(cli, item.StatusInputNeeded)
	assert.ErrorIs(t, err, item.ErrInvalidStatus)

	res, err = Push(agent, item.StatusInputNeeded)
	require.NoError(t, err)
	assert.True(t, res.Changed)

	_, err = Push(item.Item{Type: item.TypeCIRun, Status: item.StatusWaiting}, item.StatusCompleted)
	assert.ErrorIs(t, err, item.ErrInvalidStatus)
}

func TestPush_SameStatus_IsNotAChange(t *testing.T) {
	res, err := Push(item.Item{Type: item.TypeCLISession, Status: item.StatusCompleted}, item.StatusCompleted)
	require.NoError(t, err)

	assert.False(t, res.Changed)
}

func TestAcknowledge_RestoresAndIsIdempotent(t *testing.T) {
	it := prItem(item.StatusUpdated, item.StatusApproved, provider.PhaseApproved, "")

	res := Acknowledge(it)
	assert.Equal(t, Result{Status: item.StatusApproved, Changed: true}, res)

	it.Status, it.PreviousStatus = res.Status, res.PreviousStatus
	assert.Equal(t, Result{Status: item.StatusApproved}, Acknowledge(it))
}

func TestUnarchive_ClearsPreviousStatus(t *testing.T) {
	res := Unarchive(chatItem(item.StatusUpdated, item.StatusWaiting, provider.PhaseNewReply))
	assert.Equal(t, Result{Status: item.StatusWaiting}, res)

	res = Unarchive(chatItem(item.StatusWaiting, "", provider.PhaseNoChange))
	assert.Equal(t, Result{Status: item.StatusWaiting}, res)
}

func TestFail(t *testing.T) {
	res, err := Fail(ciItem(item.StatusInProgress, provider.PhaseInProgress, ""))
	require.NoError(t, err)

	assert.Equal(t, Result{Status: item.StatusFailed, Changed: true}, res)
}
