package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uesteibar/inloop/internal/item"
)

func TestRegistry_RoutesByMetadataType(t *testing.T) {
	r := NewRegistry()
	var got item.Metadata
	r.Register(item.TypeCIRun, FetcherFunc(func(_ context.Context, md item.Metadata) (Status, error) {
		got = md
		return Status{Phase: PhaseSuccess}, nil
	}))

	md := item.CIRun{Owner: "o", Repo: "r", RunID: 1}
	st, err := r.Fetch(context.Background(), md)
	require.NoError(t, err)

	assert.Equal(t, PhaseSuccess, st.Phase)
	assert.Equal(t, md, got)
}

func TestRegistry_UnregisteredType_IsPermanent(t *testing.T) {
	_, err := NewRegistry().Fetch(context.Background(), item.PullRequest{Owner: "o", Repo: "r", Number: 1})

	assert.True(t, IsPermanent(err))
}

func TestUnavailable_IsPermanent(t *testing.T) {
	_, err := Unavailable("slack", "no token").Fetch(context.Background(), item.ChatThread{})

	assert.True(t, IsPermanent(err))
	assert.Contains(t, err.Error(), "no token")
}

func TestClassifyStatus(t *testing.T) {
	cases := map[int]Kind{
		http.StatusTooManyRequests:     KindTransient,
		http.StatusInternalServerError: KindTransient,
		http.StatusBadGateway:          KindTransient,
		http.StatusUnauthorized:        KindPermanent,
		http.StatusNotFound:            KindPermanent,
		http.StatusGone:                KindPermanent,
	}
	for code, want := range cases {
		assert.Equal(t, want, ClassifyStatus(code), code)
	}
}

func TestClassify_UnknownError_IsTransient(t *testing.T) {
	err := Classify("github", context.DeadlineExceeded)

	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClassify_KeepsExistingKind(t *testing.T) {
	perm := Permanent("github", 404, errors.New("gone"))
	wrapped := fmt.Errorf("fetching: %w", perm)

	assert.True(t, IsPermanent(Classify("github", wrapped)))
}

func TestIsTransient_Nil_IsFalse(t *testing.T) {
	assert.False(t, IsTransient(nil))
}
