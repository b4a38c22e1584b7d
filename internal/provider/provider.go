// Package provider defines the uniform fetch contract implemented by every
// external status source, and the transient/permanent error taxonomy the
// scheduler acts on.
package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/uesteibar/inloop/internal/item"
)

// Phase is a provider's raw, pre-normalization state.
type Phase string

// Chat thread phases.
const (
	PhaseNoChange Phase = "no_change"
	PhaseNewReply Phase = "new_reply"
)

// CI run phases.
const (
	PhaseQueued     Phase = "queued"
	PhaseInProgress Phase = "in_progress"
	PhaseSuccess    Phase = "success"
	PhaseFailure    Phase = "failure"
	PhaseCancelled  Phase = "cancelled"
)

// Pull request phases.
const (
	PhaseOpen             Phase = "open"
	PhaseApproved         Phase = "approved"
	PhaseChangesRequested Phase = "changes_requested"
	PhaseMerged           Phase = "merged"
	PhaseClosed           Phase = "closed"
)

// Status is one observation of an external item.
type Status struct {
	Phase  Phase
	Detail string
	// ExternalUpdatedAt is the provider's own last-modified time, when it
	// reports one.
	ExternalUpdatedAt time.Time
	// Metadata is the item's metadata refreshed with the observed values.
	// Nil leaves the stored metadata untouched.
	Metadata item.Metadata
}

// Fetcher retrieves the current status of one item from its provider.
type Fetcher interface {
	Fetch(ctx context.Context, md item.Metadata) (Status, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, md item.Metadata) (Status, error)

func (f FetcherFunc) Fetch(ctx context.Context, md item.Metadata) (Status, error) {
	return f(ctx, md)
}

// Registry routes fetches to the fetcher registered for the metadata's type.
// Fetchers may be re-registered while fetches are running.
type Registry struct {
	mu       sync.RWMutex
	fetchers map[item.Type]Fetcher
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{fetchers: make(map[item.Type]Fetcher)}
}

// Register binds f to items of type t, replacing any previous fetcher.
func (r *Registry) Register(t item.Type, f Fetcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchers[t] = f
}

// Fetch implements Fetcher. A missing fetcher is a permanent error: it will
// not appear by retrying.
func (r *Registry) Fetch(ctx context.Context, md item.Metadata) (Status, error) {
	if md == nil {
		return Status{}, Permanentf("registry", 0, "no metadata")
	}
	r.mu.RLock()
	f, ok := r.fetchers[md.Type()]
	r.mu.RUnlock()
	if !ok {
		return Status{}, Permanentf("registry", 0, "no provider configured for %s", md.Type())
	}
	return f.Fetch(ctx, md)
}

// Unavailable returns a Fetcher that always fails permanently with reason,
// used when a provider's credentials are missing.
func Unavailable(name, reason string) Fetcher {
	return FetcherFunc(func(context.Context, item.Metadata) (Status, error) {
		return Status{}, Permanentf(name, 0, "%s", reason)
	})
}

// WrongMetadata reports a metadata variant the fetcher cannot handle.
func WrongMetadata(name string, md item.Metadata) error {
	return Permanentf(name, 0, "unexpected metadata %T", md)
}

func (s Status) String() string {
	if s.Detail == "" {
		return string(s.Phase)
	}
	return fmt.Sprintf("%s (%s)", s.Phase, s.Detail)
}
