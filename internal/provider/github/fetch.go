package github

import (
	"context"
	"fmt"
	"strings"

	"github.com/uesteibar/inloop/internal/item"
	"github.com/uesteibar/inloop/internal/provider"
)

// API is the part of Client the fetchers use.
type API interface {
	FetchWorkflowRun(ctx context.Context, owner, repo string, runID int64) (WorkflowRun, error)
	FetchPR(ctx context.Context, owner, repo string, number int) (PR, error)
	FetchPRReviews(ctx context.Context, owner, repo string, number int) ([]Review, error)
}

// RunFetcher reports CI run phases.
type RunFetcher struct {
	API API
}

func (f RunFetcher) Fetch(ctx context.Context, md item.Metadata) (provider.Status, error) {
	m, ok := md.(item.CIRun)
	if !ok {
		return provider.Status{}, provider.WrongMetadata(providerName, md)
	}
	run, err := f.API.FetchWorkflowRun(ctx, m.Owner, m.Repo, m.RunID)
	if err != nil {
		return provider.Status{}, provider.Classify(providerName, err)
	}

	m.RunStatus = run.Status
	m.Conclusion = run.Conclusion
	if run.Name != "" {
		m.WorkflowName = run.Name
	}
	detail := run.Status
	if run.Conclusion != "" {
		detail += "/" + run.Conclusion
	}
	return provider.Status{
		Phase:             RunPhase(run.Status, run.Conclusion),
		Detail:            detail,
		ExternalUpdatedAt: run.UpdatedAt,
		Metadata:          m,
	}, nil
}

// RunPhase maps a workflow run status and conclusion to a CI phase.
func RunPhase(status, conclusion string) provider.Phase {
	switch status {
	case "completed":
		switch conclusion {
		case "success", "neutral", "skipped":
			return provider.PhaseSuccess
		case "cancelled":
			return provider.PhaseCancelled
		default:
			return provider.PhaseFailure
		}
	case "in_progress":
		return provider.PhaseInProgress
	default:
		// queued, waiting, requested, pending
		return provider.PhaseQueued
	}
}

// PRFetcher reports pull request phases from the PR and its reviews.
type PRFetcher struct {
	API API
}

func (f PRFetcher) Fetch(ctx context.Context, md item.Metadata) (provider.Status, error) {
	m, ok := md.(item.PullRequest)
	if !ok {
		return provider.Status{}, provider.WrongMetadata(providerName, md)
	}
	pr, err := f.API.FetchPR(ctx, m.Owner, m.Repo, m.Number)
	if err != nil {
		return provider.Status{}, provider.Classify(providerName, err)
	}
	reviews, err := f.API.FetchPRReviews(ctx, m.Owner, m.Repo, m.Number)
	if err != nil {
		return provider.Status{}, provider.Classify(providerName, err)
	}

	m.State = pr.State
	if pr.Merged {
		m.State = "merged"
	}
	m.ReviewCount = len(reviews)
	m.HeadSHA = pr.HeadSHA

	return provider.Status{
		Phase:             PRPhase(pr, reviews),
		Detail:            fmt.Sprintf("%s, %d reviews", m.State, len(reviews)),
		ExternalUpdatedAt: pr.UpdatedAt,
		Metadata:          m,
	}, nil
}

// PRPhase derives the pull request phase. Merged wins over closed; an open
// PR is judged by each reviewer's latest decisive review.
func PRPhase(pr PR, reviews []Review) provider.Phase {
	if pr.Merged {
		return provider.PhaseMerged
	}
	if pr.State == "closed" {
		return provider.PhaseClosed
	}

	latest := make(map[string]string)
	for _, r := range reviews {
		state := strings.ToUpper(r.State)
		switch state {
		case "APPROVED", "CHANGES_REQUESTED", "DISMISSED":
			latest[reviewerKey(r)] = state
		}
	}

	approved := false
	for _, state := range latest {
		switch state {
		case "CHANGES_REQUESTED":
			return provider.PhaseChangesRequested
		case "APPROVED":
			approved = true
		}
	}
	if approved {
		return provider.PhaseApproved
	}
	return provider.PhaseOpen
}

func reviewerKey(r Review) string {
	if r.UserID != 0 {
		return fmt.Sprint(r.UserID)
	}
	return r.User
}
