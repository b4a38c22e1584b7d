// Package github fetches CI run and pull request status from the GitHub API.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	jwt "github.com/golang-jwt/jwt/v4"
	gh "github.com/google/go-github/v68/github"

	"github.com/uesteibar/inloop/internal/provider"
	"github.com/uesteibar/inloop/internal/retry"
)

const providerName = "github"

// PR is the subset of a pull request needed to derive its phase.
type PR struct {
	Number    int
	State     string
	Merged    bool
	HeadSHA   string
	UpdatedAt time.Time
}

// Review is a pull request review.
type Review struct {
	ID     int64
	State  string
	User   string
	UserID int64
}

// WorkflowRun is a GitHub Actions workflow run.
type WorkflowRun struct {
	ID         int64
	Name       string
	Status     string
	Conclusion string
	HTMLURL    string
	UpdatedAt  time.Time
}

// Client is a typed GitHub API client wrapping go-github.
type Client struct {
	gh         *gh.Client
	retryDelay time.Duration
}

// Option configures a Client.
type Option func(*clientConfig)

// AppCredentials holds GitHub App authentication parameters.
type AppCredentials struct {
	ClientID       string
	InstallationID int64
	PrivateKeyPath string
}

type clientConfig struct {
	baseURL    string
	retryDelay time.Duration
	app        *AppCredentials
}

// readKeyFile is a variable for testing; defaults to os.ReadFile.
var readKeyFile = os.ReadFile

// WithBaseURL overrides the GitHub API base URL.
func WithBaseURL(url string) Option {
	return func(c *clientConfig) { c.baseURL = url }
}

// WithRetryDelay overrides the pause before the single retry.
func WithRetryDelay(d time.Duration) Option {
	return func(c *clientConfig) { c.retryDelay = d }
}

// WithAppAuth authenticates as a GitHub App installation instead of with a
// token.
func WithAppAuth(app AppCredentials) Option {
	return func(c *clientConfig) { c.app = &app }
}

// New creates a GitHub client authenticated with token, or with App
// credentials when WithAppAuth is given.
func New(token string, opts ...Option) (*Client, error) {
	cfg := &clientConfig{retryDelay: retry.DefaultDelay}
	for _, o := range opts {
		o(cfg)
	}

	var client *gh.Client
	if cfg.app != nil {
		httpClient, err := newAppHTTPClient(cfg.app, cfg.baseURL)
		if err != nil {
			return nil, fmt.Errorf("configuring GitHub App auth: %w", err)
		}
		client = gh.NewClient(httpClient)
	} else {
		client = gh.NewClient(nil).WithAuthToken(token)
	}
	if cfg.baseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(cfg.baseURL, cfg.baseURL)
		if err != nil {
			return nil, fmt.Errorf("setting base URL: %w", err)
		}
	}

	return &Client{gh: client, retryDelay: cfg.retryDelay}, nil
}

func newAppHTTPClient(app *AppCredentials, baseURL string) (*http.Client, error) {
	keyData, err := readKeyFile(expandHome(app.PrivateKeyPath))
	if err != nil {
		return nil, fmt.Errorf("reading private key %s: %w", app.PrivateKeyPath, err)
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM(keyData)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	signer := &clientIDSigner{
		clientID: app.ClientID,
		method:   jwt.SigningMethodRS256,
		key:      key,
	}

	// The app ID is unused: the signer sets the issuer to the client ID.
	atr, err := ghinstallation.NewAppsTransportWithOptions(
		http.DefaultTransport, 0,
		ghinstallation.WithSigner(signer),
	)
	if err != nil {
		return nil, fmt.Errorf("creating apps transport: %w", err)
	}
	if baseURL != "" {
		atr.BaseURL = baseURL
	}

	itr := ghinstallation.NewFromAppsTransport(atr, app.InstallationID)
	if baseURL != "" {
		itr.BaseURL = baseURL
	}
	return &http.Client{Transport: itr}, nil
}

// clientIDSigner signs App JWTs with a string client ID as the issuer.
type clientIDSigner struct {
	clientID string
	method   jwt.SigningMethod
	key      any
}

func (s *clientIDSigner) Sign(claims jwt.Claims) (string, error) {
	if rc, ok := claims.(*jwt.RegisteredClaims); ok {
		rc.Issuer = s.clientID
	}
	return jwt.NewWithClaims(s.method, claims).SignedString(s.key)
}

// FetchWorkflowRun returns a single workflow run.
func (c *Client) FetchWorkflowRun(ctx context.Context, owner, repo string, runID int64) (WorkflowRun, error) {
	return retry.DoVal(ctx, func() (WorkflowRun, error) {
		run, _, err := c.gh.Actions.GetWorkflowRunByID(ctx, owner, repo, runID)
		if err != nil {
			return WorkflowRun{}, classifyErr(fmt.Errorf("fetching workflow run: %w", err))
		}
		return WorkflowRun{
			ID:         run.GetID(),
			Name:       run.GetName(),
			Status:     run.GetStatus(),
			Conclusion: run.GetConclusion(),
			HTMLURL:    run.GetHTMLURL(),
			UpdatedAt:  run.GetUpdatedAt().Time,
		}, nil
	}, c.retryOpts()...)
}

// FetchPR fetches a single pull request by number.
func (c *Client) FetchPR(ctx context.Context, owner, repo string, number int) (PR, error) {
	return retry.DoVal(ctx, func() (PR, error) {
		pr, _, err := c.gh.PullRequests.Get(ctx, owner, repo, number)
		if err != nil {
			return PR{}, classifyErr(fmt.Errorf("fetching pull request: %w", err))
		}
		return prFromGH(pr), nil
	}, c.retryOpts()...)
}

// FetchPRReviews returns all reviews on the pull request, oldest first.
func (c *Client) FetchPRReviews(ctx context.Context, owner, repo string, number int) ([]Review, error) {
	return retry.DoVal(ctx, func() ([]Review, error) {
		var all []Review
		opts := &gh.ListOptions{PerPage: 100}
		for {
			reviews, resp, err := c.gh.PullRequests.ListReviews(ctx, owner, repo, number, opts)
			if err != nil {
				return nil, classifyErr(fmt.Errorf("fetching PR reviews: %w", err))
			}
			for _, r := range reviews {
				all = append(all, Review{
					ID:     r.GetID(),
					State:  r.GetState(),
					User:   r.GetUser().GetLogin(),
					UserID: r.GetUser().GetID(),
				})
			}
			if resp.NextPage == 0 {
				break
			}
			opts.Page = resp.NextPage
		}
		return all, nil
	}, c.retryOpts()...)
}

func prFromGH(pr *gh.PullRequest) PR {
	p := PR{
		Number:    pr.GetNumber(),
		State:     pr.GetState(),
		Merged:    pr.GetMerged(),
		UpdatedAt: pr.GetUpdatedAt().Time,
	}
	if pr.Head != nil {
		p.HeadSHA = pr.Head.GetSHA()
	}
	return p
}

func (c *Client) retryOpts() []retry.Option {
	return []retry.Option{retry.WithDelay(c.retryDelay)}
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// classifyErr tags a go-github error with its provider kind. Client errors
// and rate limits are not retried in-call: the former will not change and the
// latter must wait for the scheduler's backoff.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}

	var rateErr *gh.RateLimitError
	if errors.As(err, &rateErr) {
		return retry.Permanent(provider.Transient(providerName, statusOf(rateErr.Response), err))
	}
	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return retry.Permanent(provider.Transient(providerName, statusOf(abuseErr.Response), err))
	}

	var ghErr *gh.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		code := ghErr.Response.StatusCode
		switch {
		case provider.ClassifyStatus(code) == provider.KindPermanent:
			return retry.Permanent(provider.Permanent(providerName, code, err))
		case code == http.StatusTooManyRequests:
			return retry.Permanent(provider.Transient(providerName, code, err))
		default:
			return provider.Transient(providerName, code, err)
		}
	}
	if errors.Is(err, context.Canceled) {
		return retry.Permanent(provider.Transient(providerName, 0, err))
	}
	return provider.Transient(providerName, 0, err)
}

func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}
