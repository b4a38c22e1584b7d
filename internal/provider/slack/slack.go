// Package slack fetches chat thread reply state from the Slack Web API.
package slack

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/uesteibar/inloop/internal/item"
	"github.com/uesteibar/inloop/internal/provider"
	"github.com/uesteibar/inloop/internal/retry"
)

const providerName = "slack"

// Thread is the reply state of one thread.
type Thread struct {
	ReplyCount    int
	LatestReplyTS string
}

// Client reads threads with a bot or user token.
type Client struct {
	api        *slack.Client
	retryDelay time.Duration
}

type clientConfig struct {
	apiURL     string
	retryDelay time.Duration
}

// Option configures a Client.
type Option func(*clientConfig)

// WithAPIURL overrides the Slack API endpoint. The URL must end in a slash.
func WithAPIURL(url string) Option {
	return func(c *clientConfig) { c.apiURL = url }
}

// WithRetryDelay overrides the pause before the single retry.
func WithRetryDelay(d time.Duration) Option {
	return func(c *clientConfig) { c.retryDelay = d }
}

// New returns a Client authenticated with token.
func New(token string, opts ...Option) *Client {
	cfg := &clientConfig{retryDelay: retry.DefaultDelay}
	for _, o := range opts {
		o(cfg)
	}
	var slackOpts []slack.Option
	if cfg.apiURL != "" {
		slackOpts = append(slackOpts, slack.OptionAPIURL(cfg.apiURL))
	}
	return &Client{api: slack.New(token, slackOpts...), retryDelay: cfg.retryDelay}
}

// FetchThread returns the reply count and latest reply of the thread rooted
// at ts in channel.
func (c *Client) FetchThread(ctx context.Context, channel, ts string) (Thread, error) {
	return retry.DoVal(ctx, func() (Thread, error) {
		msgs, _, _, err := c.api.GetConversationRepliesContext(ctx, &slack.GetConversationRepliesParameters{
			ChannelID: channel,
			Timestamp: ts,
			Limit:     200,
		})
		if err != nil {
			return Thread{}, classifyErr(fmt.Errorf("fetching thread replies: %w", err))
		}
		return threadFrom(ts, msgs), nil
	}, retry.WithDelay(c.retryDelay))
}

// threadFrom prefers the parent's reply summary and falls back to counting
// the returned replies when the parent is missing.
func threadFrom(ts string, msgs []slack.Message) Thread {
	var th Thread
	for _, m := range msgs {
		if m.Timestamp == ts {
			th.ReplyCount = m.ReplyCount
			th.LatestReplyTS = m.LatestReply
			return th
		}
	}
	for _, m := range msgs {
		th.ReplyCount++
		if tsAfter(m.Timestamp, th.LatestReplyTS) {
			th.LatestReplyTS = m.Timestamp
		}
	}
	return th
}

var permanentCodes = map[string]bool{
	"channel_not_found": true,
	"thread_not_found":  true,
	"not_in_channel":    true,
	"invalid_auth":      true,
	"not_authed":        true,
	"account_inactive":  true,
	"token_revoked":     true,
	"token_expired":     true,
	"missing_scope":     true,
	"no_permission":     true,
	"invalid_arguments": true,
	"invalid_ts_latest": true,
	"invalid_ts_oldest": true,
}

func classifyErr(err error) error {
	var rl *slack.RateLimitedError
	if errors.As(err, &rl) {
		return retry.Permanent(provider.Transient(providerName, 429, err))
	}
	var sc slack.StatusCodeError
	if errors.As(err, &sc) {
		if provider.ClassifyStatus(sc.Code) == provider.KindPermanent {
			return retry.Permanent(provider.Permanent(providerName, sc.Code, err))
		}
		return provider.Transient(providerName, sc.Code, err)
	}
	var se slack.SlackErrorResponse
	if errors.As(err, &se) {
		if permanentCodes[se.Err] {
			return retry.Permanent(provider.Permanent(providerName, 0, err))
		}
		return provider.Transient(providerName, 0, err)
	}
	if errors.Is(err, context.Canceled) {
		return retry.Permanent(provider.Transient(providerName, 0, err))
	}
	return provider.Transient(providerName, 0, err)
}

// API is the part of Client the fetcher uses.
type API interface {
	FetchThread(ctx context.Context, channel, ts string) (Thread, error)
}

// ThreadFetcher reports whether a thread got new replies since the reply
// state recorded in the item's metadata.
type ThreadFetcher struct {
	API API
}

func (f ThreadFetcher) Fetch(ctx context.Context, md item.Metadata) (provider.Status, error) {
	m, ok := md.(item.ChatThread)
	if !ok {
		return provider.Status{}, provider.WrongMetadata(providerName, md)
	}
	th, err := f.API.FetchThread(ctx, m.Channel, m.ThreadTS)
	if err != nil {
		return provider.Status{}, provider.Classify(providerName, err)
	}

	phase := provider.PhaseNoChange
	if th.ReplyCount > m.ReplyCount || tsAfter(th.LatestReplyTS, m.LatestReplyTS) {
		phase = provider.PhaseNewReply
	}

	m.ReplyCount = th.ReplyCount
	if th.LatestReplyTS != "" {
		m.LatestReplyTS = th.LatestReplyTS
	}
	return provider.Status{
		Phase:             phase,
		Detail:            fmt.Sprintf("%d replies", th.ReplyCount),
		ExternalUpdatedAt: tsTime(m.LatestReplyTS),
		Metadata:          m,
	}, nil
}

// tsAfter compares Slack timestamps ("1700000000.000100") numerically.
func tsAfter(a, b string) bool {
	if a == "" {
		return false
	}
	if b == "" {
		return true
	}
	as, au := splitTS(a)
	bs, bu := splitTS(b)
	if as != bs {
		return as > bs
	}
	return au > bu
}

func splitTS(ts string) (int64, int64) {
	sec, frac, _ := strings.Cut(ts, ".")
	s, _ := strconv.ParseInt(sec, 10, 64)
	f, _ := strconv.ParseInt(frac, 10, 64)
	return s, f
}

func tsTime(ts string) time.Time {
	if ts == "" {
		return time.Time{}
	}
	sec, frac := splitTS(ts)
	return time.Unix(sec, frac*int64(time.Microsecond)).UTC()
}
