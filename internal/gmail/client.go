package gmail

import (
	"context"
	"log"
	"math/rand"
	"time"

	"google.golang.org/api/gmail/v1"

	"github.com/dkrall/inboxmd/internal/model"
)

// ClientConfig holds the retry and pacing knobs for the Gmail client.
type ClientConfig struct {
	// MaxRetries bounds the number of retries after the initial
	// attempt of a rate-limited request.
	MaxRetries int

	// InitialBackoff is the starting backoff value; it doubles after
	// every rate-limited attempt, capped at MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// InterPageDelay is inserted before every discovery page request
	// except the first. Politeness, not correctness.
	InterPageDelay time.Duration
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 60 * time.Second
	}
	return c
}

// Pager is a forward-only cursor over discovery pages. The caller
// controls pacing: each Next call issues at most one API request.
type Pager interface {
	// More reports whether another page may be available.
	More() bool

	// Next fetches the next page of stubs. It returns an empty slice
	// once the sequence is exhausted.
	Next(ctx context.Context) ([]model.MessageStub, error)
}

// Client wraps the Gmail API with pagination, batching, and
// rate-limit-aware retry. All request failures other than 429s
// propagate immediately as *APIError; 429s are retried with full
// jitter exponential backoff until the retry budget is exhausted,
// then surface as *RateLimitError.
type Client struct {
	api API
	cfg ClientConfig
}

// NewClient wraps an API implementation. Used directly by tests;
// production code goes through NewServiceClient.
func NewClient(api API, cfg ClientConfig) *Client {
	return &Client{api: api, cfg: cfg.withDefaults()}
}

// NewServiceClient builds a Client over an authenticated Gmail service.
func NewServiceClient(srv *gmail.Service, cfg ClientConfig) *Client {
	return NewClient(newServiceAPI(srv), cfg)
}

// ListLabels returns all labels, retrying on rate limits.
func (c *Client) ListLabels(ctx context.Context) ([]model.Label, error) {
	var labels []model.Label
	err := c.withRetry(ctx, "list labels", func() error {
		var err error
		labels, err = c.api.ListLabels(ctx)
		return err
	})
	return labels, err
}

// DiscoverMessageIDs returns a lazy pager over message stubs for a
// label. Each page request carries the continuation token from the
// previous page and is individually retried on rate limits.
func (c *Client) DiscoverMessageIDs(labelID string, pageSize int64, query string) Pager {
	return &messagePager{
		client:   c,
		labelID:  labelID,
		pageSize: pageSize,
		query:    query,
	}
}

type messagePager struct {
	client    *Client
	labelID   string
	pageSize  int64
	query     string
	pageToken string
	started   bool
	done      bool
}

func (p *messagePager) More() bool { return !p.done }

func (p *messagePager) Next(ctx context.Context) ([]model.MessageStub, error) {
	if p.done {
		return nil, nil
	}

	if p.started && p.client.cfg.InterPageDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.client.cfg.InterPageDelay):
		}
	}
	p.started = true

	var page *ListPage
	err := p.client.withRetry(ctx, "discover messages", func() error {
		var err error
		page, err = p.client.api.ListMessages(ctx, p.labelID, p.pageSize, p.pageToken, p.query)
		return err
	})
	if err != nil {
		p.done = true
		return nil, err
	}

	if len(page.Stubs) == 0 {
		p.done = true
		return nil, nil
	}

	p.pageToken = page.NextPageToken
	if p.pageToken == "" {
		p.done = true
	}
	return page.Stubs, nil
}

// FetchMessagesBatch fetches full messages for up to a batch worth of
// IDs. Sub-request failures that are not rate limits are logged and
// excluded from the result; the caller must treat absent IDs as
// failed. If any sub-request (or the batch transport itself) is rate
// limited, the entire batch is retried from scratch.
func (c *Client) FetchMessagesBatch(ctx context.Context, messageIDs []string) ([]*gmail.Message, error) {
	backoff := c.cfg.InitialBackoff

	for attempt := 0; ; attempt++ {
		results, err := c.api.BatchGetMessages(ctx, messageIDs)

		rateLimited := false
		var messages []*gmail.Message

		switch {
		case err != nil && isRateLimited(err):
			rateLimited = true
		case err != nil:
			return nil, &APIError{Op: "batch fetch", Err: err}
		default:
			for _, r := range results {
				if r.Err != nil {
					if isRateLimited(r.Err) {
						rateLimited = true
						break
					}
					log.Printf("batch fetch error for %s: %v", r.ID, r.Err)
					continue
				}
				if r.Message != nil {
					messages = append(messages, r.Message)
				}
			}
		}

		if !rateLimited {
			if n := len(messageIDs) - len(messages); n > 0 {
				log.Printf("batch fetch returned %d of %d messages", len(messages), len(messageIDs))
			}
			return messages, nil
		}

		if attempt >= c.cfg.MaxRetries {
			return nil, &RateLimitError{Op: "batch fetch", Retries: c.cfg.MaxRetries}
		}
		if err := c.sleepBackoff(ctx, "batch fetch", attempt, backoff); err != nil {
			return nil, err
		}
		backoff = nextBackoff(backoff, c.cfg.MaxBackoff)
	}
}

// withRetry runs fn, retrying rate-limited failures with full-jitter
// exponential backoff. Any other failure propagates immediately as
// an *APIError.
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	backoff := c.cfg.InitialBackoff

	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !isRateLimited(err) {
			return &APIError{Op: op, Err: err}
		}
		if attempt >= c.cfg.MaxRetries {
			return &RateLimitError{Op: op, Retries: c.cfg.MaxRetries}
		}
		if err := c.sleepBackoff(ctx, op, attempt, backoff); err != nil {
			return err
		}
		backoff = nextBackoff(backoff, c.cfg.MaxBackoff)
	}
}

// sleepBackoff sleeps for uniform(0, min(backoff, max)), cancellable
// through ctx.
func (c *Client) sleepBackoff(ctx context.Context, op string, attempt int, backoff time.Duration) error {
	capped := backoff
	if capped > c.cfg.MaxBackoff {
		capped = c.cfg.MaxBackoff
	}
	sleep := jitter(capped)
	log.Printf(
		"rate limited during %s (attempt %d/%d), sleeping %s",
		op, attempt+1, c.cfg.MaxRetries, sleep,
	)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(sleep):
		return nil
	}
}

func nextBackoff(backoff, max time.Duration) time.Duration {
	backoff *= 2
	if backoff > max {
		backoff = max
	}
	return backoff
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}
