// Package feed fetches published draws from the upstream HTTP API.
package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/sony/gobreaker"

	"drawbot/internal/draw"
	logx "drawbot/pkg/logx"
)

// ErrFetch wraps every failure of FetchLatest. Callers treat it as transient.
var ErrFetch = errors.New("feed fetch failed")

const (
	DefaultTimeout    = 10 * time.Second
	DefaultPages      = 5
	DefaultMinRecords = 10
	DefaultMaxRetries = 3
	DefaultUserAgent  = "drawbot/1.0"

	openTimeLayout = "2006-01-02 15:04:05"
	maxBody        = 4 << 20
)

type Config struct {
	URL        string
	Timeout    time.Duration
	Pages      int
	MinRecords int
	// MaxRetries counts retries per page after the first request.
	MaxRetries int
	UserAgent  string
	// Breaker opens after BreakerFailures consecutive failures for BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration
	Location        *time.Location
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Pages <= 0 {
		c.Pages = DefaultPages
	}
	if c.MinRecords <= 0 {
		c.MinRecords = DefaultMinRecords
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if strings.TrimSpace(c.UserAgent) == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	if c.Location == nil {
		c.Location = defaultLocation()
	}
	return c
}

func defaultLocation() *time.Location {
	if loc, err := time.LoadLocation("Asia/Shanghai"); err == nil {
		return loc
	}
	return time.FixedZone("CST", 8*60*60)
}

// Source yields the latest draws, oldest first.
type Source interface {
	FetchLatest(ctx context.Context) ([]draw.Record, error)
}

type Client struct {
	cfg     Config
	base    *url.URL
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	log     logx.Logger
	retry   func() backoff.BackOff
}

type Option func(*Client)

// WithHTTPClient replaces the default client (timeouts still apply per request).
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithRetryBackOff sets the backoff used between page retries.
func WithRetryBackOff(fn func() backoff.BackOff) Option {
	return func(c *Client) {
		if fn != nil {
			c.retry = fn
		}
	}
}

func New(cfg Config, log logx.Logger, opts ...Option) (*Client, error) {
	cfg = cfg.withDefaults()
	u, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("feed url %q is invalid", cfg.URL)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "feed"))

	c := &Client{
		cfg:  cfg,
		base: u,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log,
		retry: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "feed",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("feed circuit breaker state changed",
				logx.String("breaker", name),
				logx.String("from", from.String()),
				logx.String("to", to.String()),
			)
		},
	})
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// BreakerState reports the circuit breaker state ("closed", "open", "half-open").
func (c *Client) BreakerState() string { return c.breaker.State().String() }

// FetchLatest pages through the feed until MinRecords distinct draws were
// seen or Pages pages were read. The result is ascending by key.
func (c *Client) FetchLatest(ctx context.Context) ([]draw.Record, error) {
	var all []draw.Record
	seen := map[draw.Key]struct{}{}

	for page := 1; page <= c.cfg.Pages; page++ {
		recs, err := c.fetchPageWithRetry(ctx, page)
		if err != nil {
			if page == 1 || ctx.Err() != nil {
				return nil, fmt.Errorf("%w: page %d: %w", ErrFetch, page, err)
			}
			// later pages only deepen history
			c.log.Debug("stopping pagination early", logx.Int("page", page), logx.Err(err))
			break
		}
		if len(recs) == 0 {
			break
		}
		for _, r := range recs {
			if _, dup := seen[r.Key]; dup {
				continue
			}
			seen[r.Key] = struct{}{}
			all = append(all, r)
		}
		if len(all) >= c.cfg.MinRecords {
			break
		}
	}
	return draw.SortAscending(all), nil
}

func (c *Client) fetchPageWithRetry(ctx context.Context, page int) ([]draw.Record, error) {
	op := func() ([]draw.Record, error) {
		v, err := c.breaker.Execute(func() (interface{}, error) {
			return c.fetchPage(ctx, page)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return nil, backoff.Permanent(err)
			}
			var pe *permanentError
			if errors.As(err, &pe) {
				return nil, backoff.Permanent(pe.err)
			}
			return nil, err
		}
		recs, _ := v.([]draw.Record)
		return recs, nil
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(c.retry()),
		backoff.WithMaxTries(uint(c.cfg.MaxRetries+1)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.log.Debug("feed request failed, retrying", logx.Int("page", page), logx.Duration("wait", wait), logx.Err(err))
		}),
	)
}

// permanentError marks responses retrying cannot fix (4xx, bad payload).
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func (c *Client) pageURL(page int) string {
	u := *c.base
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	if q.Get("type") == "" {
		q.Set("type", "1")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) fetchPage(ctx context.Context, page int) ([]draw.Record, error) {
	rctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodGet, c.pageURL(page), nil)
	if err != nil {
		return nil, &permanentError{err}
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("http %d", resp.StatusCode)
	case resp.StatusCode/100 != 2:
		return nil, &permanentError{fmt.Errorf("http %d", resp.StatusCode)}
	}

	recs, err := decodePage(body, c.cfg.Location)
	if err != nil {
		return nil, &permanentError{err}
	}
	return recs, nil
}

var controlChars = regexp.MustCompile(`[\x00-\x1F\x7F]`)

type pagePayload struct {
	Code flexInt   `json:"code"`
	Data []rawDraw `json:"data"`
	Msg  string    `json:"msg"`
}

type rawDraw struct {
	Qihao    flexInt `json:"qihao"`
	OpenTime string  `json:"opentime"`
	OpenNum  string  `json:"opennum"`
	OpenCode string  `json:"opencode"`
	Sum      flexInt `json:"sum"`
}

// decodePage parses one page. Control characters some upstreams leak into
// the body are stripped before a second attempt.
func decodePage(body []byte, loc *time.Location) ([]draw.Record, error) {
	var p pagePayload
	if err := json.Unmarshal(body, &p); err != nil {
		if err2 := json.Unmarshal(controlChars.ReplaceAll(body, nil), &p); err2 != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
	}
	if p.Code != 1 {
		return nil, fmt.Errorf("upstream code %d: %s", p.Code, p.Msg)
	}

	out := make([]draw.Record, 0, len(p.Data))
	for _, d := range p.Data {
		text := d.OpenNum
		if strings.TrimSpace(text) == "" {
			text = d.OpenCode
		}
		nums, err := draw.ParseNumbers(text)
		if err != nil || d.Qihao <= 0 {
			continue
		}
		var opened time.Time
		if ts := strings.TrimSpace(d.OpenTime); ts != "" {
			if t, err := time.ParseInLocation(openTimeLayout, ts, loc); err == nil {
				opened = t
			}
		}
		out = append(out, draw.New(draw.Key(d.Qihao), opened, nums, int(d.Sum)))
	}
	return out, nil
}

// flexInt accepts 42 and "42".
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("not an integer: %s", s)
	}
	*f = flexInt(n)
	return nil
}
