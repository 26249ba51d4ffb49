// Package vcsport implements the VCS port: the narrow HTTP boundary through
// which Review (phase 6) and Ship (phase 8) talk to the external
// issue-tracker and version-control host. It generalizes the teacher's
// PRCreator (a `gh` CLI wrapper) from subprocess invocation to a rate-limited,
// retrying HTTP client against the GitHub REST API, since a durable
// orchestrator cannot assume the `gh` binary or an authenticated local
// session is available on whatever worker picks up a run.
package vcsport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"
)

// Port is the four operations the spec names for phases 6 and 8. Everything
// else about the tracker/VCS host is out of scope.
type Port interface {
	CreateIssueComment(ctx context.Context, issueID int64, body string) error
	CreatePullRequest(ctx context.Context, opts PullRequestOpts) (*PullRequest, error)
	MergePullRequest(ctx context.Context, prNumber int, opts MergeOpts) (*MergeResult, error)
	GetIssueState(ctx context.Context, issueID int64) (*IssueState, error)
}

// PullRequestOpts mirrors the teacher's PRCreateOpts, translated from
// `gh pr create` flags to REST API fields.
type PullRequestOpts struct {
	Title      string
	Body       string
	Head       string
	Base       string
	Draft      bool
	Labels     []string
	Assignees  []string
}

// PullRequest is the subset of the GitHub PR resource this module persists
// into the Run State Document's pr_url field.
type PullRequest struct {
	URL    string `json:"html_url"`
	Number int    `json:"number"`
	Draft  bool   `json:"draft"`
}

// MergeOpts configures a merge, mirroring the GitHub "merge a pull request"
// endpoint's accepted fields.
type MergeOpts struct {
	CommitTitle   string
	CommitMessage string
	MergeMethod   string // "merge", "squash", or "rebase"
}

// MergeResult reports the outcome of a merge.
type MergeResult struct {
	Merged    bool   `json:"merged"`
	SHA       string `json:"sha"`
	Message   string `json:"message"`
}

// IssueState is the subset of issue state phases 6/8 consult (e.g. to check
// whether the originating issue was closed out-of-band).
type IssueState struct {
	Number int    `json:"number"`
	State  string `json:"state"`
	Title  string `json:"title"`
}

// Client implements Port against a GitHub-shaped REST API, rate-limited and
// retrying the way the spec's "ensure_rate_limit_available()" and bulk-call
// language requires.
type Client struct {
	baseURL    string
	owner      string
	repo       string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries uint64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default http.Client (e.g. for tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBaseURL overrides the default "https://api.github.com" (e.g. for a
// GitHub Enterprise host or a test server).
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithRateLimit overrides the default limiter (5 requests/sec, burst 5),
// matching the spec's requirement that bulk calls check availability first.
func WithRateLimit(requestsPerSecond float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), burst) }
}

// WithMaxRetries overrides the default retry budget (3 attempts) for
// transient (5xx, network) failures.
func WithMaxRetries(n uint64) Option {
	return func(c *Client) { c.maxRetries = n }
}

// New returns a Client scoped to owner/repo, authenticating with token.
func New(owner, repo, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    "https://api.github.com",
		owner:      owner,
		repo:       repo,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(5, 5),
		maxRetries: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateIssueComment posts body as a new comment on issueID.
func (c *Client) CreateIssueComment(ctx context.Context, issueID int64, body string) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", c.owner, c.repo, issueID)
	_, err := c.do(ctx, http.MethodPost, path, map[string]string{"body": body}, nil)
	if err != nil {
		return fmt.Errorf("vcsport: commenting on issue %d: %w", issueID, err)
	}
	return nil
}

// CreatePullRequest opens a new PR, following the teacher's base-branch
// default of "main" when opts.Base is empty.
func (c *Client) CreatePullRequest(ctx context.Context, opts PullRequestOpts) (*PullRequest, error) {
	base := opts.Base
	if base == "" {
		base = "main"
	}

	body := map[string]any{
		"title": opts.Title,
		"body":  opts.Body,
		"head":  opts.Head,
		"base":  base,
		"draft": opts.Draft,
	}

	var pr PullRequest
	path := fmt.Sprintf("/repos/%s/%s/pulls", c.owner, c.repo)
	if _, err := c.do(ctx, http.MethodPost, path, body, &pr); err != nil {
		return nil, fmt.Errorf("vcsport: creating pull request: %w", err)
	}

	if len(opts.Labels) > 0 || len(opts.Assignees) > 0 {
		issuePath := fmt.Sprintf("/repos/%s/%s/issues/%d", c.owner, c.repo, pr.Number)
		patch := map[string]any{}
		if len(opts.Labels) > 0 {
			patch["labels"] = opts.Labels
		}
		if len(opts.Assignees) > 0 {
			patch["assignees"] = opts.Assignees
		}
		if _, err := c.do(ctx, http.MethodPatch, issuePath, patch, nil); err != nil {
			return nil, fmt.Errorf("vcsport: applying labels/assignees to PR %d: %w", pr.Number, err)
		}
	}

	return &pr, nil
}

// MergePullRequest merges prNumber.
func (c *Client) MergePullRequest(ctx context.Context, prNumber int, opts MergeOpts) (*MergeResult, error) {
	method := opts.MergeMethod
	if method == "" {
		method = "squash"
	}
	body := map[string]any{
		"commit_title":   opts.CommitTitle,
		"commit_message": opts.CommitMessage,
		"merge_method":   method,
	}

	var result MergeResult
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/merge", c.owner, c.repo, prNumber)
	if _, err := c.do(ctx, http.MethodPut, path, body, &result); err != nil {
		return nil, fmt.Errorf("vcsport: merging pull request %d: %w", prNumber, err)
	}
	return &result, nil
}

// GetIssueState fetches issueID's current state.
func (c *Client) GetIssueState(ctx context.Context, issueID int64) (*IssueState, error) {
	var state IssueState
	path := fmt.Sprintf("/repos/%s/%s/issues/%d", c.owner, c.repo, issueID)
	if _, err := c.do(ctx, http.MethodGet, path, nil, &state); err != nil {
		return nil, fmt.Errorf("vcsport: fetching issue %d: %w", issueID, err)
	}
	return &state, nil
}

// do performs one rate-limited, retried HTTP round trip. It blocks on the
// limiter before every attempt, implementing "ensure_rate_limit_available()"
// as a precondition rather than a separate check the caller must remember.
func (c *Client) do(ctx context.Context, method, path string, reqBody any, respInto any) (*http.Response, error) {
	var bodyBytes []byte
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		bodyBytes = b
	}

	var resp *http.Response
	backoff := retry.WithMaxRetries(c.maxRetries, retry.NewExponential(200*time.Millisecond))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("waiting for rate limit: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(bodyBytes))
		if err != nil {
			return fmt.Errorf("building request: %w", err)
		}
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("Authorization", "Bearer "+c.token)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		r, err := c.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("executing request: %w", err))
		}

		if r.StatusCode >= 500 {
			r.Body.Close() //nolint:errcheck
			return retry.RetryableError(fmt.Errorf("server error: %s", r.Status))
		}
		if r.StatusCode == http.StatusTooManyRequests {
			r.Body.Close() //nolint:errcheck
			return retry.RetryableError(fmt.Errorf("rate limited: %s", r.Status))
		}
		if r.StatusCode >= 400 {
			data, _ := io.ReadAll(r.Body)
			r.Body.Close() //nolint:errcheck
			return fmt.Errorf("request failed: %s: %s", r.Status, strings.TrimSpace(string(data)))
		}

		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	if respInto != nil {
		if err := json.NewDecoder(resp.Body).Decode(respInto); err != nil {
			return nil, fmt.Errorf("decoding response body: %w", err)
		}
	}
	return resp, nil
}

// ParsePRNumber extracts the PR number from a PR HTML URL, for callers that
// only have the URL (e.g. a Run State Document's pr_url field) and need the
// number to call MergePullRequest.
func ParsePRNumber(prURL string) (int, error) {
	idx := strings.LastIndex(prURL, "/")
	if idx == -1 || idx == len(prURL)-1 {
		return 0, fmt.Errorf("vcsport: no PR number in url %q", prURL)
	}
	n, err := strconv.Atoi(prURL[idx+1:])
	if err != nil {
		return 0, fmt.Errorf("vcsport: parsing PR number from url %q: %w", prURL, err)
	}
	return n, nil
}
