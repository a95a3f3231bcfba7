package githubapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-github/v75/github"
)

const (
	defaultGitHubAPIBaseURL = "https://api.github.com/"
	eventPageSize           = 100
	maxEventPages           = 5
)

// Outcome is the normalized result of one attribution lookup.
type Outcome string

const (
	// OutcomeResolved indicates the endpoint named a closing actor.
	OutcomeResolved Outcome = "resolved"
	// OutcomeNotFound indicates the endpoint answered but carried no closing actor.
	OutcomeNotFound Outcome = "not_found"
	// OutcomeRateLimited indicates a 403 or 429 that reported a rate limit.
	OutcomeRateLimited Outcome = "rate_limited"
	// OutcomeTransient indicates a transport failure or a server-side status that outlived client retries.
	OutcomeTransient Outcome = "transient"
	// OutcomeTerminal indicates a 404, 422, other client error or a malformed payload.
	OutcomeTerminal Outcome = "terminal"
)

// Endpoint names one attribution source, in fallback order.
type Endpoint string

const (
	// EndpointPullDetail is the pull request detail endpoint (merged_by).
	EndpointPullDetail Endpoint = "pull_detail"
	// EndpointTimeline is the issue timeline endpoint.
	EndpointTimeline Endpoint = "timeline"
	// EndpointIssueEvents is the issue events endpoint.
	EndpointIssueEvents Endpoint = "issue_events"
)

// LookupEndpoints lists every attribution endpoint in fallback order.
var LookupEndpoints = []Endpoint{EndpointPullDetail, EndpointTimeline, EndpointIssueEvents}

// LookupResult is the typed result of one endpoint lookup.
type LookupResult struct {
	Endpoint   Endpoint
	Outcome    Outcome
	Actor      string
	StatusCode int
	Err        error
}

// LookupClient resolves closing actors for single pull requests through the REST API.
type LookupClient struct {
	rest *github.Client
}

// NewLookupClient creates a lookup client on top of a go-github client.
func NewLookupClient(rest *github.Client) (*LookupClient, error) {
	if rest == nil {
		return nil, fmt.Errorf("github rest client is required")
	}
	return &LookupClient{rest: rest}, nil
}

// Lookup queries one endpoint for the actor that closed a pull request.
func (c *LookupClient) Lookup(ctx context.Context, endpoint Endpoint, owner, repo string, number int) LookupResult {
	var result LookupResult
	switch endpoint {
	case EndpointPullDetail:
		result = c.pullRequestCloser(ctx, owner, repo, number)
	case EndpointTimeline:
		result = c.timelineCloser(ctx, owner, repo, number)
	case EndpointIssueEvents:
		result = c.issueEventsCloser(ctx, owner, repo, number)
	default:
		result = LookupResult{Outcome: OutcomeTerminal, Err: fmt.Errorf("unknown endpoint %q", endpoint)}
	}
	result.Endpoint = endpoint
	return result
}

func (c *LookupClient) pullRequestCloser(ctx context.Context, owner, repo string, number int) LookupResult {
	pull, resp, err := c.rest.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return classifyError(resp, err)
	}
	return actorResult(pull.GetMergedBy().GetLogin(), statusOf(resp))
}

func (c *LookupClient) timelineCloser(ctx context.Context, owner, repo string, number int) LookupResult {
	opts := &github.ListOptions{PerPage: eventPageSize}
	for page := 0; page < maxEventPages; page++ {
		events, resp, err := c.rest.Issues.ListIssueTimeline(ctx, owner, repo, number, opts)
		if err != nil {
			return classifyError(resp, err)
		}
		for _, event := range events {
			if login := event.GetActor().GetLogin(); event.GetEvent() == "closed" && login != "" {
				return actorResult(login, statusOf(resp))
			}
		}
		if resp == nil || resp.NextPage == 0 {
			return actorResult("", statusOf(resp))
		}
		opts.Page = resp.NextPage
	}
	return LookupResult{Outcome: OutcomeNotFound, StatusCode: http.StatusOK}
}

func (c *LookupClient) issueEventsCloser(ctx context.Context, owner, repo string, number int) LookupResult {
	opts := &github.ListOptions{PerPage: eventPageSize}
	for page := 0; page < maxEventPages; page++ {
		events, resp, err := c.rest.Issues.ListIssueEvents(ctx, owner, repo, number, opts)
		if err != nil {
			return classifyError(resp, err)
		}
		for _, event := range events {
			if login := event.GetActor().GetLogin(); event.GetEvent() == "closed" && login != "" {
				return actorResult(login, statusOf(resp))
			}
		}
		if resp == nil || resp.NextPage == 0 {
			return actorResult("", statusOf(resp))
		}
		opts.Page = resp.NextPage
	}
	return LookupResult{Outcome: OutcomeNotFound, StatusCode: http.StatusOK}
}

func actorResult(login string, statusCode int) LookupResult {
	login = strings.TrimSpace(login)
	if login == "" {
		return LookupResult{Outcome: OutcomeNotFound, StatusCode: statusCode}
	}
	return LookupResult{Outcome: OutcomeResolved, Actor: login, StatusCode: statusCode}
}

// classifyError maps a go-github error into a lookup outcome.
func classifyError(resp *github.Response, err error) LookupResult {
	result := LookupResult{Outcome: OutcomeTransient, StatusCode: statusOf(resp), Err: err}

	var rateLimitErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	var errorResponse *github.ErrorResponse
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError

	switch {
	case errors.As(err, &rateLimitErr), errors.As(err, &abuseErr):
		result.Outcome = OutcomeRateLimited
	case errors.As(err, &errorResponse):
		if errorResponse.Response != nil {
			result.StatusCode = errorResponse.Response.StatusCode
		}
		result.Outcome = outcomeForStatus(result.StatusCode, errorResponse.Message)
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		result.Outcome = OutcomeTerminal
	}
	return result
}

func outcomeForStatus(statusCode int, message string) Outcome {
	switch {
	case statusCode == http.StatusForbidden && IsRateLimitMessage(message):
		return OutcomeRateLimited
	case statusCode == http.StatusTooManyRequests:
		return OutcomeRateLimited
	case statusCode == http.StatusNotFound, statusCode == http.StatusUnprocessableEntity:
		return OutcomeTerminal
	case statusCode >= 500:
		return OutcomeTransient
	case statusCode >= 400:
		return OutcomeTerminal
	}
	return OutcomeTransient
}

func statusOf(resp *github.Response) int {
	if resp == nil || resp.Response == nil {
		return 0
	}
	return resp.StatusCode
}
