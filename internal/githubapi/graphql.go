package githubapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBulkPageSize = 100
	maxBulkPages        = 200
)

const closedActorsQuery = `query($owner: String!, $name: String!, $states: [PullRequestState!], $first: Int!, $after: String) {
  repository(owner: $owner, name: $name) {
    pullRequests(states: $states, first: $first, after: $after) {
      pageInfo { hasNextPage endCursor }
      nodes {
        number
        state
        timelineItems(first: 10, itemTypes: [CLOSED_EVENT]) {
          nodes {
            ... on ClosedEvent { actor { login } }
          }
        }
      }
    }
  }
}`

// BulkResult is the typed result of a paginated closing-actor query.
type BulkResult struct {
	Actors     map[int]string
	Pages      int
	StatusCode int
}

// GraphQLClient issues bulk queries against the GraphQL endpoint.
type GraphQLClient struct {
	endpoint      string
	requestClient *Client
	timeout       time.Duration
}

// NewGraphQLClient creates a GraphQL client. An empty graphqlURL is derived from the
// REST base URL: api.github.com uses /graphql and Enterprise hosts use /api/graphql.
func NewGraphQLClient(apiBaseURL, graphqlURL string, requestClient *Client, timeout time.Duration) (*GraphQLClient, error) {
	if requestClient == nil {
		return nil, fmt.Errorf("request client is required")
	}

	endpoint := strings.TrimSpace(graphqlURL)
	if endpoint == "" {
		base, err := parseAPIBaseURL(apiBaseURL)
		if err != nil {
			return nil, err
		}
		if strings.HasSuffix(base.Path, "/api/v3/") {
			base.Path = strings.TrimSuffix(base.Path, "v3/") + "graphql"
		} else {
			base.Path += "graphql"
		}
		endpoint = base.String()
	}

	return &GraphQLClient{
		endpoint:      endpoint,
		requestClient: requestClient,
		timeout:       timeout,
	}, nil
}

// Endpoint returns the GraphQL URL in use.
func (c *GraphQLClient) Endpoint() string {
	return c.endpoint
}

// ClosedActors pages through the pull requests of one repository in the given state
// (MERGED or CLOSED) and maps each number to the actor of its latest close event.
// On a non-200 response or a payload with errors it stops and returns what it has
// accumulated along with the error.
func (c *GraphQLClient) ClosedActors(ctx context.Context, owner, repo, state string, pageSize int) (BulkResult, error) {
	if pageSize <= 0 || pageSize > defaultBulkPageSize {
		pageSize = defaultBulkPageSize
	}

	result := BulkResult{Actors: make(map[int]string)}
	var cursor *string
	for page := 0; page < maxBulkPages; page++ {
		body, err := json.Marshal(graphQLRequest{
			Query: closedActorsQuery,
			Variables: map[string]any{
				"owner":  owner,
				"name":   repo,
				"states": []string{state},
				"first":  pageSize,
				"after":  cursor,
			},
		})
		if err != nil {
			return result, fmt.Errorf("encode graphql request: %w", err)
		}

		resp, err := c.requestClient.Post(ctx, c.endpoint, nil, body, c.timeout)
		if err != nil {
			return result, fmt.Errorf("graphql request: %w", err)
		}
		result.StatusCode = resp.StatusCode
		if resp.StatusCode != http.StatusOK {
			_ = resp.Body.Close()
			return result, fmt.Errorf("graphql request: unexpected status %d", resp.StatusCode)
		}

		var payload closedActorsPayload
		if err := decodeJSONAndClose(resp, &payload); err != nil {
			return result, fmt.Errorf("decode graphql response: %w", err)
		}
		if len(payload.Errors) > 0 {
			return result, fmt.Errorf("graphql query errors: %s", payload.Errors[0].Message)
		}
		if payload.Data.Repository == nil {
			return result, fmt.Errorf("graphql response missing repository %s/%s", owner, repo)
		}
		result.Pages++

		connection := payload.Data.Repository.PullRequests
		for _, node := range connection.Nodes {
			if login := latestCloser(node.TimelineItems.Nodes); login != "" {
				result.Actors[node.Number] = login
			}
		}

		if !connection.PageInfo.HasNextPage || connection.PageInfo.EndCursor == "" {
			return result, nil
		}
		next := connection.PageInfo.EndCursor
		cursor = &next
	}
	return result, nil
}

func latestCloser(events []closedEventNode) string {
	login := ""
	for _, event := range events {
		if event.Actor != nil && strings.TrimSpace(event.Actor.Login) != "" {
			login = strings.TrimSpace(event.Actor.Login)
		}
	}
	return login
}

func decodeJSONAndClose(resp *http.Response, target any) error {
	defer resp.Body.Close()
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(target); err != nil {
		return err
	}
	return nil
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type closedActorsPayload struct {
	Data struct {
		Repository *struct {
			PullRequests struct {
				PageInfo struct {
					HasNextPage bool   `json:"hasNextPage"`
					EndCursor   string `json:"endCursor"`
				} `json:"pageInfo"`
				Nodes []pullRequestNode `json:"nodes"`
			} `json:"pullRequests"`
		} `json:"repository"`
	} `json:"data"`
	Errors []graphQLError `json:"errors"`
}

type pullRequestNode struct {
	Number        int    `json:"number"`
	State         string `json:"state"`
	TimelineItems struct {
		Nodes []closedEventNode `json:"nodes"`
	} `json:"timelineItems"`
}

type closedEventNode struct {
	Actor *struct {
		Login string `json:"login"`
	} `json:"actor"`
}
