package health

import (
	"context"
	"encoding/json"
	"net/http"
)

// Mode indicates high-level health mode.
type Mode string

const (
	// ModeHealthy indicates all dependencies are healthy.
	ModeHealthy Mode = "healthy"
	// ModeDegraded indicates the app serves requests but the job or upstream auth needs attention.
	ModeDegraded Mode = "degraded"
	// ModeUnhealthy indicates the record store is unreachable.
	ModeUnhealthy Mode = "unhealthy"
)

// AuthMode describes how upstream calls authenticate.
type AuthMode string

const (
	// AuthToken uses a personal access token.
	AuthToken AuthMode = "token"
	// AuthApp uses a GitHub App installation.
	AuthApp AuthMode = "app"
	// AuthAnonymous sends unauthenticated requests with a very small rate budget.
	AuthAnonymous AuthMode = "anonymous"
)

// Input represents dependency states used for health evaluation.
type Input struct {
	StoreHealthy bool
	StoreError   string
	GitHubAuth   AuthMode
	JobStatus    string
	JobError     string
}

// Status represents evaluated application health.
type Status struct {
	Mode       Mode              `json:"mode"`
	Ready      bool              `json:"ready"`
	Components map[string]bool   `json:"components"`
	Job        string            `json:"job"`
	Details    map[string]string `json:"details,omitempty"`
}

// Provider supplies current health status.
type Provider interface {
	CurrentStatus(ctx context.Context) Status
}

// StatusEvaluator evaluates health and readiness.
type StatusEvaluator struct{}

// NewStatusEvaluator creates a health evaluator.
func NewStatusEvaluator() *StatusEvaluator {
	return &StatusEvaluator{}
}

// Evaluate derives readiness and mode. Only the record store gates readiness.
func (e *StatusEvaluator) Evaluate(input Input) Status {
	jobHealthy := input.JobStatus != "error"
	authenticated := input.GitHubAuth == AuthToken || input.GitHubAuth == AuthApp
	components := map[string]bool{
		"store":              input.StoreHealthy,
		"github_credentials": authenticated,
		"enhancement_job":    jobHealthy,
	}

	details := make(map[string]string)
	if input.StoreError != "" {
		details["store"] = input.StoreError
	}
	if input.GitHubAuth != "" {
		details["github_auth"] = string(input.GitHubAuth)
	}
	if input.JobError != "" {
		details["enhancement_job"] = input.JobError
	}
	if len(details) == 0 {
		details = nil
	}

	mode := ModeHealthy
	if !input.StoreHealthy {
		mode = ModeUnhealthy
	} else if !jobHealthy || !authenticated {
		mode = ModeDegraded
	}

	return Status{
		Mode:       mode,
		Ready:      input.StoreHealthy,
		Components: components,
		Job:        input.JobStatus,
		Details:    details,
	}
}

// NewHandler returns the health HTTP handler with /livez, /readyz, and /healthz endpoints.
func NewHandler(provider Provider) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			return
		}
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		status := provider.CurrentStatus(r.Context())
		if status.Ready {
			w.WriteHeader(http.StatusOK)
			if _, err := w.Write([]byte("ready")); err != nil {
				return
			}
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte("not ready")); err != nil {
			return
		}
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := provider.CurrentStatus(r.Context())
		payload, err := json.Marshal(status)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			if _, writeErr := w.Write([]byte(`{"mode":"unhealthy","error":"marshal health status"}`)); writeErr != nil {
				return
			}
			return
		}
		code := http.StatusOK
		if !status.Ready {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		//nolint:gosec // Health payload is server-generated JSON status.
		if _, err := w.Write(payload); err != nil {
			return
		}
	})

	return mux
}
