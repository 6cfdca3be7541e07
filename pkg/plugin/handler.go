// Package plugin exposes the rate-limit decision engine as an HTTP pre-request
// plugin: the engine posts the session and raw request, and the plugin answers
// 204 to let the request through or an error body to reject it.
package plugin

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hasura/engine-plugin-rate-limit/internal/log"
	"github.com/hasura/engine-plugin-rate-limit/internal/ratelimiter"
	"github.com/hasura/engine-plugin-rate-limit/internal/utils"
)

const (
	rateLimitLimit     = "X-Ratelimit-Limit"
	rateLimitRemaining = "X-Ratelimit-Remaining"

	// AuthHeader carries the shared secret between the engine and the plugin.
	AuthHeader = "hasura-m-auth"

	maxBodyBytes = 1 << 20
)

// Error codes returned in extensions.code.
const (
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeRedisUnavailable  = "REDIS_UNAVAILABLE"
	CodeRateLimitError    = "RATE_LIMIT_ERROR"
	CodeBadRequest        = "BAD_REQUEST"
	CodeUnauthorized      = "UNAUTHORIZED"
)

// StateReporter exposes the store connection state to the health endpoint.
type StateReporter interface {
	State() ratelimiter.StoreState
}

// Config defines the configuration for the plugin handler.
type Config struct {
	Decider   ratelimiter.Decider
	Extractor utils.Extractor
	Monitor   StateReporter

	// UnavailableStatus is the status code sent when the store is down and
	// the fallback mode denies.
	UnavailableStatus int
	// AuthSecret, when set, must match the hasura-m-auth header.
	AuthSecret string
}

type session struct {
	Role      string            `json:"role"`
	Variables map[string]string `json:"variables"`
}

type rawRequest struct {
	OperationName *string         `json:"operationName"`
	Query         string          `json:"query"`
	Variables     json.RawMessage `json:"variables"`
}

type pluginRequest struct {
	Session    session    `json:"session"`
	RawRequest rawRequest `json:"rawRequest"`
}

type errorExtensions struct {
	Code string `json:"code"`
}

type errorBody struct {
	Message    string          `json:"message"`
	Extensions errorExtensions `json:"extensions"`
}

type healthBody struct {
	Status string `json:"status"`
	Redis  string `json:"redis"`
}

type handler struct {
	config *Config
}

// NewRouter returns the plugin's HTTP handler: POST /rate-limit decides a
// request and GET /health reports the store state.
func NewRouter(config *Config) http.Handler {
	if config.Extractor == nil {
		config.Extractor = utils.NewHTTPHeadersExtractor(AuthHeader)
	}
	if config.UnavailableStatus == 0 {
		config.UnavailableStatus = http.StatusServiceUnavailable
	}
	h := &handler{config: config}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", h.health)
	r.Group(func(r chi.Router) {
		r.Use(h.authenticate)
		r.Post("/rate-limit", h.rateLimit)
	})
	return r
}

func (h *handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.config.AuthSecret != "" {
			got := r.Header.Get(AuthHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(h.config.AuthSecret)) != 1 {
				writeError(w, http.StatusUnauthorized, CodeUnauthorized, "unauthorized")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit maps the decision to the plugin response: 204 lets the request
// through, everything else is an error body the engine forwards to the caller.
func (h *handler) rateLimit(w http.ResponseWriter, r *http.Request) {
	var body pluginRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	req := &ratelimiter.Request{
		SessionRole:      body.Session.Role,
		SessionVariables: body.Session.Variables,
		Headers:          h.config.Extractor.Extract(r),
	}
	if body.RawRequest.OperationName != nil {
		req.OperationName = *body.RawRequest.OperationName
	}

	d, err := h.config.Decider.Decide(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeRateLimitError, "failed to apply rate limit")
		return
	}

	if d.Evaluated {
		w.Header().Set(rateLimitLimit, strconv.FormatInt(d.Limit, 10))
		w.Header().Set(rateLimitRemaining, strconv.FormatInt(d.Remaining(), 10))
	}

	switch d.Outcome {
	case ratelimiter.Allow:
		w.WriteHeader(http.StatusNoContent)
	case ratelimiter.DenyRateLimit:
		writeError(w, http.StatusBadRequest, CodeRateLimitExceeded,
			fmt.Sprintf("rate limit exceeded: maximum of %d requests allowed within %d seconds", d.Limit, d.WindowSeconds))
	case ratelimiter.DenyUnavailable:
		writeError(w, h.config.UnavailableStatus, CodeRedisUnavailable, "rate limiting is unavailable, please try again later")
	default:
		writeError(w, http.StatusInternalServerError, CodeRateLimitError, "failed to apply rate limit")
	}
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	state := ratelimiter.StateReady
	if h.config.Monitor != nil {
		state = h.config.Monitor.State()
	}

	status, body := http.StatusOK, healthBody{Status: "ok", Redis: state.String()}
	if state != ratelimiter.StateReady {
		status, body.Status = http.StatusServiceUnavailable, "degraded"
	}
	writeJSON(w, status, body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Message: message, Extensions: errorExtensions{Code: code}})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Logger().Warn("Failed to write response body", zap.Error(err))
	}
}
