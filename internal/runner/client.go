package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/pkg/resilience"
)

const (
	runActorAction   = "RUN_ACTOR"
	inputContentType = "application/json; charset=utf-8"
	maxErrorBody     = 4 << 10
	schedulePageSize = 100
)

// Options configures an HTTPClient.
type Options struct {
	BaseURL           string
	Token             string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	Retry             resilience.Policy
	Probe             *resilience.Probe
	Breaker           *resilience.CircuitBreaker
	HTTPClient        *http.Client
}

// HTTPClient implements Client against the runner's v2 REST API.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter

	// triggers are not idempotent, so remote-resource failures are never
	// retried for them; reads may retry those as well.
	triggerPolicy resilience.Policy
	readPolicy    resilience.Policy
	probe         *resilience.Probe
	breaker       *resilience.CircuitBreaker
	logger        *slog.Logger
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(opts Options) *HTTPClient {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	trigger := opts.Retry
	trigger.NonRetryable = appendKinds(trigger.NonRetryable, apperrors.KindActor, apperrors.KindDataset)
	read := opts.Retry
	read.Retryable = appendKinds(read.Retryable, apperrors.KindActor, apperrors.KindDataset)

	return &HTTPClient{
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		token:         opts.Token,
		http:          hc,
		limiter:       rate.NewLimiter(limit, burst),
		triggerPolicy: trigger,
		readPolicy:    read,
		probe:         opts.Probe,
		breaker:       opts.Breaker,
		logger:        slog.Default().With("component", "runner-client"),
	}
}

// NewFromConfig builds a client from the runner config section. observe and
// onRetry may be nil.
func NewFromConfig(cfg config.RunnerConfig, observe func(name, outcome string, d time.Duration), onRetry func(name string, attempt int, err error, delay time.Duration)) *HTTPClient {
	policy := resilience.DefaultPolicy()
	policy.MaxAttempts = cfg.Retry.MaxAttempts
	policy.MinWait = cfg.Retry.MinWait
	policy.MaxWait = cfg.Retry.MaxWait
	policy.AttemptTimeout = cfg.RequestTimeout
	policy.OnRetry = onRetry
	return NewHTTPClient(Options{
		BaseURL:           cfg.BaseURL,
		Token:             cfg.Token,
		Timeout:           cfg.RequestTimeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
		Retry:             policy,
		Probe:             resilience.NewProbe(observe),
		Breaker: resilience.NewCircuitBreaker("runner", resilience.BreakerConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			ResetTimeout:     cfg.Breaker.ResetTimeout,
			IsFailure:        IsOutage,
		}),
	})
}

type envelope[T any] struct {
	Data T `json:"data"`
}

type errorEnvelope struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *HTTPClient) TriggerRun(ctx context.Context, actorID string, input map[string]any) (*Run, error) {
	errCtx := map[string]string{apperrors.CtxActorID: actorID}
	return invoke(ctx, c, c.triggerPolicy, "trigger_run", errCtx, func(ctx context.Context) (*Run, error) {
		if input == nil {
			input = map[string]any{}
		}
		var out envelope[Run]
		if err := c.do(ctx, http.MethodPost, "/v2/acts/"+actorPath(actorID)+"/runs", nil, input, &out); err != nil {
			return nil, err
		}
		return &out.Data, nil
	})
}

func (c *HTTPClient) GetRun(ctx context.Context, runID string) (*Run, error) {
	errCtx := map[string]string{apperrors.CtxRunID: runID}
	return invoke(ctx, c, c.readPolicy, "get_run", errCtx, func(ctx context.Context) (*Run, error) {
		var out envelope[Run]
		if err := c.do(ctx, http.MethodGet, "/v2/actor-runs/"+url.PathEscape(runID), nil, nil, &out); err != nil {
			return nil, err
		}
		return &out.Data, nil
	})
}

func (c *HTTPClient) ListDatasetItems(ctx context.Context, datasetID string, opts ListOptions) (*DatasetItems, error) {
	errCtx := map[string]string{apperrors.CtxDatasetID: datasetID}
	return invoke(ctx, c, c.readPolicy, "list_dataset_items", errCtx, func(ctx context.Context) (*DatasetItems, error) {
		q := url.Values{}
		q.Set("format", "json")
		q.Set("clean", "true")
		if opts.Limit > 0 {
			q.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.Offset > 0 {
			q.Set("offset", strconv.Itoa(opts.Offset))
		}
		var raw json.RawMessage
		if err := c.do(ctx, http.MethodGet, "/v2/datasets/"+url.PathEscape(datasetID)+"/items", q, nil, &raw); err != nil {
			return nil, err
		}
		items := NormalizeItems(raw)
		if items.Warning != "" {
			c.logger.Warn("dataset page normalized with warning", "dataset_id", datasetID, "warning", items.Warning)
		}
		return &items, nil
	})
}

// scheduleBody is the wire form of a schedule.
type scheduleBody struct {
	ID             string           `json:"id,omitempty"`
	Name           *string          `json:"name,omitempty"`
	CronExpression *string          `json:"cronExpression,omitempty"`
	Timezone       *string          `json:"timezone,omitempty"`
	IsEnabled      *bool            `json:"isEnabled,omitempty"`
	IsExclusive    *bool            `json:"isExclusive,omitempty"`
	Actions        []scheduleAction `json:"actions,omitempty"`
}

type scheduleAction struct {
	Type     string    `json:"type"`
	ActorID  string    `json:"actorId"`
	RunInput *runInput `json:"runInput,omitempty"`
}

type runInput struct {
	Body        string `json:"body"`
	ContentType string `json:"contentType"`
}

func (c *HTTPClient) CreateSchedule(ctx context.Context, spec ScheduleSpec) (*Schedule, error) {
	errCtx := map[string]string{apperrors.CtxActorID: spec.ActorID, "schedule_name": spec.Name}
	return invoke(ctx, c, c.triggerPolicy, "create_schedule", errCtx, func(ctx context.Context) (*Schedule, error) {
		action, err := newAction(spec.ActorID, spec.RunInput)
		if err != nil {
			return nil, err
		}
		exclusive := true
		body := scheduleBody{
			Name:           &spec.Name,
			CronExpression: &spec.CronExpression,
			IsEnabled:      &spec.IsEnabled,
			IsExclusive:    &exclusive,
			Actions:        []scheduleAction{action},
		}
		if spec.Timezone != "" {
			body.Timezone = &spec.Timezone
		}
		var out envelope[scheduleBody]
		if err := c.do(ctx, http.MethodPost, "/v2/schedules", nil, body, &out); err != nil {
			return nil, err
		}
		return out.Data.toSchedule()
	})
}

func (c *HTTPClient) GetSchedule(ctx context.Context, scheduleID string) (*Schedule, error) {
	errCtx := map[string]string{apperrors.CtxScheduleID: scheduleID}
	return invoke(ctx, c, c.readPolicy, "get_schedule", errCtx, func(ctx context.Context) (*Schedule, error) {
		var out envelope[scheduleBody]
		if err := c.do(ctx, http.MethodGet, "/v2/schedules/"+url.PathEscape(scheduleID), nil, nil, &out); err != nil {
			return nil, err
		}
		return out.Data.toSchedule()
	})
}

func (c *HTTPClient) UpdateSchedule(ctx context.Context, scheduleID string, update ScheduleUpdate) (*Schedule, error) {
	errCtx := map[string]string{apperrors.CtxScheduleID: scheduleID}
	return invoke(ctx, c, c.readPolicy, "update_schedule", errCtx, func(ctx context.Context) (*Schedule, error) {
		body := scheduleBody{
			Name:           update.Name,
			CronExpression: update.CronExpression,
			IsEnabled:      update.IsEnabled,
		}
		if update.ActorID != nil || update.RunInput != nil {
			actorID := ""
			if update.ActorID != nil {
				actorID = *update.ActorID
			}
			action, err := newAction(actorID, update.RunInput)
			if err != nil {
				return nil, err
			}
			body.Actions = []scheduleAction{action}
		}
		var out envelope[scheduleBody]
		if err := c.do(ctx, http.MethodPut, "/v2/schedules/"+url.PathEscape(scheduleID), nil, body, &out); err != nil {
			return nil, err
		}
		return out.Data.toSchedule()
	})
}

func (c *HTTPClient) DeleteSchedule(ctx context.Context, scheduleID string) error {
	errCtx := map[string]string{apperrors.CtxScheduleID: scheduleID}
	_, err := invoke(ctx, c, c.readPolicy, "delete_schedule", errCtx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.do(ctx, http.MethodDelete, "/v2/schedules/"+url.PathEscape(scheduleID), nil, nil, nil)
	})
	return err
}

func (c *HTTPClient) ListSchedules(ctx context.Context) ([]Schedule, error) {
	errCtx := map[string]string{apperrors.CtxResource: "schedules"}
	return invoke(ctx, c, c.readPolicy, "list_schedules", errCtx, func(ctx context.Context) ([]Schedule, error) {
		var all []Schedule
		for offset := 0; ; offset += schedulePageSize {
			q := url.Values{}
			q.Set("limit", strconv.Itoa(schedulePageSize))
			q.Set("offset", strconv.Itoa(offset))
			var out envelope[struct {
				Total int            `json:"total"`
				Items []scheduleBody `json:"items"`
			}]
			if err := c.do(ctx, http.MethodGet, "/v2/schedules", q, nil, &out); err != nil {
				return nil, err
			}
			for _, item := range out.Data.Items {
				s, err := item.toSchedule()
				if err != nil {
					return nil, err
				}
				all = append(all, *s)
			}
			if len(out.Data.Items) < schedulePageSize || (out.Data.Total > 0 && len(all) >= out.Data.Total) {
				return all, nil
			}
		}
	})
}

// invoke runs fn through the breaker, classification, retry and timing, in
// that order from the inside out.
func invoke[T any](ctx context.Context, c *HTTPClient, policy resilience.Policy, name string, errCtx map[string]string, fn resilience.Op[T]) (T, error) {
	base := func(ctx context.Context) (T, error) {
		var v T
		err := c.breaker.Execute(func() error {
			var err error
			v, err = fn(ctx)
			return err
		})
		switch {
		case err == nil:
			return v, nil
		case apperrors.Is(err, resilience.ErrCircuitOpen):
			var zero T
			return zero, &apperrors.Error{Kind: apperrors.KindNetwork, Op: name, Message: err.Error(), Context: errCtx, Err: err}
		default:
			var zero T
			return zero, apperrors.Raise(err, name, errCtx)
		}
	}
	return resilience.WithTiming(c.probe, name, resilience.WithRetry(policy, name, base))(ctx)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for rate limiter: %w", err)
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding %s %s request: %w", method, path, err)
		}
		reader = bytes.NewReader(b)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("building %s %s request: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return newAPIError(resp, data)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}

func newAPIError(resp *http.Response, data []byte) *APIError {
	apiErr := &APIError{Status: resp.StatusCode, Headers: resp.Header.Clone()}
	var env errorEnvelope
	if json.Unmarshal(data, &env) == nil && (env.Error.Type != "" || env.Error.Message != "") {
		apiErr.Type = env.Error.Type
		apiErr.Message = env.Error.Message
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(data))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

func newAction(actorID string, input map[string]any) (scheduleAction, error) {
	action := scheduleAction{Type: runActorAction, ActorID: actorID}
	if input != nil {
		b, err := json.Marshal(input)
		if err != nil {
			return action, fmt.Errorf("encoding schedule run input: %w", err)
		}
		action.RunInput = &runInput{Body: string(b), ContentType: inputContentType}
	}
	return action, nil
}

func (b scheduleBody) toSchedule() (*Schedule, error) {
	s := &Schedule{ID: b.ID}
	if b.Name != nil {
		s.Name = *b.Name
	}
	if b.CronExpression != nil {
		s.CronExpression = *b.CronExpression
	}
	if b.Timezone != nil {
		s.Timezone = *b.Timezone
	}
	if b.IsEnabled != nil {
		s.IsEnabled = *b.IsEnabled
	}
	for _, a := range b.Actions {
		if a.Type != runActorAction {
			continue
		}
		s.ActorID = a.ActorID
		if a.RunInput != nil && a.RunInput.Body != "" {
			if err := json.Unmarshal([]byte(a.RunInput.Body), &s.RunInput); err != nil {
				return nil, fmt.Errorf("decoding run input of schedule %s: %w", b.ID, err)
			}
		}
		break
	}
	return s, nil
}

// actorPath converts "user/name" into the "user~name" form the API expects
// in URL paths.
func actorPath(actorID string) string {
	return url.PathEscape(strings.Replace(actorID, "/", "~", 1))
}

func appendKinds(base []apperrors.Kind, kinds ...apperrors.Kind) []apperrors.Kind {
	out := make([]apperrors.Kind, 0, len(base)+len(kinds))
	out = append(out, base...)
	return append(out, kinds...)
}

// IsOutage reports whether err means the runner could not be reached or
// answered with a server error. Only these count against the circuit
// breaker; a 404 or 401 is a healthy answer.
func IsOutage(err error) bool {
	var apiErr *APIError
	if apperrors.As(err, &apiErr) {
		return apiErr.Status >= http.StatusInternalServerError
	}
	return apperrors.KindOf(apperrors.Classify(err, "", nil)) == apperrors.KindNetwork
}
