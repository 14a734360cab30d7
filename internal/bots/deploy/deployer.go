package deploy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

var (
	ErrNotReady      = errors.New("deployment not ready")
	ErrDeployFailed  = errors.New("deployment failed")
	ErrDeployTimeout = errors.New("deployment timeout: exceeded maximum wait time")
	ErrNoDeployer    = errors.New("no deployer configured")
)

// Remote deployment states reported by the hosting API.
const (
	StateQueued   = "QUEUED"
	StateBuilding = "BUILDING"
	StateReady    = "READY"
	StateError    = "ERROR"
	StateCanceled = "CANCELED"
)

// Request describes one deployment.
type Request struct {
	Type        string `json:"type"`
	Trigger     string `json:"trigger,omitempty"`
	Environment string `json:"environment"`
	ExecutionID string `json:"executionId"`
}

// Outcome is a finished deployment.
type Outcome struct {
	DeploymentID string        `json:"deploymentId"`
	URL          string        `json:"url,omitempty"`
	Status       string        `json:"status"`
	Duration     time.Duration `json:"-"`
	DurationMS   int64         `json:"duration"`
}

// Deployer starts a deployment and waits until it settles.
type Deployer interface {
	Deploy(ctx context.Context, req Request) (Outcome, error)
}

// HTTPConfig configures HTTPDeployer.
type HTTPConfig struct {
	BaseURL      string
	Token        string
	Project      string
	PollInterval time.Duration // default 10s
	MaxWait      time.Duration // default 5m
	Timeout      time.Duration // per request, default 30s
	Retries      int
}

// HTTPDeployer drives a hosting provider's REST API: POST /deployments
// starts a build, GET /deployments/{id} is polled until it is ready or errored.
type HTTPDeployer struct {
	client *resty.Client
	cfg    HTTPConfig
}

func NewHTTPDeployer(cfg HTTPConfig) *HTTPDeployer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 5 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if resp == nil || resp.Request == nil || resp.Request.Method != http.MethodGet {
				return false
			}
			code := resp.StatusCode()
			return code == http.StatusTooManyRequests || code >= 500
		})
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}
	return &HTTPDeployer{client: client, cfg: cfg}
}

type createBody struct {
	Name        string `json:"name,omitempty"`
	Target      string `json:"target"`
	Type        string `json:"type"`
	Trigger     string `json:"trigger,omitempty"`
	ExecutionID string `json:"executionId"`
}

type deploymentBody struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	ReadyState string `json:"readyState"`
	Error      *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (d *HTTPDeployer) Deploy(ctx context.Context, req Request) (Outcome, error) {
	start := time.Now()

	var created deploymentBody
	var apiErr apiError
	resp, err := d.client.R().
		SetContext(ctx).
		SetBody(createBody{
			Name:        d.cfg.Project,
			Target:      req.Environment,
			Type:        req.Type,
			Trigger:     req.Trigger,
			ExecutionID: req.ExecutionID,
		}).
		SetResult(&created).
		SetError(&apiErr).
		Post("/deployments")
	if err != nil {
		return Outcome{}, fmt.Errorf("create deployment: %w", err)
	}
	if resp.IsError() {
		return Outcome{}, httpError("create deployment", resp, apiErr)
	}
	if created.ID == "" {
		return Outcome{}, fmt.Errorf("create deployment: %w: response carried no id", ErrDeployFailed)
	}

	final, err := d.wait(ctx, created)
	out := Outcome{
		DeploymentID: created.ID,
		URL:          final.URL,
		Status:       final.ReadyState,
		Duration:     time.Since(start),
	}
	out.DurationMS = out.Duration.Milliseconds()
	if out.URL == "" {
		out.URL = created.URL
	}
	return out, err
}

func (d *HTTPDeployer) wait(parent context.Context, cur deploymentBody) (deploymentBody, error) {
	ctx, cancel := context.WithTimeout(parent, d.cfg.MaxWait)
	defer cancel()

	t := time.NewTicker(d.cfg.PollInterval)
	defer t.Stop()
	for {
		switch cur.ReadyState {
		case StateReady:
			return cur, nil
		case StateError, StateCanceled:
			msg := "unknown error"
			if cur.Error != nil && cur.Error.Message != "" {
				msg = cur.Error.Message
			}
			return cur, fmt.Errorf("%w: %s", ErrDeployFailed, msg)
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
				return cur, fmt.Errorf("%w after %s", ErrDeployTimeout, d.cfg.MaxWait)
			}
			return cur, ctx.Err()
		case <-t.C:
		}

		next, err := d.status(ctx, cur.ID)
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
				return cur, fmt.Errorf("%w after %s", ErrDeployTimeout, d.cfg.MaxWait)
			}
			return cur, err
		}
		cur = next
	}
}

func (d *HTTPDeployer) status(ctx context.Context, id string) (deploymentBody, error) {
	var out deploymentBody
	var apiErr apiError
	resp, err := d.client.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetResult(&out).
		SetError(&apiErr).
		Get("/deployments/{id}")
	if err != nil {
		return out, fmt.Errorf("status check failed: %w", err)
	}
	if resp.IsError() {
		return out, httpError("status check failed", resp, apiErr)
	}
	if out.ID == "" {
		out.ID = id
	}
	return out, nil
}

func httpError(op string, resp *resty.Response, body apiError) error {
	msg := body.Error.Message
	if msg == "" {
		msg = strings.TrimSpace(string(resp.Body()))
	}
	if msg == "" {
		msg = resp.Status()
	}
	if resp.StatusCode() == http.StatusTooManyRequests {
		return fmt.Errorf("%s: rate limit exceeded: %s", op, msg)
	}
	return fmt.Errorf("%s: %w: api returned %d: %s", op, ErrDeployFailed, resp.StatusCode(), msg)
}
