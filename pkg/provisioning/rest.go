package provisioning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/platinummonkey/orgplane/pkg/apperrors"
)

const flowEngineService = "flow engine"

// RESTConfig configures the flow engine client
type RESTConfig struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	Timeout      time.Duration
	Retry        RetryConfig
}

// StatusError is returned for non-2xx responses from the flow engine
type StatusError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Operation, e.StatusCode, e.Body)
}

// RESTClient implements Orchestrator against the flow engine's internal
// HTTP API. Requests carry a client-credentials bearer token.
type RESTClient struct {
	baseURL    string
	httpClient *http.Client
	retry      RetryConfig
	logger     logrus.FieldLogger
}

// NewRESTClient creates a flow engine client. The token source is bound to
// ctx's lifetime only for token refreshes made through the returned client.
func NewRESTClient(ctx context.Context, cfg RESTConfig, logger logrus.FieldLogger) (*RESTClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("flow engine base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid flow engine base URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	base := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   cfg.Timeout,
	}

	httpClient := base
	if cfg.TokenURL != "" {
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		httpClient = cc.Client(context.WithValue(ctx, oauth2.HTTPClient, base))
		httpClient.Timeout = cfg.Timeout
	}

	return &RESTClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
		retry:      cfg.Retry,
		logger:     logger,
	}, nil
}

type permissionPayload struct {
	Scope   Scope  `json:"scope"`
	Email   string `json:"email"`
	Role    string `json:"role"`
	Removed bool   `json:"removed"`
}

// NotifyPermissionChanged pushes a role change for one email
func (c *RESTClient) NotifyPermissionChanged(ctx context.Context, change PermissionChange) error {
	if change.ExternalID == uuid.Nil {
		return nil
	}
	path := fmt.Sprintf("/api/v2/internals/orgs/%s/permissions/", change.ExternalID)
	body := permissionPayload{
		Scope:   change.Scope,
		Email:   change.Email,
		Role:    change.Role,
		Removed: change.Removed,
	}
	return c.idempotent(ctx, "notify_permission_changed", func() error {
		return c.do(ctx, "notify_permission_changed", http.MethodPost, path, body, nil)
	})
}

// NotifyProjectSuspended flips the suspension flag of a provisioned project
func (c *RESTClient) NotifyProjectSuspended(ctx context.Context, ref ProjectRef, suspended bool) error {
	if !ref.Provisioned() {
		return nil
	}
	path := fmt.Sprintf("/api/v2/internals/orgs/%s/", ref.ExternalID)
	body := map[string]bool{"is_suspended": suspended}
	return c.idempotent(ctx, "notify_project_suspended", func() error {
		return c.do(ctx, "notify_project_suspended", http.MethodPatch, path, body, nil)
	})
}

type provisionResponse struct {
	UUID uuid.UUID `json:"uuid"`
}

// ProvisionProject creates the flow engine organization for a project.
// It is not retried: a lost response could otherwise create duplicates.
func (c *RESTClient) ProvisionProject(ctx context.Context, ref ProjectRef) (uuid.UUID, error) {
	var resp provisionResponse
	body := map[string]string{
		"name":        ref.Name,
		"timezone":    ref.Timezone,
		"date_format": ref.DateFormat,
	}
	if err := c.do(ctx, "provision_project", http.MethodPost, "/api/v2/internals/orgs/", body, &resp); err != nil {
		return uuid.Nil, apperrors.ExternalService(flowEngineService, err)
	}
	if resp.UUID == uuid.Nil {
		return uuid.Nil, apperrors.ExternalService(flowEngineService, fmt.Errorf("provision_project returned no uuid"))
	}
	return resp.UUID, nil
}

// DeprovisionProject deletes the flow engine organization. A missing
// organization counts as already deprovisioned.
func (c *RESTClient) DeprovisionProject(ctx context.Context, ref ProjectRef) error {
	if !ref.Provisioned() {
		return nil
	}
	path := fmt.Sprintf("/api/v2/internals/orgs/%s/", ref.ExternalID)
	return c.idempotent(ctx, "deprovision_project", func() error {
		err := c.do(ctx, "deprovision_project", http.MethodDelete, path, nil, nil)
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return nil
		}
		return err
	})
}

type usageResponse struct {
	Count int64 `json:"count"`
}

// GetUsage returns the active contact count of a project in window
func (c *RESTClient) GetUsage(ctx context.Context, ref ProjectRef, window Window) (int64, error) {
	if !ref.Provisioned() {
		return 0, nil
	}
	q := url.Values{}
	q.Set("after", window.Start.UTC().Format(time.RFC3339))
	q.Set("before", window.End.UTC().Format(time.RFC3339))
	path := fmt.Sprintf("/api/v2/internals/orgs/%s/contacts/?%s", ref.ExternalID, q.Encode())

	var resp usageResponse
	err := c.idempotent(ctx, "get_usage", func() error {
		return c.do(ctx, "get_usage", http.MethodGet, path, nil, &resp)
	})
	if err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// idempotent retries op and classifies the final failure. 4xx responses
// other than 429 are not retried.
func (c *RESTClient) idempotent(ctx context.Context, operation string, op func() error) error {
	err := c.retry.retry(ctx, func() error {
		err := op()
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode >= 400 && statusErr.StatusCode < 500 &&
			statusErr.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}, func(err error, next time.Duration) {
		c.logger.WithFields(logrus.Fields{
			"operation": operation,
			"retry_in":  next.String(),
		}).WithError(err).Debug("Flow engine call failed, retrying")
	})
	if err != nil {
		return apperrors.ExternalService(flowEngineService, err)
	}
	return nil
}

func (c *RESTClient) do(ctx context.Context, operation, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", operation, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", operation, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send %s request: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		statusErr := &StatusError{Operation: operation, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
		if resp.StatusCode == http.StatusTooManyRequests {
			if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
				return backoff.RetryAfter(secs)
			}
		}
		return statusErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", operation, err)
	}
	return nil
}
