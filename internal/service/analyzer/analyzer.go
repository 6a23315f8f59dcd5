// Package analyzer asks an external service whether a deployment needs an
// external database. The service is optional; Nop is used when it is not
// configured.
package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/splax/bothost/internal/domain"
)

const (
	defaultTimeout   = 20 * time.Second
	maxErrorBodySize = 4096
	maxResponseSize  = 64 << 10
)

// ErrUnauthorized indicates the analyzer rejected the configured token.
var ErrUnauthorized = errors.New("analyzer: unauthorized")

// ErrInvalidResponse indicates the analyzer returned a malformed payload.
var ErrInvalidResponse = errors.New("analyzer: invalid response")

// Request is the material handed to the analyzer.
type Request struct {
	ServerID     string
	DeploymentID string
	Runtime      string
	ManifestName string
	Manifest     string
	Env          map[string]string
}

// Analyzer inspects deployment configuration. A nil analysis with a nil error
// means there is nothing to report.
type Analyzer interface {
	Analyze(ctx context.Context, req Request) (*domain.Analysis, error)
}

// Nop reports nothing.
type Nop struct{}

// Analyze returns no analysis.
func (Nop) Analyze(context.Context, Request) (*domain.Analysis, error) { return nil, nil }

// Client calls an HTTP analyzer endpoint.
type Client struct {
	url    string
	token  string
	client *http.Client
}

var _ Analyzer = (*Client)(nil)

// NewClient creates an analyzer client posting to url.
func NewClient(url, token string, client *http.Client) (*Client, error) {
	trimmed := strings.TrimSpace(url)
	if trimmed == "" {
		return nil, errors.New("analyzer url required")
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}
	return &Client{url: trimmed, token: strings.TrimSpace(token), client: client}, nil
}

type analyzeResponse struct {
	RequiresExternalDB *bool  `json:"requiresExternalDB"`
	ConnectionString   string `json:"connectionString"`
	SetupSuggestion    string `json:"setupSuggestion"`
}

// Analyze posts the manifest and environment and decodes the verdict.
func (c *Client) Analyze(ctx context.Context, req Request) (*domain.Analysis, error) {
	env := req.Env
	if env == nil {
		env = map[string]string{}
	}
	body, err := json.Marshal(map[string]any{
		"serverId":     req.ServerID,
		"deploymentId": req.DeploymentID,
		"runtime":      req.Runtime,
		"manifestName": req.ManifestName,
		"manifest":     req.Manifest,
		"env":          env,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal analyzer request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build analyzer request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send analyzer request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, errorForStatus(resp)
	}

	var out analyzeResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if out.RequiresExternalDB == nil {
		return nil, fmt.Errorf("%w: missing requiresExternalDB", ErrInvalidResponse)
	}
	return &domain.Analysis{
		RequiresExternalDB: *out.RequiresExternalDB,
		ConnectionString:   strings.TrimSpace(out.ConnectionString),
		SetupSuggestion:    strings.TrimSpace(out.SetupSuggestion),
	}, nil
}

func errorForStatus(resp *http.Response) error {
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		summary = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
	default:
		return fmt.Errorf("analyzer request failed: %s", summary)
	}
}
