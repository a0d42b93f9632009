package keys

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrAccessDenied indicates the entitlement policy rejected the request.
var ErrAccessDenied = errors.New("key access denied")

// AccessRequest carries what the policy needs to decide whether a caller may
// receive key bytes. Subject is whatever opaque identity the transport layer
// extracted (bearer token subject, session ID); it may be empty.
type AccessRequest struct {
	KeyID    string
	LessonID int64
	CourseID int64
	Subject  string
}

// AccessPolicy is the pluggable entitlement check consulted before any key
// bytes leave the service. There is deliberately no implicit default: the
// operator has to choose a policy, and "always permit" is an explicit choice.
type AccessPolicy interface {
	Authorize(ctx context.Context, req AccessRequest) error
}

// AllowAll permits every request. Useful while purchase enforcement lives
// upstream, but it must be configured on purpose.
type AllowAll struct{}

func (AllowAll) Authorize(context.Context, AccessRequest) error { return nil }

// HTTPPolicyConfig points at an external entitlement endpoint. The policy
// performs a GET with the request parameters in the query string and treats
// 2xx as permitted, 403 as denied, anything else as an error.
type HTTPPolicyConfig struct {
	Endpoint string
	Token    string
	Timeout  time.Duration
	Client   *http.Client
}

// HTTPPolicy delegates the entitlement decision to an external service.
type HTTPPolicy struct {
	endpoint *url.URL
	token    string
	client   *http.Client
}

// NewHTTPPolicy validates the endpoint and builds the policy.
func NewHTTPPolicy(cfg HTTPPolicyConfig) (*HTTPPolicy, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("entitlement endpoint is required")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse entitlement endpoint: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("entitlement endpoint must include scheme and host")
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPPolicy{endpoint: parsed, token: strings.TrimSpace(cfg.Token), client: client}, nil
}

func (p *HTTPPolicy) Authorize(ctx context.Context, req AccessRequest) error {
	target := *p.endpoint
	query := target.Query()
	query.Set("keyId", req.KeyID)
	query.Set("lessonId", fmt.Sprintf("%d", req.LessonID))
	query.Set("courseId", fmt.Sprintf("%d", req.CourseID))
	if req.Subject != "" {
		query.Set("subject", req.Subject)
	}
	target.RawQuery = query.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return fmt.Errorf("create entitlement request: %w", err)
	}
	if p.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("entitlement check: %w", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusUnauthorized:
		return ErrAccessDenied
	default:
		return fmt.Errorf("entitlement check: unexpected status %d", resp.StatusCode)
	}
}
