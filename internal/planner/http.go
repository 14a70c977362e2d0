package planner

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"

	"github.com/galaxy-org/galaxy/internal/config"
	"github.com/galaxy-org/galaxy/internal/constellation"
)

// HTTPPlanner talks to a planning service over JSON HTTP. The service exposes
// POST {endpoint}/create and POST {endpoint}/edit, both returning a plan.
type HTTPPlanner struct {
	client *resty.Client
}

// NewHTTPPlanner builds a planner client from the config.
func NewHTTPPlanner(cfg *config.Config) *HTTPPlanner {
	client := resty.New().
		SetBaseURL(cfg.Planner.Endpoint).
		SetTimeout(cfg.PlannerTimeout()).
		SetHeader("Content-Type", "application/json")
	if cfg.Planner.APIKey != "" {
		client.SetAuthToken(cfg.Planner.APIKey)
	}
	return &HTTPPlanner{client: client}
}

// Create implements Planner.
func (p *HTTPPlanner) Create(ctx context.Context, req CreateRequest) (constellation.PlanSpec, error) {
	return p.post(ctx, "/create", req)
}

// Edit implements Planner.
func (p *HTTPPlanner) Edit(ctx context.Context, req EditRequest) (constellation.PlanSpec, error) {
	return p.post(ctx, "/edit", req)
}

func (p *HTTPPlanner) post(ctx context.Context, path string, body any) (constellation.PlanSpec, error) {
	var spec constellation.PlanSpec
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&spec).
		Post(path)
	if err != nil {
		// Timeouts, refused connections, and cancelled contexts all surface
		// here; the caller's retry budget decides what happens next.
		return spec, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode() >= 500:
		return spec, fmt.Errorf("%w: %s returned %d", ErrUnavailable, path, resp.StatusCode())
	case resp.IsError():
		return spec, fmt.Errorf("%w: %s returned %d: %s", ErrInvalidPlan, path, resp.StatusCode(), resp.String())
	}

	if len(spec.Nodes) == 0 {
		return spec, fmt.Errorf("%w: empty node set", ErrInvalidPlan)
	}
	return spec, nil
}
