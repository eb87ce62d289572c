package admission

import (
	"context"
	"fmt"
	"net/http"
)

// HealthProbe is an external health check whose result ANDs into the sample.
type HealthProbe interface {
	Check(ctx context.Context) (bool, error)
}

// HealthProbeFunc adapts a function to HealthProbe.
type HealthProbeFunc func(ctx context.Context) (bool, error)

// Check implements HealthProbe.
func (f HealthProbeFunc) Check(ctx context.Context) (bool, error) {
	return f(ctx)
}

// HTTPProbe reports healthy when a GET to URL answers with a 2xx status.
type HTTPProbe struct {
	URL    string
	Client *http.Client
}

// Check implements HealthProbe.
func (p *HTTPProbe) Check(ctx context.Context) (bool, error) {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return false, fmt.Errorf("build health request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, fmt.Errorf("health request: %w", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}
