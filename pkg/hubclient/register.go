package hubclient

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"time"
)

// Register performs a single registration attempt against the hub.
func (c *Client) Register(ctx context.Context) error {
	if c.registered {
		return fmt.Errorf("hubclient: already registered as %s", c.instanceID)
	}

	req := registerRequest{
		Name:           c.cfg.ServiceName,
		Address:        c.cfg.Address,
		Tags:           c.cfg.Tags,
		Metadata:       c.cfg.Metadata,
		HealthEndpoint: c.cfg.HealthEndpoint,
		Tools:          c.cfg.Tools,
	}

	var resp registerResponse
	if err := c.do(ctx, http.MethodPost, "/registry/register", req, &resp); err != nil {
		return err
	}

	c.instanceID = resp.InstanceID
	c.registered = true
	return nil
}

// RegisterWithRetry keeps attempting registration with exponential
// backoff (100ms base, doubled per attempt, 5s cap, ±25% jitter) until
// it succeeds or deadline elapses. A spoke that cannot register within
// its startup deadline must fail startup, so the terminal error carries
// the last attempt's failure.
func (c *Client) RegisterWithRetry(ctx context.Context, deadline time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	backoff := 100 * time.Millisecond
	const maxBackoff = 5 * time.Second

	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = c.Register(ctx)
		if lastErr == nil {
			return nil
		}

		jittered := time.Duration(float64(backoff) * (0.75 + rand.Float64()*0.5))
		timer := time.NewTimer(jittered)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("hubclient: registration deadline elapsed after %d attempts: %w", attempt, lastErr)
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Deregister removes this instance from the hub.
func (c *Client) Deregister(ctx context.Context) error {
	if !c.registered {
		return fmt.Errorf("hubclient: not registered")
	}
	if err := c.do(ctx, http.MethodDelete, "/registry/"+c.instanceID, nil, nil); err != nil {
		return err
	}
	c.registered = false
	c.instanceID = ""
	return nil
}
