package hubclient

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// SendHeartbeat refreshes this instance's staleness clock on the hub.
func (c *Client) SendHeartbeat(ctx context.Context) error {
	if !c.registered {
		return fmt.Errorf("hubclient: not registered")
	}
	return c.do(ctx, http.MethodPost, "/registry/"+c.instanceID+"/heartbeat", nil, nil)
}

// StartHeartbeat launches the background heartbeat ticker. A failed
// heartbeat is reported to onError (if non-nil) and retried on the
// next tick; the loop itself never stops on error — only StopHeartbeat
// or Close ends it.
func (c *Client) StartHeartbeat(onError func(error)) {
	c.StopHeartbeat()
	c.stopChan = make(chan struct{})

	go func(stop chan struct{}) {
		ticker := time.NewTicker(c.cfg.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
				if err := c.SendHeartbeat(ctx); err != nil && onError != nil {
					onError(err)
				}
				cancel()
			case <-stop:
				return
			}
		}
	}(c.stopChan)
}

// StopHeartbeat ends the heartbeat loop if one is running.
func (c *Client) StopHeartbeat() {
	if c.stopChan != nil {
		select {
		case <-c.stopChan:
			// already closed
		default:
			close(c.stopChan)
		}
	}
}

// Close stops the heartbeat and deregisters the instance if it is
// still registered.
func (c *Client) Close(ctx context.Context) error {
	c.StopHeartbeat()
	if c.registered {
		if err := c.Deregister(ctx); err != nil {
			return fmt.Errorf("hubclient: deregister on close: %w", err)
		}
	}
	return nil
}
