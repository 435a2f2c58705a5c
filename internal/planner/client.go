// Package planner implements the Planner API client the Pressure
// Reconciler's create-loop streams from, and the flavor-descriptor lookup
// that seeds its minimum_pressure/fallback_runners constants. A small
// raw-HTTP client; flavor lookups retry 3 times with a 0.3x exponential
// backoff.
package planner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
)

// FlavorDescriptor is the planner's static description of one flavor,
// read once at reconciler startup.
type FlavorDescriptor struct {
	Name            string `json:"name"`
	MinimumPressure int    `json:"minimum_pressure"`
	FallbackRunners int    `json:"fallback_runners"`
}

// PressureUpdate is one line of the streaming pressure feed.
type PressureUpdate struct {
	Pressure float64 `json:"pressure"`
}

// Client talks to the planner's HTTP API. http bounds short request/reply
// calls (GetFlavor); stream has no Timeout since StreamPressure's GET is
// long-lived and must be bounded by its caller's context instead, not by
// a fixed wall-clock deadline on the whole exchange.
type Client struct {
	baseURL string
	http    *http.Client
	stream  *http.Client
}

// apiPrefix is the planner API's versioned path root; every request is
// built as baseURL+apiPrefix+"/flavors/...".
const apiPrefix = "/api/v1"

// New builds a Client targeting baseURL (the planner's scheme+host, e.g.
// "https://planner.example", with no path suffix).
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		stream:  &http.Client{},
	}
}

// GetFlavor fetches the flavor descriptor, retried 3 times with a 0.3×
// exponential backoff.
func (c *Client) GetFlavor(ctx context.Context, flavor string) (FlavorDescriptor, error) {
	var desc FlavorDescriptor
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			desc, err = c.getFlavorOnce(ctx, flavor)
			return err
		},
		Attempts:    3,
		Delay:       300 * time.Millisecond,
		BackoffFunc: retry.DoubleDelay,
		Clock:       clock.WallClock,
	})
	return desc, err
}

func (c *Client) getFlavorOnce(ctx context.Context, flavor string) (FlavorDescriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiPrefix+"/flavors/"+flavor, nil)
	if err != nil {
		return FlavorDescriptor{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return FlavorDescriptor{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return FlavorDescriptor{}, fmt.Errorf("planner: unexpected status %d fetching flavor %s", resp.StatusCode, flavor)
	}
	var desc FlavorDescriptor
	if err := json.NewDecoder(resp.Body).Decode(&desc); err != nil {
		return FlavorDescriptor{}, fmt.Errorf("decoding flavor descriptor: %w", err)
	}
	return desc, nil
}

// StreamPressure opens a long-lived GET against the flavor's pressure
// endpoint and returns a channel of updates, one per newline-delimited
// JSON line. The channel is closed when the stream ends, errors, or ctx
// is cancelled; the caller distinguishes these by checking ctx.Err()
// after the channel closes.
func (c *Client) StreamPressure(ctx context.Context, flavor string) (<-chan PressureUpdate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiPrefix+"/flavors/"+flavor+"/pressure?stream=true", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("planner: unexpected status %d streaming pressure for %s", resp.StatusCode, flavor)
	}

	out := make(chan PressureUpdate)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var update PressureUpdate
			if err := json.Unmarshal([]byte(line), &update); err != nil {
				continue
			}
			select {
			case out <- update:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}
