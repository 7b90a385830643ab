// Package pushclient implements the orchestrator's outbound HTTP contract
// with workers: pushing execution payloads to a worker's /execute endpoint
// and issuing /cancel/{id} requests.
package pushclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	orcherrors "github.com/polos-dev/orchestrator/pkg/errors"
)

const (
	executeTimeout = 10 * time.Second
	cancelTimeout  = 30 * time.Second

	pushMaxAttempts = 3
)

// Outcome classifies the result of a push attempt so the dispatcher knows
// whether to bump the worker's failure counter.
type Outcome int

const (
	// OutcomeAccepted means the worker returned 200 and took the work.
	OutcomeAccepted Outcome = iota
	// OutcomeOverloaded means the worker returned 429; not a failure.
	OutcomeOverloaded
	// OutcomeFailed means the worker returned 503, any other status, or the
	// request could not be completed at all (including connection refused).
	OutcomeFailed
)

// Client pushes execution payloads to worker-owned HTTP endpoints.
type Client struct {
	httpClient *http.Client
}

func New() *Client {
	return &Client{httpClient: &http.Client{}}
}

// Push POSTs body to baseURL+"/execute" with the given worker id header and
// a fixed 10s timeout, classifying the result per the worker push contract.
//
// A connection-level failure (refused, DNS, timeout) is retried a couple of
// times with a short exponential backoff before being classified as
// OutcomeFailed, since a worker flapping for a few hundred milliseconds
// should not immediately cost it a strike on the failure counter. A reply
// from the worker, of any status code, is never retried.
func (c *Client) Push(ctx context.Context, baseURL string, workerID uuid.UUID, body any) (Outcome, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return OutcomeFailed, orcherrors.Internal("marshal execute payload", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond

	outcome, err := backoff.Retry(ctx, func() (Outcome, error) {
		reqCtx, cancel := context.WithTimeout(ctx, executeTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, baseURL+"/execute", bytes.NewReader(payload))
		if err != nil {
			return OutcomeFailed, backoff.Permanent(orcherrors.Internal("build execute request", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Worker-ID", workerID.String())

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return OutcomeFailed, err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		switch resp.StatusCode {
		case http.StatusOK:
			return OutcomeAccepted, nil
		case http.StatusTooManyRequests:
			return OutcomeOverloaded, nil
		default:
			return OutcomeFailed, nil
		}
	}, backoff.WithBackOff(b), backoff.WithMaxTries(pushMaxAttempts))
	if err != nil {
		// every attempt was a connection-level failure; the worker counts
		// this as a strike same as a bad status code would.
		return OutcomeFailed, nil
	}
	return outcome, nil
}

// CancelResult distinguishes a worker that acknowledged a cancel from one
// that reports it no longer knows about the execution.
type CancelResult int

const (
	CancelAcknowledged CancelResult = iota
	CancelGone
	CancelUnreachable
)

// Cancel POSTs to baseURL+"/cancel/{executionID}" with a 30s timeout.
func (c *Client) Cancel(ctx context.Context, baseURL string, executionID uuid.UUID) (CancelResult, error) {
	ctx, cancel := context.WithTimeout(ctx, cancelTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/cancel/%s", baseURL, executionID.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return CancelUnreachable, orcherrors.Internal("build cancel request", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return CancelUnreachable, nil
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return CancelAcknowledged, nil
	case http.StatusNotFound:
		return CancelGone, nil
	default:
		return CancelUnreachable, nil
	}
}
