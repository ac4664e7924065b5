// Package invoker implements the Atom Invoker (§4.7): per-atom HTTP POST
// with linear-backoff retries, surfacing a `success=false` atom response as
// retryable alongside outright transport failure. Grounded on
// TrinityAgent/llm_client.py's call_with_retry (fixed-delay retry loop)
// reimplemented with real backoff timers, and on
// internal/brain/planner.go's executeToolsParallel for the sibling
// atom_retry event emission idiom.
package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/basegraph-relay/reactor/internal/domain"
)

// Request is the wire body POSTed to an atom endpoint (§6.4).
type Request struct {
	Prompt         string                 `json:"prompt"`
	SessionID      string                 `json:"session_id"`
	ChatID         string                 `json:"chat_id,omitempty"`
	ClientName     string                 `json:"client_name,omitempty"`
	AppName        string                 `json:"app_name,omitempty"`
	ProjectName    string                 `json:"project_name,omitempty"`
}

// RetryObserver is notified before each retry attempt, the engine's hook
// for emitting atom_retry{attempt, reason} (§4.10).
type RetryObserver func(attempt int, reason string)

// Invoker calls atom endpoints over HTTP with bounded retry.
type Invoker struct {
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
}

// New builds an Invoker. maxRetries is the total attempt budget (§5's
// ATOM_RETRIES=3 default); backoff is the linear step between attempts
// (attempt N waits N*backoff).
func New(httpClient *http.Client, maxRetries int, backoff time.Duration) *Invoker {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Invoker{httpClient: httpClient, maxRetries: maxRetries, backoff: backoff}
}

// retryableMessages are substrings of an atom's reported error that mark a
// success=false response as worth retrying rather than a terminal failure.
var retryableMessages = []string{
	"timeout", "timed out", "temporarily unavailable", "connection reset",
	"try again", "rate limit", "busy",
}

// Invoke POSTs req to endpoint, retrying up to maxRetries attempts when the
// transport fails or the atom reports success=false with a retryable
// message. observer, if non-nil, is called before each retry.
func (inv *Invoker) Invoke(ctx context.Context, endpoint string, req Request, observer RetryObserver) (domain.AtomResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return domain.AtomResult{}, fmt.Errorf("marshal atom request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= inv.maxRetries; attempt++ {
		result, err := inv.attempt(ctx, endpoint, body)
		if err == nil && (result.Success || !isRetryableResult(result)) {
			return result, nil
		}

		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("atom reported failure: %s", result.Error)
		}

		if attempt == inv.maxRetries {
			if err != nil {
				return domain.AtomResult{}, fmt.Errorf("invoke atom %q: %w", endpoint, lastErr)
			}
			return result, nil
		}

		if observer != nil {
			observer(attempt, lastErr.Error())
		}

		select {
		case <-ctx.Done():
			return domain.AtomResult{}, ctx.Err()
		case <-time.After(time.Duration(attempt) * inv.backoff):
		}
	}

	return domain.AtomResult{}, fmt.Errorf("invoke atom %q: %w", endpoint, lastErr)
}

func (inv *Invoker) attempt(ctx context.Context, endpoint string, body []byte) (domain.AtomResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.AtomResult{}, fmt.Errorf("build atom request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := inv.httpClient.Do(httpReq)
	if err != nil {
		return domain.AtomResult{}, fmt.Errorf("transport: %w", err)
	}
	defer resp.Body.Close()

	var result domain.AtomResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return domain.AtomResult{}, fmt.Errorf("decode atom response: %w", err)
	}
	if resp.StatusCode >= 400 && result.Error == "" {
		result.Error = fmt.Sprintf("atom endpoint returned status %d", resp.StatusCode)
		result.Success = false
	}
	return result, nil
}

func isRetryableResult(result domain.AtomResult) bool {
	lowered := strings.ToLower(result.Error)
	for _, phrase := range retryableMessages {
		if strings.Contains(lowered, phrase) {
			return true
		}
	}
	return false
}

// ErrNoEndpoint is returned when the engine asks to invoke an atom id the
// registry has no endpoint for.
var ErrNoEndpoint = errors.New("no endpoint registered for atom")
