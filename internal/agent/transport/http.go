// Package transport delivers visit submissions to the fieldroute API over HTTP.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/fieldroute/internal/agent/queue"
)

// DefaultTimeout bounds a single request.
const DefaultTimeout = 15 * time.Second

const maxErrorBody = 4096

var errMissingBaseURL = errors.New("transport: base url is required")

// StatusError reports a non-2xx response.
type StatusError struct {
	StatusCode int
	Message    string
	Code       string
}

func (e *StatusError) Error() string {
	message := e.Message
	if message == "" {
		message = http.StatusText(e.StatusCode)
	}
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, message)
	}
	return fmt.Sprintf("api error: status=%d: %s", e.StatusCode, message)
}

// HTTPTransport submits visits with a bearer token.
type HTTPTransport struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPTransport builds a transport. A nil client gets one with DefaultTimeout.
func NewHTTPTransport(baseURL string, httpClient *http.Client) (*HTTPTransport, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errMissingBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &HTTPTransport{baseURL: trimmed, httpClient: httpClient}, nil
}

type submitResponse struct {
	OK         *bool  `json:"ok"`
	ID         string `json:"id"`
	Idempotent bool   `json:"idempotent"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Submit posts the payload verbatim. A 2xx body that cannot be parsed is still an acknowledgment;
// only an explicit ok:false is a rejection.
func (t *HTTPTransport) Submit(ctx context.Context, token string, visitID int64, payload json.RawMessage) (queue.Ack, error) {
	resp, err := t.doRequest(ctx, http.MethodPost, visitPath(visitID, "submit"), token, payload)
	if err != nil {
		return queue.Ack{}, err
	}
	body, err := readBody(resp)
	if err != nil {
		return queue.Ack{}, err
	}

	var parsed submitResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return queue.Ack{OK: true}, nil
	}
	if parsed.OK != nil && !*parsed.OK {
		return queue.Ack{OK: false, ID: parsed.ID}, nil
	}
	return queue.Ack{OK: true, Idempotent: parsed.Idempotent, ID: parsed.ID}, nil
}

// MarkInProgress records the technician's check-in for the visit.
func (t *HTTPTransport) MarkInProgress(ctx context.Context, token string, visitID int64) error {
	resp, err := t.doRequest(ctx, http.MethodPost, visitPath(visitID, "in-progress"), token, nil)
	if err != nil {
		return err
	}
	_, err = readBody(resp)
	return err
}

func (t *HTTPTransport) doRequest(ctx context.Context, method, path, token string, body []byte) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

func readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		statusErr := &StatusError{StatusCode: resp.StatusCode}
		var parsed errorResponse
		if json.Unmarshal(raw, &parsed) == nil {
			statusErr.Message = parsed.Error
			statusErr.Code = parsed.Code
		} else {
			statusErr.Message = strings.TrimSpace(string(raw))
		}
		return nil, statusErr
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return body, nil
}

func visitPath(visitID int64, action string) string {
	return "/visits/" + strconv.FormatInt(visitID, 10) + "/" + action
}
