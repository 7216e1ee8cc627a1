package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RestClient is the synchronous fallback used when the realtime channel
// is unavailable. The server accepts the same client message id for
// idempotency, carried in the X-Client-Message-ID header.
type RestClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewRestClient creates a REST fallback client for the given base URL.
func NewRestClient(baseURL, token string) *RestClient {
	return &RestClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// Send creates the message server-side and returns the authoritative copy.
func (r *RestClient) Send(ctx context.Context, out *Outbound) (*ServerMessage, error) {
	url := fmt.Sprintf("%s/contexts/%s/messages", r.baseURL, out.ContextID)
	return r.do(ctx, http.MethodPost, url, out.ClientMsgID, out)
}

// Edit updates a message's body server-side.
func (r *RestClient) Edit(ctx context.Context, contextID, messageID, clientMsgID, body string) (*ServerMessage, error) {
	url := fmt.Sprintf("%s/contexts/%s/messages/%s", r.baseURL, contextID, messageID)
	return r.do(ctx, http.MethodPatch, url, clientMsgID, map[string]string{"body": body})
}

// Delete removes a message server-side.
func (r *RestClient) Delete(ctx context.Context, contextID, messageID, clientMsgID string) error {
	url := fmt.Sprintf("%s/contexts/%s/messages/%s", r.baseURL, contextID, messageID)
	_, err := r.do(ctx, http.MethodDelete, url, clientMsgID, nil)
	return err
}

// Connected always reports true: REST availability is only discovered
// by attempting the call.
func (r *RestClient) Connected() bool { return true }

func (r *RestClient) do(ctx context.Context, method, url, clientMsgID string, payload any) (*ServerMessage, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if clientMsgID != "" {
		req.Header.Set("X-Client-Message-ID", clientMsgID)
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, &TransientError{Op: "rest " + method, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if resp.StatusCode == http.StatusNoContent {
			return nil, nil
		}
		var msg ServerMessage
		if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return &msg, nil
	case resp.StatusCode >= 500:
		return nil, &TransientError{Op: "rest " + method, Err: fmt.Errorf("server status %d", resp.StatusCode)}
	default:
		rej := &RejectionError{Code: resp.StatusCode}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		rej.Message = strings.TrimSpace(string(data))
		if rej.Message == "" {
			rej.Message = http.StatusText(resp.StatusCode)
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			rej.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		}
		return nil, rej
	}
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// Fallback routes sends to the realtime channel when it is connected
// and to the REST client otherwise.
type Fallback struct {
	Channel *Channel
	Rest    *RestClient
}

// Send dispatches to the channel or the REST fallback.
func (f *Fallback) Send(ctx context.Context, out *Outbound) (*ServerMessage, error) {
	if f.Channel != nil && f.Channel.Connected() {
		return f.Channel.Send(ctx, out)
	}
	if f.Rest != nil {
		return f.Rest.Send(ctx, out)
	}
	return nil, ErrNotConnected
}

// Connected reports whether the realtime channel is up. The REST
// fallback deliberately does not count: the scheduler's cycle is gated
// on live connectivity.
func (f *Fallback) Connected() bool {
	return f.Channel != nil && f.Channel.Connected()
}
