// Package brain is the HTTP client for the dialog-brain service.
package brain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/basita512/Conversational-IVR/internal/service/reply"
)

// maxReplyBytes bounds a reply body; a minute of 16 kHz WAV is under 2 MiB.
const maxReplyBytes = 32 << 20

// ErrUnexpectedStatus is returned for any non-200 response.
var ErrUnexpectedStatus = errors.New("unexpected dialog-brain status")

// Request is the body POSTed for every accepted transcription.
type Request struct {
	CallUUID      string `json:"call_uuid"`
	Transcription string `json:"transcription"`
}

// Client posts transcriptions and decodes the multipart replies.
type Client struct {
	url     string
	timeout time.Duration
	http    *http.Client
}

// New creates a client for url. Each Ask is bounded by timeout when it is
// positive.
func New(url string, timeout time.Duration, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{url: url, timeout: timeout, http: httpClient}
}

// Ask sends the caller's words and returns the decoded reply. A body that
// fails to decode returns the (empty) reply together with an error wrapping
// reply.ErrMalformedEnvelope.
func (c *Client) Ask(ctx context.Context, callID, transcription string) (*reply.Reply, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	payload, err := json.Marshal(Request{CallUUID: callID, Transcription: transcription})
	if err != nil {
		return nil, fmt.Errorf("marshal brain request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build brain request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "multipart/mixed, application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("brain request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: %d %s", ErrUnexpectedStatus, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return nil, fmt.Errorf("read brain reply: %w", err)
	}
	return reply.Decode(resp.Header.Get("Content-Type"), body)
}
