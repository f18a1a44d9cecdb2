package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"taskd/internal/domain"
)

// maxBody bounds how much of a response body is copied into the task output.
const maxBody = 64 << 10

type HTTP struct {
	Client *http.Client
}

type Request struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
	Timeout int               `json:"timeout"` // seconds
}

func parse(args json.RawMessage) (Request, error) {
	var req Request
	if len(args) > 0 {
		if err := json.Unmarshal(args, &req); err != nil {
			return Request{}, domain.Invalid("arguments", "invalid HTTP request arguments: %v", err)
		}
	}
	if req.URL == "" {
		return Request{}, domain.Invalid("arguments.url", "is required")
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Request{}, domain.Invalid("arguments.url", "must be an absolute http(s) URL")
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if req.Timeout <= 0 {
		req.Timeout = 30 // default 30 seconds
	}
	return req, nil
}

func (h HTTP) Validate(args json.RawMessage) error {
	_, err := parse(args)
	return err
}

// Handle performs the request and copies the response body to out. Status
// codes of 400 and above are failures.
func (h HTTP) Handle(ctx context.Context, args json.RawMessage, out io.Writer) (string, error) {
	req, err := parse(args)
	if err != nil {
		return "", err
	}

	client := h.Client
	if client == nil {
		client = &http.Client{}
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(req.Timeout)*time.Second)
	defer cancel()

	var body io.Reader
	if req.Body != "" {
		body = bytes.NewReader([]byte(req.Body))
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return "", fmt.Errorf("failed to create HTTP request: %w", err)
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(out, io.LimitReader(resp.Body, maxBody)); err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d error", resp.StatusCode)
	}
	return fmt.Sprintf("HTTP %d", resp.StatusCode), nil
}
