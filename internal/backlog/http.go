package backlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type HTTPConfig struct {
	// URL is the base; /pending and /ack are appended.
	URL     string
	Token   string
	Timeout time.Duration
	Client  *http.Client
}

// HTTP speaks to a backlog service:
//
//	GET  {url}/pending?filter=...  -> [{recipient_id, messages:[{id, body, media_url}]}]
//	POST {url}/ack                 <- {message_id, status, metadata}
type HTTP struct {
	base    string
	token   string
	timeout time.Duration
	client  *http.Client
}

func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if base == "" {
		return nil, fmt.Errorf("backlog: url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("backlog: bad url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &HTTP{base: base, token: strings.TrimSpace(cfg.Token), timeout: timeout, client: client}, nil
}

func (h *HTTP) FetchPending(ctx context.Context, filter string) ([]Group, error) {
	u := h.base + "/pending"
	if filter != "" {
		u += "?" + url.Values{"filter": {filter}}.Encode()
	}
	body, err := h.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	var groups []Group
	if err := json.Unmarshal(body, &groups); err != nil {
		return nil, fmt.Errorf("backlog pending: decode: %w", err)
	}
	return groups, nil
}

func (h *HTTP) Acknowledge(ctx context.Context, a Ack) error {
	b, err := json.Marshal(a)
	if err != nil {
		return err
	}
	_, err = h.do(ctx, http.MethodPost, h.base+"/ack", b)
	return err
}

func (h *HTTP) do(ctx context.Context, method, u string, payload []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backlog %s %s: %w", method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("backlog %s %s: read: %w", method, req.URL.Path, err)
	}
	if resp.StatusCode/100 != 2 {
		snippet := strings.TrimSpace(string(body))
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return nil, fmt.Errorf("backlog %s %s: http %d: %s", method, req.URL.Path, resp.StatusCode, snippet)
	}
	return body, nil
}
