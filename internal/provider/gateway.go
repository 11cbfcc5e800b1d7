package provider

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

	"wa-linepool/internal/lines"
)

// Gateway talks to an HTTP messaging gateway that hosts one session per line
// handle:
//
//	POST {base}/instances/{handle}/messages/text   {"number": "...", "text": "..."}
//	GET  {base}/instances/{handle}/connection-state -> {"state": "open"}
type Gateway struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewGateway(baseURL, token string, timeout time.Duration) *Gateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Gateway{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client:  &http.Client{Timeout: timeout},
	}
}

func (g *Gateway) Name() string { return "gateway" }

type sendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

type sendTextResponse struct {
	ID string `json:"id"`
}

type connectionStateResponse struct {
	State string `json:"state"`
}

func (g *Gateway) SendText(ctx context.Context, handle, phone, text string) (SendReceipt, error) {
	body, err := json.Marshal(sendTextRequest{Number: strings.TrimPrefix(phone, "+"), Text: text})
	if err != nil {
		return SendReceipt{}, err
	}
	var out sendTextResponse
	if err := g.do(ctx, http.MethodPost, g.instancePath(handle, "messages/text"), body, &out); err != nil {
		return SendReceipt{}, err
	}
	return SendReceipt{ProviderMessageID: out.ID, SentAt: time.Now().UTC()}, nil
}

func (g *Gateway) ConnectionState(ctx context.Context, handle string) (ConnState, error) {
	var out connectionStateResponse
	if err := g.do(ctx, http.MethodGet, g.instancePath(handle, "connection-state"), nil, &out); err != nil {
		return StateUnknown, err
	}
	return ParseConnState(out.State), nil
}

func (g *Gateway) instancePath(handle, tail string) string {
	return g.BaseURL + "/instances/" + url.PathEscape(handle) + "/" + tail
}

func (g *Gateway) do(ctx context.Context, method, target string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.Token)
	}

	resp, err := g.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", lines.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s %s: status %d: %s", lines.ErrProviderUnavailable, method, target, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("%w: decode: %w", lines.ErrProviderUnavailable, err)
	}
	return nil
}
