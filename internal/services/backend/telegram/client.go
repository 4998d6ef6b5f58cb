// Package telegram implements the fetch-client port on top of the Telegram
// Bot API: getChat as the container access probe, getFile as the object
// handle lookup, and ranged GETs against the file endpoint for byte ranges.
// File paths returned by getFile expire server-side, which is why callers
// resolve a fresh handle per worker instead of sharing one.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"mediastream/internal/domain"
	"mediastream/internal/domain/ports"
)

const (
	defaultAPIBase = "https://api.telegram.org"
	apiTimeout     = 15 * time.Second
)

// Telegram throttles bots around 30 requests/second; stay under it per
// client so parallel chunk fetches do not trip flood control.
const requestsPerSecond = 25

type Client struct {
	token     string
	botID     string
	base      string
	httpc     *http.Client
	limiter   *rate.Limiter
	connected atomic.Bool
}

func NewClient(token, apiBase string) *Client {
	base := strings.TrimRight(strings.TrimSpace(apiBase), "/")
	if base == "" {
		base = defaultAPIBase
	}
	botID := token
	if i := strings.IndexByte(token, ':'); i > 0 {
		botID = token[:i]
	}
	c := &Client{
		token:   token,
		botID:   botID,
		base:    base,
		httpc:   &http.Client{Timeout: 0},
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond),
	}
	c.connected.Store(true)
	return c
}

// NewClients builds one client per token, skipping blanks.
func NewClients(tokens []string, apiBase string) []ports.FetchClient {
	out := make([]ports.FetchClient, 0, len(tokens))
	for _, token := range tokens {
		if strings.TrimSpace(token) == "" {
			continue
		}
		out = append(out, NewClient(token, apiBase))
	}
	return out
}

func (c *Client) ID() string { return "bot:" + c.botID }

func (c *Client) Connected() bool { return c.connected.Load() }

// SetConnected toggles the client's usability, e.g. after repeated API
// failures observed by a supervisor.
func (c *Client) SetConnected(ok bool) { c.connected.Store(ok) }

type apiEnvelope struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
	// Description is set on ok=false responses.
	Description string `json:"description"`
}

func (c *Client) call(ctx context.Context, method string, payload any, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, apiTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/bot%s/%s", c.base, c.token, method)
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var envelope apiEnvelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&envelope); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if !envelope.OK {
		return fmt.Errorf("%s: api error: %s", method, envelope.Description)
	}
	if result != nil {
		return json.Unmarshal(envelope.Result, result)
	}
	return nil
}

func (c *Client) ProbeAccess(ctx context.Context, ref domain.ContainerRef) bool {
	err := c.call(ctx, "getChat", map[string]string{"chat_id": ref.ChatID}, nil)
	return err == nil
}

type fileResult struct {
	FileID   string `json:"file_id"`
	FileSize int64  `json:"file_size"`
	FilePath string `json:"file_path"`
}

func (c *Client) ObjectHandle(ctx context.Context, ref domain.ContainerRef, loc domain.ObjectLocator) (ports.ObjectHandle, error) {
	if strings.TrimSpace(loc.FileID) == "" {
		return ports.ObjectHandle{}, fmt.Errorf("object in chat %s message %d has no file id", ref.ChatID, loc.MessageID)
	}
	var res fileResult
	if err := c.call(ctx, "getFile", map[string]string{"file_id": loc.FileID}, &res); err != nil {
		return ports.ObjectHandle{}, err
	}
	if res.FilePath == "" {
		return ports.ObjectHandle{}, fmt.Errorf("getFile returned no file path for message %d", loc.MessageID)
	}
	return ports.ObjectHandle{FileID: res.FilePath, Size: res.FileSize}, nil
}

// RangeRead streams [offset, offset+limit) of the file. limit 0 reads to
// the end. The file endpoint may answer a plain 200 ignoring the Range
// header; the offset is then consumed client-side so callers always see
// bytes starting at offset.
func (c *Client) RangeRead(ctx context.Context, handle ports.ObjectHandle, offset, limit int64) (io.ReadCloser, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/file/bot%s/%s", c.base, c.token, handle.FileID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if limit > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+limit-1))
	} else if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode {
	case http.StatusPartialContent:
		return resp.Body, nil
	case http.StatusOK:
		if offset == 0 && limit == 0 {
			return resp.Body, nil
		}
		return newWindowReader(resp.Body, offset, limit), nil
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("file endpoint status %d", resp.StatusCode)
	}
}

// windowReader adapts a full-object body to a range read by discarding the
// prefix and clipping the tail.
type windowReader struct {
	body    io.ReadCloser
	discard int64
	remain  int64 // -1 = unbounded
}

func newWindowReader(body io.ReadCloser, offset, limit int64) *windowReader {
	remain := int64(-1)
	if limit > 0 {
		remain = limit
	}
	return &windowReader{body: body, discard: offset, remain: remain}
}

func (w *windowReader) Read(p []byte) (int, error) {
	if w.discard > 0 {
		if _, err := io.CopyN(io.Discard, w.body, w.discard); err != nil {
			return 0, err
		}
		w.discard = 0
	}
	if w.remain == 0 {
		return 0, io.EOF
	}
	if w.remain > 0 && int64(len(p)) > w.remain {
		p = p[:w.remain]
	}
	n, err := w.body.Read(p)
	if w.remain > 0 {
		w.remain -= int64(n)
	}
	return n, err
}

func (w *windowReader) Close() error { return w.body.Close() }
