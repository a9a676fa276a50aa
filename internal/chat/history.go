package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
	"unicode/utf8"

	cherrors "github.com/murmurapp/chatsync/internal/errors"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads so a misbehaving
	// server cannot consume unbounded memory.
	maxAPIResponseBytes = 4 * 1024 * 1024
)

// Sort orders accepted by FetchHistory.
const (
	SortAscending  = "asc"
	SortDescending = "desc"
)

// HistoryClient talks to the conversation-history REST API. It is
// stateless per call; every method takes a context and either returns
// fully decoded data or an error, never partial results.
type HistoryClient struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewHistoryClient creates a history accessor for the given API base
// URL and bearer token. If httpClient is nil, a client with a 30-second
// timeout is used.
func NewHistoryClient(baseURL, token string, httpClient *http.Client) *HistoryClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: httpClientTimeout}
	}
	return &HistoryClient{
		httpClient: httpClient,
		baseURL:    baseURL,
		token:      token,
	}
}

// historyResponse is returned from the conversation message listing.
type historyResponse struct {
	Messages []Message `json:"messages"`
	Page     int       `json:"page"`
	PageSize int       `json:"pageSize"`
	Total    int       `json:"total"`
	HasMore  bool      `json:"hasMore"`
}

// sendResponse is returned from the request/response send fallback.
type sendResponse struct {
	Message Message `json:"message"`
}

// FetchHistory returns one page of a conversation's messages.
func (c *HistoryClient) FetchHistory(ctx context.Context, peerID string, page, pageSize int, sortOrder string) ([]Message, PageInfo, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("pageSize", strconv.Itoa(pageSize))
	q.Set("sort", sortOrder)

	var resp historyResponse
	endpoint := "/conversations/" + url.PathEscape(peerID) + "/messages?" + q.Encode()
	if err := c.get(ctx, endpoint, &resp); err != nil {
		return nil, PageInfo{}, err
	}

	info := PageInfo{
		Page:     resp.Page,
		PageSize: resp.PageSize,
		Total:    resp.Total,
		HasMore:  resp.HasMore,
	}
	return resp.Messages, info, nil
}

// FetchNewerThan returns all of a conversation's messages with a
// timestamp strictly newer than sinceMillis. Used by reconnection
// recovery; the result overlaps messages already delivered via the push
// channel, which the ledger's dedup absorbs.
func (c *HistoryClient) FetchNewerThan(ctx context.Context, peerID string, sinceMillis int64) ([]Message, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(sinceMillis, 10))

	var resp historyResponse
	endpoint := "/conversations/" + url.PathEscape(peerID) + "/messages?" + q.Encode()
	if err := c.get(ctx, endpoint, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// MarkRead acknowledges a message as read on the server.
func (c *HistoryClient) MarkRead(ctx context.Context, messageID string) error {
	endpoint := "/messages/" + url.PathEscape(messageID) + "/read"
	return c.post(ctx, endpoint, struct{}{}, nil)
}

// SendFallback delivers a message over the request/response path,
// returning the server-confirmed copy. Used when the push channel is
// down.
func (c *HistoryClient) SendFallback(ctx context.Context, receiverID, content, clientRef string) (Message, error) {
	body := SendMessage{
		ReceiverID: receiverID,
		Content:    content,
		ClientRef:  clientRef,
	}

	var resp sendResponse
	if err := c.post(ctx, "/messages", body, &resp); err != nil {
		return Message{}, err
	}
	if resp.Message.ID == "" {
		return Message{}, fmt.Errorf("%w: send response missing message id", cherrors.ErrAPIResponse)
	}
	return resp.Message, nil
}

// get sends a GET request and decodes the response into result.
func (c *HistoryClient) get(ctx context.Context, endpoint string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	return c.do(req, endpoint, result)
}

// post sends a JSON POST request and decodes the response into result.
// result may be nil when the response body is irrelevant.
func (c *HistoryClient) post(ctx context.Context, endpoint string, body, result interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshalling request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, endpoint, result)
}

func (c *HistoryClient) do(req *http.Request, endpoint string, result interface{}) error {
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return &TransientError{Err: fmt.Errorf("sending request to %s: %w", endpoint, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return &TransientError{Err: fmt.Errorf("reading response from %s: %w", endpoint, err)}
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return &TransientError{Err: fmt.Errorf("%w: %s returned %d: %s",
			cherrors.ErrAPIRequest, endpoint, resp.StatusCode, sanitizeResponseBody(respBody))}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%w: %s returned %d: %s",
			cherrors.ErrAPIRequest, endpoint, resp.StatusCode, sanitizeResponseBody(respBody))
	}

	if result == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("%w: decoding %s response: %v", cherrors.ErrAPIResponse, endpoint, err)
	}
	return nil
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte
	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]
			continue
		}
		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}
		body = body[size:]
	}
	return string(clean)
}
