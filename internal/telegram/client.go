// Package telegram implements the Bot API surface the core consumes:
// send/edit/ack primitives, file uploads, webhook management and long
// polling. Rate-limit responses surface as RateLimitError so callers can
// honour retry_after.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// API is the platform client interface the core consumes. Implemented by
// Client; tests substitute fakes.
type API interface {
	SendMessage(ctx context.Context, chatID int64, text string, opts *SendOptions) (int64, error)
	EditMessageText(ctx context.Context, chatID, messageID int64, text string, opts *SendOptions) error
	AnswerCallbackQuery(ctx context.Context, callbackQueryID, text string) error
	SendPhoto(ctx context.Context, chatID int64, filePath, caption string) error
	SendDocument(ctx context.Context, chatID int64, filePath, caption string) error
}

// APIError is a non-rate-limit Bot API failure.
type APIError struct {
	Method      string
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram: %s failed: %s", e.Method, e.Description)
}

// RateLimitError is a 429 response carrying the platform's retry_after.
type RateLimitError struct {
	Method     string
	RetryAfter int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("telegram: %s rate limited, retry after %ds", e.Method, e.RetryAfter)
}

// RateLimitObserver is invoked once per rate-limited call, before the error
// is returned. Used to feed the telegram_rate_limit_retry.<method> counters.
type RateLimitObserver func(method string, retryAfter int)

// SendOptions carries the optional sendMessage/editMessageText fields.
type SendOptions struct {
	ParseMode             string
	DisableWebPagePreview bool
	ReplyMarkup           interface{}
}

// Update is one entry from getUpdates: the parsed id plus the verbatim
// envelope, which is what gets persisted.
type Update struct {
	UpdateID int64
	Raw      json.RawMessage
}

// Client talks to one bot's Bot API endpoint.
type Client struct {
	token       string
	base        string
	httpClient  *http.Client
	onRateLimit RateLimitObserver
}

// ClientOpts holds parameters for NewClient.
type ClientOpts struct {
	Token       string
	BaseURL     string // defaults to https://api.telegram.org
	OnRateLimit RateLimitObserver
	HTTPClient  *http.Client
}

// NewClient creates a Client.
func NewClient(opts ClientOpts) (*Client, error) {
	if opts.Token == "" {
		return nil, fmt.Errorf("telegram: token is required")
	}
	base := opts.BaseURL
	if base == "" {
		base = "https://api.telegram.org"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		token:       opts.Token,
		base:        strings.TrimRight(base, "/") + "/bot" + opts.Token,
		httpClient:  httpClient,
		onRateLimit: opts.OnRateLimit,
	}, nil
}

// GetMe fetches the bot's own identity.
func (c *Client) GetMe(ctx context.Context) (map[string]interface{}, error) {
	return c.requestObject(ctx, "getMe", map[string]interface{}{})
}

// SendMessage posts a message and returns the new message_id.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, opts *SendOptions) (int64, error) {
	payload := map[string]interface{}{"chat_id": chatID, "text": text}
	applySendOptions(payload, opts)
	result, err := c.requestObject(ctx, "sendMessage", payload)
	if err != nil {
		return 0, err
	}
	id, ok := result["message_id"].(float64)
	if !ok {
		return 0, &APIError{Method: "sendMessage", Description: "missing message_id"}
	}
	return int64(id), nil
}

// EditMessageText rewrites an existing message in place.
func (c *Client) EditMessageText(ctx context.Context, chatID, messageID int64, text string, opts *SendOptions) error {
	payload := map[string]interface{}{"chat_id": chatID, "message_id": messageID, "text": text}
	applySendOptions(payload, opts)
	_, err := c.requestObject(ctx, "editMessageText", payload)
	return err
}

// AnswerCallbackQuery acknowledges one callback query.
func (c *Client) AnswerCallbackQuery(ctx context.Context, callbackQueryID, text string) error {
	payload := map[string]interface{}{"callback_query_id": callbackQueryID}
	if text != "" {
		payload["text"] = text
	}
	_, err := c.requestResult(ctx, "answerCallbackQuery", payload)
	return err
}

// SendPhoto uploads a local image file as a photo.
func (c *Client) SendPhoto(ctx context.Context, chatID int64, filePath, caption string) error {
	return c.sendFile(ctx, "sendPhoto", "photo", chatID, filePath, caption)
}

// SendDocument uploads a local file as a document.
func (c *Client) SendDocument(ctx context.Context, chatID int64, filePath, caption string) error {
	return c.sendFile(ctx, "sendDocument", "document", chatID, filePath, caption)
}

// RegisterWebhook points the platform at the given public URL, replacing
// any previous webhook.
func (c *Client) RegisterWebhook(ctx context.Context, publicURL, secretToken string) error {
	if err := c.DeleteWebhook(ctx, false); err != nil {
		return err
	}
	_, err := c.requestResult(ctx, "setWebhook", map[string]interface{}{
		"url":                  publicURL,
		"secret_token":         secretToken,
		"drop_pending_updates": false,
	})
	return err
}

// DeleteWebhook removes the webhook so getUpdates polling can take over.
func (c *Client) DeleteWebhook(ctx context.Context, dropPending bool) error {
	_, err := c.requestResult(ctx, "deleteWebhook", map[string]interface{}{
		"drop_pending_updates": dropPending,
	})
	return err
}

// GetUpdates long-polls for new updates starting at offset (0 = from the
// platform's own cursor).
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeoutSec, limit int) ([]Update, error) {
	payload := map[string]interface{}{
		"timeout":         timeoutSec,
		"limit":           limit,
		"allowed_updates": []string{"message", "callback_query"},
	}
	if offset > 0 {
		payload["offset"] = offset
	}
	result, err := c.requestResult(ctx, "getUpdates", payload)
	if err != nil {
		return nil, err
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(result, &raws); err != nil {
		return nil, &APIError{Method: "getUpdates", Description: "non-list result"}
	}
	updates := make([]Update, 0, len(raws))
	for _, raw := range raws {
		var head struct {
			UpdateID int64 `json:"update_id"`
		}
		if err := json.Unmarshal(raw, &head); err != nil || head.UpdateID == 0 {
			continue
		}
		updates = append(updates, Update{UpdateID: head.UpdateID, Raw: raw})
	}
	return updates, nil
}

func applySendOptions(payload map[string]interface{}, opts *SendOptions) {
	if opts == nil {
		return
	}
	if opts.ParseMode != "" {
		payload["parse_mode"] = opts.ParseMode
	}
	if opts.DisableWebPagePreview {
		payload["disable_web_page_preview"] = true
	}
	if opts.ReplyMarkup != nil {
		payload["reply_markup"] = opts.ReplyMarkup
	}
}

func (c *Client) methodURL(method string) string {
	return c.base + "/" + method
}

func (c *Client) sendFile(ctx context.Context, method, field string, chatID int64, filePath, caption string) error {
	info, err := os.Stat(filePath)
	if err != nil || info.IsDir() {
		return &APIError{Method: method, Description: fmt.Sprintf("file not found: %s", filePath)}
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := writer.WriteField("chat_id", fmt.Sprintf("%d", chatID)); err != nil {
		return fmt.Errorf("telegram: %s form: %w", method, err)
	}
	if caption != "" {
		if err := writer.WriteField("caption", caption); err != nil {
			return fmt.Errorf("telegram: %s form: %w", method, err)
		}
	}
	part, err := writer.CreateFormFile(field, filepath.Base(filePath))
	if err != nil {
		return fmt.Errorf("telegram: %s form: %w", method, err)
	}
	fh, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("telegram: %s open: %w", method, err)
	}
	_, copyErr := io.Copy(part, fh)
	fh.Close()
	if copyErr != nil {
		return fmt.Errorf("telegram: %s copy: %w", method, copyErr)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("telegram: %s form: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(method), &body)
	if err != nil {
		return fmt.Errorf("telegram: %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: %s: %w", method, err)
	}
	defer resp.Body.Close()
	_, err = c.parseResponse(method, resp)
	return err
}

func (c *Client) requestResult(ctx context.Context, method string, payload map[string]interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("telegram: %s marshal: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(method), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("telegram: %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: %s: %w", method, err)
	}
	defer resp.Body.Close()
	return c.parseResponse(method, resp)
}

func (c *Client) requestObject(ctx context.Context, method string, payload map[string]interface{}) (map[string]interface{}, error) {
	result, err := c.requestResult(ctx, method, payload)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return map[string]interface{}{}, nil
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(result, &obj); err != nil {
		return nil, &APIError{Method: method, Description: "expected object result"}
	}
	return obj, nil
}

func (c *Client) parseResponse(method string, resp *http.Response) (json.RawMessage, error) {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("telegram: %s read: %w", method, err)
	}

	var envelope struct {
		OK          bool            `json:"ok"`
		Result      json.RawMessage `json:"result"`
		Description string          `json:"description"`
		Parameters  struct {
			RetryAfter int `json:"retry_after"`
		} `json:"parameters"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, &APIError{Method: method, Description: "invalid JSON response"}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := envelope.Parameters.RetryAfter
		if retryAfter < 1 {
			retryAfter = 1
		}
		if c.onRateLimit != nil {
			c.onRateLimit(method, retryAfter)
		}
		return nil, &RateLimitError{Method: method, RetryAfter: retryAfter}
	}
	if resp.StatusCode >= 400 || !envelope.OK {
		desc := envelope.Description
		if desc == "" {
			desc = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
		return nil, &APIError{Method: method, Description: desc}
	}
	return envelope.Result, nil
}
