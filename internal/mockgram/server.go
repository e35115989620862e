// Package mockgram is an offline stand-in for the Telegram Bot API: it
// records outbound calls, serves getUpdates from injected messages, and
// can simulate rate limiting. One process backs any number of bot tokens.
package mockgram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
)

// Message is one outbound sendMessage/editMessageText record.
type Message struct {
	MessageID int64       `json:"message_id"`
	ChatID    int64       `json:"chat_id"`
	Text      string      `json:"text"`
	ParseMode string      `json:"parse_mode,omitempty"`
	Edits     int         `json:"edits"`
	Markup    interface{} `json:"reply_markup,omitempty"`
}

// FileUpload is one recorded sendPhoto/sendDocument call.
type FileUpload struct {
	Kind     string `json:"kind"`
	ChatID   string `json:"chat_id"`
	FileName string `json:"file_name"`
	Caption  string `json:"caption"`
	Size     int64  `json:"size"`
}

type rateLimitRule struct {
	remaining  int
	retryAfter int
}

type botState struct {
	nextUpdateID  int64
	nextMessageID int64
	updates       []json.RawMessage
	messages      []*Message
	uploads       []FileUpload
	callbackAcks  []string
	webhookURL    string
	rateLimits    map[string]*rateLimitRule
}

// Server is the in-memory mock platform.
type Server struct {
	mu   sync.Mutex
	bots map[string]*botState
}

// NewServer creates an empty mock platform.
func NewServer() *Server {
	return &Server{bots: map[string]*botState{}}
}

func (s *Server) bot(token string) *botState {
	state, ok := s.bots[token]
	if !ok {
		state = &botState{
			nextUpdateID:  1,
			nextMessageID: 1,
			rateLimits:    map[string]*rateLimitRule{},
		}
		s.bots[token] = state
	}
	return state
}

// InjectMessage queues a user text message as the next update and returns
// its update_id.
func (s *Server) InjectMessage(token string, chatID, userID int64, text string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.bot(token)

	updateID := state.nextUpdateID
	state.nextUpdateID++
	payload, _ := json.Marshal(map[string]interface{}{
		"update_id": updateID,
		"message": map[string]interface{}{
			"message_id": updateID,
			"chat":       map[string]interface{}{"id": chatID},
			"from":       map[string]interface{}{"id": userID},
			"text":       text,
		},
	})
	state.updates = append(state.updates, payload)
	return updateID
}

// InjectCallback queues a callback-query update and returns its update_id.
func (s *Server) InjectCallback(token string, chatID, userID int64, callbackID, data string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.bot(token)

	updateID := state.nextUpdateID
	state.nextUpdateID++
	payload, _ := json.Marshal(map[string]interface{}{
		"update_id": updateID,
		"callback_query": map[string]interface{}{
			"id":   callbackID,
			"from": map[string]interface{}{"id": userID},
			"data": data,
			"message": map[string]interface{}{
				"message_id": updateID,
				"chat":       map[string]interface{}{"id": chatID},
			},
		},
	})
	state.updates = append(state.updates, payload)
	return updateID
}

// SetRateLimit makes the next `times` calls of `method` answer 429 with the
// given retry_after.
func (s *Server) SetRateLimit(token, method string, times, retryAfter int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bot(token).rateLimits[method] = &rateLimitRule{remaining: times, retryAfter: retryAfter}
}

// Messages returns the outbound messages recorded for a token.
func (s *Server) Messages(token string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.bot(token)
	out := make([]Message, 0, len(state.messages))
	for _, m := range state.messages {
		out = append(out, *m)
	}
	return out
}

// CallbackAcks returns the acknowledged callback query ids for a token.
func (s *Server) CallbackAcks(token string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.bot(token).callbackAcks...)
}

// Uploads returns the recorded file uploads for a token.
func (s *Server) Uploads(token string) []FileUpload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]FileUpload(nil), s.bot(token).uploads...)
}

// Router builds the gin router serving the Bot API subset plus the
// /mock/* control surface. Bot API paths ("/bot<token>/<method>") are
// dispatched from NoRoute so the token wildcard cannot collide with the
// static /mock routes.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.NoRoute(s.handleBotMethod)

	router.POST("/mock/inject/:token", func(c *gin.Context) {
		var body struct {
			ChatID int64  `json:"chat_id"`
			UserID int64  `json:"user_id"`
			Text   string `json:"text"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
			return
		}
		updateID := s.InjectMessage(c.Param("token"), body.ChatID, body.UserID, body.Text)
		c.JSON(http.StatusOK, gin.H{"ok": true, "update_id": updateID})
	})

	router.POST("/mock/rate_limit/:token", func(c *gin.Context) {
		var body struct {
			Method     string `json:"method"`
			Times      int    `json:"times"`
			RetryAfter int    `json:"retry_after"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
			return
		}
		s.SetRateLimit(c.Param("token"), body.Method, body.Times, body.RetryAfter)
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	router.GET("/mock/messages/:token", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "messages": s.Messages(c.Param("token"))})
	})

	return router
}

func (s *Server) handleBotMethod(c *gin.Context) {
	parts := strings.Split(strings.Trim(c.Request.URL.Path, "/"), "/")
	if len(parts) != 2 || !strings.HasPrefix(parts[0], "bot") {
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "description": "not found"})
		return
	}
	token := strings.TrimPrefix(parts[0], "bot")
	method := parts[1]

	s.mu.Lock()
	state := s.bot(token)
	if rule, ok := state.rateLimits[method]; ok && rule.remaining > 0 {
		rule.remaining--
		retryAfter := rule.retryAfter
		s.mu.Unlock()
		c.JSON(http.StatusTooManyRequests, gin.H{
			"ok":          false,
			"description": "Too Many Requests",
			"parameters":  gin.H{"retry_after": retryAfter},
		})
		return
	}
	s.mu.Unlock()

	switch method {
	case "getMe":
		c.JSON(http.StatusOK, gin.H{"ok": true, "result": gin.H{"id": 1, "is_bot": true, "username": "mockgram"}})

	case "sendMessage":
		s.handleSendMessage(c, token)

	case "editMessageText":
		s.handleEditMessage(c, token)

	case "answerCallbackQuery":
		var body struct {
			CallbackQueryID string `json:"callback_query_id"`
		}
		if err := c.ShouldBindJSON(&body); err != nil || body.CallbackQueryID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "description": "callback_query_id is required"})
			return
		}
		s.mu.Lock()
		s.bot(token).callbackAcks = append(s.bot(token).callbackAcks, body.CallbackQueryID)
		s.mu.Unlock()
		c.JSON(http.StatusOK, gin.H{"ok": true, "result": true})

	case "sendPhoto", "sendDocument":
		s.handleFileUpload(c, token, method)

	case "getUpdates":
		s.handleGetUpdates(c, token)

	case "setWebhook":
		var body struct {
			URL string `json:"url"`
		}
		_ = c.ShouldBindJSON(&body)
		s.mu.Lock()
		s.bot(token).webhookURL = body.URL
		s.mu.Unlock()
		c.JSON(http.StatusOK, gin.H{"ok": true, "result": true})

	case "deleteWebhook":
		s.mu.Lock()
		s.bot(token).webhookURL = ""
		s.mu.Unlock()
		c.JSON(http.StatusOK, gin.H{"ok": true, "result": true})

	default:
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "description": "unknown method " + method})
	}
}

func (s *Server) handleSendMessage(c *gin.Context, token string) {
	var body struct {
		ChatID      int64       `json:"chat_id"`
		Text        string      `json:"text"`
		ParseMode   string      `json:"parse_mode"`
		ReplyMarkup interface{} `json:"reply_markup"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.ChatID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "description": "chat_id is required"})
		return
	}

	s.mu.Lock()
	state := s.bot(token)
	messageID := state.nextMessageID
	state.nextMessageID++
	state.messages = append(state.messages, &Message{
		MessageID: messageID,
		ChatID:    body.ChatID,
		Text:      body.Text,
		ParseMode: body.ParseMode,
		Markup:    body.ReplyMarkup,
	})
	s.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"ok": true, "result": gin.H{"message_id": messageID}})
}

func (s *Server) handleEditMessage(c *gin.Context, token string) {
	var body struct {
		ChatID    int64  `json:"chat_id"`
		MessageID int64  `json:"message_id"`
		Text      string `json:"text"`
		ParseMode string `json:"parse_mode"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.MessageID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "description": "message_id is required"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, message := range s.bot(token).messages {
		if message.MessageID == body.MessageID && message.ChatID == body.ChatID {
			message.Text = body.Text
			message.ParseMode = body.ParseMode
			message.Edits++
			c.JSON(http.StatusOK, gin.H{"ok": true, "result": gin.H{"message_id": body.MessageID}})
			return
		}
	}
	c.JSON(http.StatusBadRequest, gin.H{"ok": false, "description": "message to edit not found"})
}

func (s *Server) handleFileUpload(c *gin.Context, token, method string) {
	kind := "document"
	field := "document"
	if method == "sendPhoto" {
		kind = "photo"
		field = "photo"
	}

	file, header, err := c.Request.FormFile(field)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "description": field + " file is required"})
		return
	}
	size, _ := io.Copy(io.Discard, file)
	file.Close()

	s.mu.Lock()
	state := s.bot(token)
	state.uploads = append(state.uploads, FileUpload{
		Kind:     kind,
		ChatID:   c.Request.FormValue("chat_id"),
		FileName: header.Filename,
		Caption:  c.Request.FormValue("caption"),
		Size:     size,
	})
	messageID := state.nextMessageID
	state.nextMessageID++
	s.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"ok": true, "result": gin.H{"message_id": messageID}})
}

func (s *Server) handleGetUpdates(c *gin.Context, token string) {
	var body struct {
		Offset int64 `json:"offset"`
		Limit  int   `json:"limit"`
	}
	_ = c.ShouldBindJSON(&body)
	if body.Limit <= 0 || body.Limit > 100 {
		body.Limit = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.bot(token)

	var result []json.RawMessage
	for _, raw := range state.updates {
		var head struct {
			UpdateID int64 `json:"update_id"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			continue
		}
		if body.Offset > 0 && head.UpdateID < body.Offset {
			continue
		}
		result = append(result, raw)
		if len(result) >= body.Limit {
			break
		}
	}
	if result == nil {
		result = []json.RawMessage{}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "result": result})
}

// Serve runs the mock platform until the context is cancelled.
func (s *Server) Serve(ctx context.Context, addr string, out io.Writer) error {
	srv := &http.Server{Addr: addr, Handler: s.Router()}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()
	if out != nil {
		fmt.Fprintf(out, "mockgram: listening on %s\n", addr)
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("mockgram: serve: %w", err)
	}
	return nil
}
