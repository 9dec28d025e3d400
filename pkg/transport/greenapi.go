package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/denidin/denidin/pkg/types"
)

// sendTimeout caps every outbound send.
const sendTimeout = 30 * time.Second

// GreenAPISender sends messages through a Green-API-style HTTP endpoint.
type GreenAPISender struct {
	baseURL    string
	instanceID string
	token      string
	client     *http.Client
	log        zerolog.Logger
}

var _ Transport = (*GreenAPISender)(nil)

// NewGreenAPISender builds a sender for the given instance credentials.
func NewGreenAPISender(baseURL, instanceID, token string, log zerolog.Logger) *GreenAPISender {
	return &GreenAPISender{
		baseURL:    baseURL,
		instanceID: instanceID,
		token:      token,
		client:     &http.Client{Timeout: sendTimeout},
		log:        log.With().Str("component", "transport").Logger(),
	}
}

type sendMessageRequest struct {
	ChatID  string `json:"chatId"`
	Message string `json:"message"`
}

// Reply posts text back to the notification's chat.
func (s *GreenAPISender) Reply(ctx context.Context, msg types.IncomingMessage, text string) error {
	if msg.ChatID == "" {
		return &SendError{StatusCode: 400, Message: "notification has no chat id"}
	}

	body, err := json.Marshal(sendMessageRequest{ChatID: msg.ChatID, Message: text})
	if err != nil {
		return &SendError{StatusCode: 400, Message: err.Error()}
	}

	url := fmt.Sprintf("%s/waInstance%s/sendMessage/%s", s.baseURL, s.instanceID, s.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &SendError{StatusCode: 400, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return &SendError{Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &SendError{StatusCode: resp.StatusCode, Message: string(detail)}
	}

	s.log.Debug().Str("chat_id", msg.ChatID).Int("chars", len(text)).Msg("reply sent")
	return nil
}
