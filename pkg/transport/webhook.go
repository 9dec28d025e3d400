package transport

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/denidin/denidin/pkg/types"
)

// Handler consumes normalised inbound messages. Each webhook delivery is
// dispatched on its own goroutine; ordering within a chat is the provider's
// delivery order.
type Handler interface {
	Handle(ctx context.Context, msg types.IncomingMessage)
}

// notification mirrors the Green-API webhook payload shape.
type notification struct {
	TypeWebhook string `json:"typeWebhook"`
	Timestamp   int64  `json:"timestamp"`
	IDMessage   string `json:"idMessage"`
	SenderData  struct {
		ChatID     string `json:"chatId"`
		Sender     string `json:"sender"`
		SenderName string `json:"senderName"`
	} `json:"senderData"`
	MessageData struct {
		TypeMessage     string `json:"typeMessage"`
		TextMessageData struct {
			TextMessage string `json:"textMessage"`
		} `json:"textMessageData"`
		ExtendedTextMessageData struct {
			Text string `json:"text"`
		} `json:"extendedTextMessageData"`
	} `json:"messageData"`
}

// Normalise converts a webhook payload into the core's message model.
// Returns false for webhook types that carry no inbound message.
func (n *notification) Normalise() (types.IncomingMessage, bool) {
	if n.TypeWebhook != "incomingMessageReceived" {
		return types.IncomingMessage{}, false
	}

	kind := types.MessageKind(n.MessageData.TypeMessage)
	switch kind {
	case types.KindText, types.KindExtended, types.KindImage, types.KindDocument:
	default:
		kind = types.KindUnknown
	}

	text := n.MessageData.TextMessageData.TextMessage
	if kind == types.KindExtended {
		text = n.MessageData.ExtendedTextMessageData.Text
	}

	return types.IncomingMessage{
		ID:         n.IDMessage,
		ChatID:     n.SenderData.ChatID,
		Sender:     phoneOf(n.SenderData.Sender),
		SenderName: n.SenderData.SenderName,
		Text:       text,
		Kind:       kind,
		Timestamp:  time.Unix(n.Timestamp, 0).UTC(),
		IsGroup:    strings.HasSuffix(n.SenderData.ChatID, "@g.us"),
	}, true
}

// phoneOf strips the chat-id suffix and normalises to E.164-ish form.
func phoneOf(sender string) string {
	phone := sender
	if at := strings.Index(sender, "@"); at > 0 {
		phone = sender[:at]
	}
	if phone != "" && !strings.HasPrefix(phone, "+") {
		phone = "+" + phone
	}
	return phone
}

// WebhookServer receives provider notifications over HTTP. Deliveries are
// acknowledged immediately and handled asynchronously, serialised per chat
// so messages within one conversation keep their delivery order.
type WebhookServer struct {
	handler Handler
	log     zerolog.Logger
	srv     *http.Server

	mu      sync.Mutex
	pending map[string][]types.IncomingMessage // chat_id -> queued messages
	wg      sync.WaitGroup
}

// NewWebhookServer builds the receiver listening on addr.
func NewWebhookServer(addr string, handler Handler, log zerolog.Logger) *WebhookServer {
	w := &WebhookServer{
		handler: handler,
		log:     log.With().Str("component", "webhook").Logger(),
		pending: make(map[string][]types.IncomingMessage),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.POST("/webhook", w.receive)
	engine.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	w.srv = &http.Server{Addr: addr, Handler: engine}
	return w
}

func (w *WebhookServer) receive(c *gin.Context) {
	var n notification
	if err := c.ShouldBindJSON(&n); err != nil {
		w.log.Warn().Err(err).Msg("malformed webhook payload")
		c.Status(http.StatusBadRequest)
		return
	}

	msg, ok := n.Normalise()
	if !ok {
		c.Status(http.StatusOK) // acknowledged, nothing to handle
		return
	}

	w.enqueue(msg)
	c.Status(http.StatusOK)
}

// enqueue appends the message to its chat's queue and starts a drain worker
// when none is running. A present map key means a worker is alive; the
// worker removes the key under the same lock before exiting.
func (w *WebhookServer) enqueue(msg types.IncomingMessage) {
	w.mu.Lock()
	_, running := w.pending[msg.ChatID]
	w.pending[msg.ChatID] = append(w.pending[msg.ChatID], msg)
	if !running {
		w.wg.Add(1)
		go w.drain(msg.ChatID)
	}
	w.mu.Unlock()
}

// drain handles the chat's queued messages one at a time, in arrival order.
func (w *WebhookServer) drain(chatID string) {
	defer w.wg.Done()
	for {
		w.mu.Lock()
		queue := w.pending[chatID]
		if len(queue) == 0 {
			delete(w.pending, chatID)
			w.mu.Unlock()
			return
		}
		msg := queue[0]
		w.pending[chatID] = queue[1:]
		w.mu.Unlock()

		w.handler.Handle(context.Background(), msg)
	}
}

// Serve blocks on the HTTP listener until Shutdown.
func (w *WebhookServer) Serve() error {
	w.log.Info().Str("addr", w.srv.Addr).Msg("webhook server listening")
	if err := w.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the listener, then waits for the in-flight message
// handlers until ctx's deadline.
func (w *WebhookServer) Shutdown(ctx context.Context) error {
	err := w.srv.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		w.log.Warn().Msg("in-flight message handlers did not finish in time")
	}
	return err
}
