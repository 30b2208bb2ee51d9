package chat

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/xinqiao/backend/internal/middleware"
	"github.com/zhouzirui/xinqiao/backend/internal/pipeline"
	chatService "github.com/zhouzirui/xinqiao/backend/internal/service/chat"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
	writeTimeout = 10 * time.Second
)

type inboundMessage struct {
	Type           string `json:"type"`
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type outboundMessage struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	Event          any    `json:"event,omitempty"`
	Error          string `json:"error,omitempty"`
	Code           string `json:"code,omitempty"`
}

// wsConn 串行化写操作，gorilla 连接不支持并发写
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(msg outboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(msg)
}

// handleWebSocket 在一条连接上处理多轮对话，每轮把事件逐条推送
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	owner := middleware.OwnerID(r)
	conversationID := strings.TrimSpace(r.URL.Query().Get("conversation_id"))

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ws := &wsConn{conn: conn}
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})
	go pingLoop(ctx, conn)

	if err := ws.send(outboundMessage{Type: "connected", ConversationID: conversationID}); err != nil {
		return
	}

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("websocket read error", "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		if msg.Type != "" && msg.Type != "message" {
			if err := ws.send(outboundMessage{Type: "error", Code: "unsupported_type", Error: "不支持的消息类型"}); err != nil {
				return
			}
			continue
		}
		if msg.ConversationID != "" {
			conversationID = msg.ConversationID
		}

		id, ok := h.streamTurn(ctx, ws, chatService.Request{
			Message:        msg.Message,
			ConversationID: conversationID,
			OwnerID:        owner,
		})
		if !ok {
			return
		}
		conversationID = id
	}
}

// streamTurn 返回本轮使用的会话 ID；写失败时返回 false 以关闭连接
func (h *Handler) streamTurn(ctx context.Context, ws *wsConn, req chatService.Request) (string, bool) {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	convID, events, err := h.svc.Stream(turnCtx, req)
	if err != nil {
		code := pipeline.ErrorCode(err)
		message := pipeline.UserMessage(err)
		if StatusFor(err) == http.StatusForbidden {
			code, message = "forbidden", "无权访问该会话"
		}
		return req.ConversationID, ws.send(outboundMessage{Type: "error", Code: code, Error: message}) == nil
	}

	healthy := true
	for ev := range events {
		if !healthy {
			continue
		}
		if err := ws.send(outboundMessage{Type: "event", ConversationID: convID, Event: ev}); err != nil {
			h.log.Debug("websocket write failed", "conversation_id", convID, "error", err)
			healthy = false
			cancel()
		}
	}
	if !healthy {
		return convID, false
	}
	return convID, ws.send(outboundMessage{Type: "done", ConversationID: convID}) == nil
}

// pingLoop 定期发送ping消息
func pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
