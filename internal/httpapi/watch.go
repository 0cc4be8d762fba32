package httpapi

import (
	"net/http"
	"time"

	"github.com/fivebest/settlement/pkg/payment"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	watchWriteWait  = 10 * time.Second
	watchPongWait   = 60 * time.Second
	watchPingPeriod = (watchPongWait * 9) / 10
)

var watchUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are enforced by the session cookie and the CORS allow-list.
	CheckOrigin: func(*http.Request) bool { return true },
}

type watchUpdate struct {
	Attempt int                   `json:"attempt"`
	Final   bool                  `json:"final"`
	Expired bool                  `json:"expired,omitempty"`
	Result  verifyPaymentResponse `json:"result"`
	Error   string                `json:"error,omitempty"`
}

// handleWatchPayment streams poll updates for one payment session. Closing the
// socket stops the poller.
func (handler *httpHandler) handleWatchPayment(ctx *gin.Context) {
	userID, ok := sessionUser(ctx)
	if !ok {
		return
	}
	reference, err := payment.ParseReference(ctx.Param("reference"))
	if err != nil {
		handler.respondError(ctx, "watch payment", err)
		return
	}
	lookupCtx, cancel := requestContext(ctx)
	_, err = handler.settler.GetIntent(lookupCtx, reference, userID)
	cancel()
	if err != nil {
		handler.respondError(ctx, "watch payment", err)
		return
	}

	conn, err := watchUpgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	handle := handler.poller.Start(ctx.Request.Context(), reference, userID)
	defer handle.Stop()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(watchPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(watchPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(watchPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case update, open := <-handle.Updates():
			if !open {
				_ = conn.SetWriteDeadline(time.Now().Add(watchWriteWait))
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(watchWriteWait))
			if err := conn.WriteJSON(newWatchUpdate(update)); err != nil {
				handler.logger.Debug("watch write failed", zap.String("reference", reference.String()), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(watchWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func newWatchUpdate(update payment.PollUpdate) watchUpdate {
	message := watchUpdate{
		Attempt: update.Attempt,
		Final:   update.Final,
		Expired: update.Expired,
		Result:  newVerifyPaymentResponse(update.Result),
	}
	if update.Expired {
		message.Result.Message = "payment not found yet, try again later"
	}
	if update.Err != nil {
		_, _, text := statusForError(update.Err)
		message.Error = text
	}
	return message
}
