package handlers

import (
	"context"
	"drone-delivery-service/internal/realtime"
	"drone-delivery-service/internal/services"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// SocketHandler upgrades observers and demo drones to a websocket. Each
// connection owns its own hub subscription; nothing is shared between sockets.
type SocketHandler struct {
	Hub      *realtime.Hub
	Orders   OrderService
	Upgrader websocket.Upgrader
}

func (h *SocketHandler) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: err=%v", err)
		return
	}

	sub := h.Hub.Subscribe()
	errs := make(chan realtime.ServerError, 8)
	done := make(chan struct{})

	log.Printf("websocket connected: subscriber=%s remote=%s", sub.ID, r.RemoteAddr)

	go h.writePump(conn, sub, errs, done)
	h.readPump(r.Context(), conn, sub, errs)

	h.Hub.Unsubscribe(sub)
	<-done
	log.Printf("websocket closed: subscriber=%s dropped=%d", sub.ID, sub.Dropped())
}

// readPump is the connection's only reader. It returns when the peer goes away.
func (h *SocketHandler) readPump(
	ctx context.Context,
	conn *websocket.Conn,
	sub *realtime.Subscriber,
	errs chan<- realtime.ServerError,
) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg realtime.ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("websocket read failed: subscriber=%s err=%v", sub.ID, err)
			}
			return
		}

		if err := h.handle(ctx, sub, msg); err != nil {
			select {
			case errs <- realtime.ServerError{Type: realtime.ServerErrorType, OrderID: msg.OrderID, Error: err.Error()}:
			default:
			}
		}
	}
}

func (h *SocketHandler) handle(ctx context.Context, sub *realtime.Subscriber, msg realtime.ClientMessage) error {
	if msg.OrderID == "" {
		return errors.New("order_id is required")
	}

	switch msg.Type {
	case realtime.MsgJoin:
		if _, err := h.Orders.Snapshot(ctx, msg.OrderID); err != nil {
			return err
		}
		h.Hub.Join(sub, msg.OrderID)
		return nil

	case realtime.MsgLeave:
		h.Hub.Leave(sub, msg.OrderID)
		return nil

	case realtime.MsgLocationUpdate:
		if msg.Position == nil {
			return errors.New("position is required")
		}
		return h.Orders.ApplyTelemetry(ctx, services.LocationUpdate{
			OrderID:     msg.OrderID,
			Position:    *msg.Position,
			Percent:     msg.Percent,
			RemainingKm: msg.RemainingKm,
			ETAMinutes:  msg.ETAMinutes,
		})
	}

	return errors.New("unknown message type " + string(msg.Type))
}

// writePump is the connection's only writer: envelopes, error replies and pings.
func (h *SocketHandler) writePump(
	conn *websocket.Conn,
	sub *realtime.Subscriber,
	errs <-chan realtime.ServerError,
	done chan<- struct{},
) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
		close(done)
	}()

	for {
		select {
		case env, ok := <-sub.Events():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(env); err != nil {
				return
			}

		case e := <-errs:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
