package api

import (
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-entitlements/internal/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024 * 16,
	CheckOrigin:     sameOrigin,
}

// sameOrigin accepts non-browser clients and same-host browser origins.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

type streamMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// handleStateStream pushes the current state and every subsequent commit
// over a websocket.
func (r *Router) handleStateStream(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		// Upgrade has already written the error response.
		log.Debug().Err(err).Msg("State stream upgrade failed")
		return
	}
	defer conn.Close()

	clientID := logging.RequestIDFromContext(req.Context())
	updates, unsubscribe := r.owner.Subscribe()
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	log.Debug().Str("client", clientID).Msg("State stream client connected")
	defer log.Debug().Str("client", clientID).Msg("State stream client disconnected")

	if err := r.writeStream(conn, streamMessage{Type: "state", Data: r.stateResponse(r.owner.Current())}); err != nil {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-req.Context().Done():
			return
		case snap, ok := <-updates:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := r.writeStream(conn, streamMessage{Type: "state", Data: r.stateResponse(snap)}); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (r *Router) writeStream(conn *websocket.Conn, msg streamMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		log.Debug().Err(err).Msg("Failed to write state stream message")
		return err
	}
	return nil
}
