package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait    = 5 * time.Second
	readIdleWait = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsChannel adapts a gorilla websocket connection to session.Channel.
// Gorilla connections support one concurrent writer at a time, so writes
// are serialized behind writeMu; reads happen from a single goroutine
// per connection and need no locking of their own.
type wsChannel struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func newWSChannel(conn *websocket.Conn) *wsChannel {
	return &wsChannel{conn: conn}
}

func (w *wsChannel) Send(frame map[string]any) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteJSON(frame)
}

// Recv blocks for up to readIdleWait for the next message. A deadline
// expiry is returned as a net.Error with Timeout() true; callers use
// this to drive a keepalive ping rather than treating it as fatal.
func (w *wsChannel) Recv() (map[string]any, error) {
	_ = w.conn.SetReadDeadline(time.Now().Add(readIdleWait))
	_, raw, err := w.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var frame map[string]any
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func (w *wsChannel) Close() error {
	return w.conn.Close()
}
