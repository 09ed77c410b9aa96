package transport

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	ws "nhooyr.io/websocket"
)

// WSChannel is a websocket-backed Channel. One connection; writes are
// serialized, the read loop dispatches decoded events to the handler.
type WSChannel struct {
	mu      sync.Mutex
	conn    *ws.Conn
	handler func(Event)
	seq     int64
	cancel  context.CancelFunc
}

// Dial connects to the chat backend and starts the read loop.
func Dial(ctx context.Context, url string) (*WSChannel, error) {
	conn, _, err := ws.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	c := &WSChannel{conn: conn, cancel: cancel}
	go c.readLoop(loopCtx)
	return c, nil
}

func (c *WSChannel) OnEvent(fn func(Event)) {
	c.mu.Lock()
	c.handler = fn
	c.mu.Unlock()
}

func (c *WSChannel) Send(ctx context.Context, evt Event) error {
	c.mu.Lock()
	c.seq++
	evt.Seq = c.seq
	conn := c.conn
	c.mu.Unlock()
	if evt.TsMs == 0 {
		evt.TsMs = time.Now().UnixMilli()
	}
	return conn.Write(ctx, ws.MessageText, mustJSON(evt))
}

func (c *WSChannel) Close() error {
	c.cancel()
	return c.conn.Close(ws.StatusNormalClosure, "bye")
}

func (c *WSChannel) readLoop(ctx context.Context) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != ws.MessageText {
			continue
		}
		var evt Event
		if err := json.Unmarshal(data, &evt); err != nil {
			log.Printf("[transport] bad event: %v", err)
			continue
		}
		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h != nil {
			h(evt)
		}
	}
}

// local helper
func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
