package router

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/strongroom/strongroom/router/middleware"
)

const (
	// Time allowed to write a message to the connected client before the
	// connection is considered dead.
	eventWriteWait = 10 * time.Second

	// Interval for keepalive pings on an otherwise quiet stream.
	eventPingPeriod = 30 * time.Second
)

var eventUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The bearer token middleware already cleared this request. The stream
	// feeds operator tooling, not browsers, so origin checks add nothing.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Streams every vault operation to the client as it is recorded. Events are
// JSON encoded audit entries wrapped in a topic envelope. A consumer that
// cannot keep up misses events rather than stalling the vault, this is a
// live feed and not a replay mechanism.
func getVaultEvents(c *gin.Context) {
	v := middleware.ExtractVault(c)

	conn, err := eventUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	defer conn.Close()

	ch := make(chan []byte, 32)
	v.Events().On(ch)
	defer v.Events().Off(ch)

	// The client never sends anything meaningful, but a read pump has to run
	// anyway so close frames are processed and a disconnect is noticed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(eventPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}
