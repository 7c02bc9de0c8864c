package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/agentworkforce/devicesync/internal/relay"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// EventStreamReady is the first frame on every stream. Devices treat it like
// any other event and poll once, which covers commands queued while they were
// disconnected.
const EventStreamReady = "stream.ready"

const streamWriteTimeout = 5 * time.Second

// handleStream upgrades to a websocket and forwards the device's relay
// events. The stream only wakes pollers; commands are still fetched and
// acknowledged over REST.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, deviceID, correlationID string) {
	// Subscribe before the upgrade so nothing enqueued in between is missed.
	events, unsubscribe := s.store.Subscribe(deviceID)
	defer unsubscribe()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logf("stream %s: accept failed (correlation %s): %v", deviceID, correlationID, err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	ctx := conn.CloseRead(r.Context())
	if err := writeEvent(ctx, conn, relay.Event{Type: EventStreamReady, At: time.Now().UTC()}); err != nil {
		return
	}

	ping := time.NewTicker(s.cfg.StreamPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "relay shutting down")
				return
			}
			if err := writeEvent(ctx, conn, event); err != nil {
				s.logf("stream %s: write failed: %v", deviceID, err)
				return
			}
		case <-ping.C:
			pingCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, event relay.Event) error {
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, event)
}
