package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/signal.control/internal/intersection"
	"github.com/banshee-data/signal.control/internal/monitoring"
)

var wsLogf = monitoring.Prefixed("ws")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// the dashboard is served from other origins on the local network
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// StatusFrame is one message pushed on /ws/status.
type StatusFrame struct {
	At            time.Time               `json:"at"`
	Intersections []intersection.Snapshot `json:"intersections"`
}

func (s *Server) statusFrame() StatusFrame {
	all := s.network.All()
	f := StatusFrame{At: s.clock.Now(), Intersections: make([]intersection.Snapshot, len(all))}
	for i, in := range all {
		f.Intersections[i] = in.Snapshot()
	}
	return f
}

// streamStatus pushes a StatusFrame immediately and then on every push
// interval until the client goes away.
func (s *Server) streamStatus(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		wsLogf("err upgrading connection: %v", err)
		return
	}
	defer conn.Close()

	// the read loop only notices close frames and dead peers
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					wsLogf("webSocket error: %v", err)
				}
				return
			}
		}
	}()

	ticker := s.clock.NewTicker(s.pushInterval)
	defer ticker.Stop()
	for {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(s.statusFrame()); err != nil {
			wsLogf("webSocket write error: %v", err)
			return
		}
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C():
		}
	}
}
