// Package dashboard pushes live cluster state to connected operators over
// WebSocket, generalizing the teacher's single-cluster-of-workers
// broadcaster (pkg/router/broadcast.go) to a multi-model scheduler view:
// per-model queue depth and instance occupancy, and per-device GPU pool
// occupancy, in place of the teacher's per-worker GPU/queue snapshot.
package dashboard

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Broadcaster pushes ClusterState snapshots to every connected dashboard
// client.
type Broadcaster struct {
	log logrus.FieldLogger

	mu      sync.RWMutex
	clients map[*websocket.Conn]bool
}

// NewBroadcaster constructs an empty Broadcaster.
func NewBroadcaster(log logrus.FieldLogger) *Broadcaster {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Broadcaster{log: log, clients: make(map[*websocket.Conn]bool)}
}

// HandleWS is the WebSocket upgrade handler for the dashboard's live feed.
func (b *Broadcaster) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.WithError(err).Warn("dashboard websocket upgrade failed")
		return
	}

	b.mu.Lock()
	b.clients[conn] = true
	count := len(b.clients)
	b.mu.Unlock()
	b.log.WithField("clients", count).Info("dashboard client connected")

	go func() {
		defer func() {
			b.mu.Lock()
			delete(b.clients, conn)
			remaining := len(b.clients)
			b.mu.Unlock()
			conn.Close()
			b.log.WithField("clients", remaining).Info("dashboard client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// ClusterState is the JSON payload pushed to every connected client.
type ClusterState struct {
	Models []ModelState `json:"models"`
	Pools  []PoolState  `json:"pools"`
}

// ModelState is one model's scheduler occupancy.
type ModelState struct {
	Model         string `json:"model"`
	QueueDepth    int    `json:"queue_depth"`
	IdleInstances int    `json:"idle_instances"`
	BusyInstances int    `json:"busy_instances"`
}

// PoolState is one GPU pool device's arena occupancy.
type PoolState struct {
	Pool       string `json:"pool"`
	Device     int    `json:"device"`
	FreeBytes  int64  `json:"free_bytes"`
	TotalBytes int64  `json:"total_bytes"`
}

// Broadcast sends state to every connected client, dropping (and
// unregistering) any that fails to accept the write.
func (b *Broadcaster) Broadcast(state *ClusterState) {
	data, err := json.Marshal(state)
	if err != nil {
		b.log.WithError(err).Warn("failed to marshal cluster state")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.clients {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			delete(b.clients, conn)
		}
	}
}
