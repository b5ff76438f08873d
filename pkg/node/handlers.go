package node

import (
	"bufio"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/internal/telemetry"
	"github.com/ryandielhenn/zephyrmesh/pkg/bus"
)

// maxBodySize bounds one POST /command request.
const maxBodySize = 1 << 20

// Routes wires the admin endpoints.
func (n *Node) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/healthz", telemetry.Instrument("healthz", http.HandlerFunc(n.Healthz)))
	mux.Handle("/info", telemetry.Instrument("info", http.HandlerFunc(n.Info)))
	mux.Handle("/command", telemetry.Instrument("command", http.HandlerFunc(n.Command)))
	mux.Handle("/metrics", telemetry.MetricsHandler())
	return mux
}

// Healthz returns 200 OK to indicate the Node is alive.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes a JSON payload describing this node.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		PID     int       `json:"pid"`
		Now     time.Time `json:"now"`
		PeerID  string    `json:"peer_id"`
		Topic   string    `json:"topic"`
		Items   int       `json:"cache_items"`
		Bytes   int       `json:"cache_bytes"`
		Budget  int       `json:"cache_capacity"`
		Members int       `json:"members"`
		Uptime  float64   `json:"uptime_seconds"`
	}
	data, _ := json.Marshal(resp{
		PID:     os.Getpid(),
		Now:     time.Now(),
		PeerID:  n.ID().String(),
		Topic:   n.topic.Name(),
		Items:   n.cache.Len(),
		Bytes:   n.cache.Used(),
		Budget:  n.cache.Capacity(),
		Members: n.disp.MemberCount(),
		Uptime:  telemetry.Uptime().Seconds(),
	})
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// Command sends each line of the request body into the command bus, the
// same way the console does. Replies such as cache_return stay on the bus.
func (n *Node) Command(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tx := n.bus.Sender()
	sc := bufio.NewScanner(http.MaxBytesReader(w, req.Body, maxBodySize))
	sc.Buffer(make([]byte, 0, 4096), maxBodySize)
	sent := 0
	for sc.Scan() {
		if err := tx.Send(sc.Text()); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, bus.ErrNoSubscribers) || errors.Is(err, bus.ErrClosed) {
				status = http.StatusServiceUnavailable
			}
			http.Error(w, err.Error(), status)
			return
		}
		sent++
	}
	if err := sc.Err(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n.logger.Debug("commands accepted over http", zap.Int("lines", sent))
	w.WriteHeader(http.StatusAccepted)
}
