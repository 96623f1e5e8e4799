package telemetry

import (
	"net/http"
	"os"
	"time"

	gjson "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Healthz returns 200 OK to indicate the node is alive.
func Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// InfoHandler writes a JSON payload with the process ID, current time, and
// whatever snapshot describes the node.
func InfoHandler(snapshot func() any) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		type resp struct {
			PID  int       `json:"pid"`
			Now  time.Time `json:"now"`
			Node any       `json:"node"`
		}
		data, err := gjson.Marshal(resp{PID: os.Getpid(), Now: time.Now(), Node: snapshot()})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}
}

// NewServer wires /metrics, /healthz and /info on addr. The caller starts
// and stops it.
func NewServer(addr string, snapshot func() any) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", Healthz)
	mux.HandleFunc("/info", InfoHandler(snapshot))
	mux.Handle("/metrics", MetricsHandler())
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}
