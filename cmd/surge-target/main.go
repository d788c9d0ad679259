// Command surge-target is a stand-in for the offering API, used to try
// campaigns locally without touching a real environment.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wesleyorama2/surge/internal/logging"
)

func main() {
	if err := newCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var (
		addr   string
		offers int
		delay  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "surge-target",
		Short: "Serve a minimal offering API for local campaign runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(logging.Config{Level: "info"})
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			server := &http.Server{
				Addr:              addr,
				Handler:           newMux(offers, delay),
				ReadTimeout:       5 * time.Second,
				WriteTimeout:      5 * time.Second,
				IdleTimeout:       120 * time.Second,
				MaxHeaderBytes:    1 << 20,
				ReadHeaderTimeout: 2 * time.Second,
			}
			logger.Info("starting target server",
				zap.String("addr", addr),
				zap.Int("offers", offers),
				zap.Duration("delay", delay),
				zap.Int("cpus", runtime.NumCPU()))
			return server.ListenAndServe()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "Listen address")
	cmd.Flags().IntVar(&offers, "offers", 3, "Offers returned per driver")
	cmd.Flags().DurationVar(&delay, "delay", 0, "Added latency per request")
	return cmd
}

type offer struct {
	OrderBundleID string `json:"order_bundle_id"`
	DriverID      string `json:"driver_id,omitempty"`
}

func newMux(offers int, delay time.Duration) *http.ServeMux {
	wait := func(r *http.Request) {
		if delay <= 0 {
			return
		}
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
		}
	}
	list := func(w http.ResponseWriter, r *http.Request, driver string) {
		wait(r)
		out := make([]offer, offers)
		for i := range out {
			out[i] = offer{OrderBundleID: uuid.NewString(), DriverID: driver}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"offers": out})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v3/drivers/{id}/package_delivery/offers", func(w http.ResponseWriter, r *http.Request) {
		list(w, r, r.PathValue("id"))
	})
	mux.HandleFunc("GET /v1/offers", func(w http.ResponseWriter, r *http.Request) {
		list(w, r, r.Header.Get("x-user-id"))
	})
	mux.HandleFunc("GET /v1/offers/{offer}/card-view", func(w http.ResponseWriter, r *http.Request) {
		wait(r)
		writeJSON(w, http.StatusOK, map[string]string{"order_bundle_id": r.PathValue("offer")})
	})
	update := func(w http.ResponseWriter, r *http.Request) {
		wait(r)
		writeJSON(w, http.StatusOK, map[string]string{"id": r.PathValue("id"), "status": "updated"})
	}
	mux.HandleFunc("PATCH /v1/shoppers/{id}", update)
	mux.HandleFunc("PUT /v1/shoppers/{id}", update)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "healthy")
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
