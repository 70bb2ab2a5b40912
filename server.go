package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler returns the metrics, health and gateway control endpoints.
func (s *Supervisor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/gateway/ensure", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		h, err := s.EnsureGateway(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, h)
	})
	mux.HandleFunc("/gateway/restart", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		if r.URL.Query().Get("wait") == "true" {
			res, err := s.Restart(r.Context())
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, res)
			return
		}
		prev, found := s.FindExisting(r.Context())
		go func() {
			if _, err := s.Restart(context.Background()); err != nil {
				s.logger.Error("Supervisor: gateway restart failed", slog.String("err", err.Error()))
			}
		}()
		msg := "No existing process found, starting new instance..."
		if found {
			msg = "Gateway process killed, new instance starting..."
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"success":           true,
			"message":           msg,
			"previousProcessId": prev.Record.ID,
		})
	})
	mux.HandleFunc("/gateway/kill-all", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, s.KillAll(r.Context()))
	})
	mux.HandleFunc("/gateway/processes", func(w http.ResponseWriter, r *http.Request) {
		procs, err := s.ProcessSummaries(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"count": len(procs), "processes": procs})
	})
	mux.HandleFunc("/gateway/logs", func(w http.ResponseWriter, r *http.Request) {
		logs, err := s.GatewayLogs(r.Context())
		if errors.Is(err, ErrNoGatewayProcess) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, logs)
	})
	mux.HandleFunc("/storage", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.StorageStatus(r.Context()))
	})
	mux.HandleFunc("/cli", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			Command string `json:"command"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Command == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "command is required"})
			return
		}
		res, err := s.RunCLI(r.Context(), body.Command)
		if errors.Is(err, ErrCommandNotAllowed) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if err != nil && res.ExitCode == -1 && res.Stdout == "" && res.Stderr == "" {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	})
	mux.HandleFunc("/devices", func(w http.ResponseWriter, r *http.Request) {
		list, err := s.ListDevices(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	})
	mux.HandleFunc("/devices/approve", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			RequestID string `json:"requestId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RequestID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "requestId is required"})
			return
		}
		ok, res, err := s.ApproveDevice(r.Context(), body.RequestID)
		if errors.Is(err, ErrInvalidRequestID) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":   ok,
			"requestId": body.RequestID,
			"stdout":    res.Stdout,
			"stderr":    res.Stderr,
		})
	})
	mux.HandleFunc("/devices/approve-all", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		res, err := s.ApproveAllDevices(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	})
	return mux
}

// Serve runs the control server until ctx is cancelled.
func (s *Supervisor) Serve(ctx context.Context, addr string) error {
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				uptimeGauge.Set(s.clock.Now().Sub(s.startTime).Seconds())
			case <-ctx.Done():
				return
			}
		}
	}()
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Supervisor: metrics/health and control endpoints listening", slog.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("Supervisor: control server shutdown error", slog.String("err", err.Error()))
		return err
	}
	s.logger.Info("Supervisor: control server shut down cleanly")
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	body := map[string]string{"error": err.Error()}
	var serr *StartupError
	if errors.As(err, &serr) {
		body["processId"] = serr.ProcessID
		body["stdout"] = serr.Stdout
		body["stderr"] = serr.Stderr
	}
	writeJSON(w, http.StatusInternalServerError, body)
}
