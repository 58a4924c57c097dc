package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/dagflow/internal/coreutil/logging"
	"github.com/swarmguard/dagflow/internal/coreutil/otelinit"
	"github.com/swarmguard/dagflow/internal/dagflow"
	"github.com/swarmguard/dagflow/internal/store"
)

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func requireEnvInt(key string) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%s must be an integer >= 1, got %q", key, raw)
	}
	return n, nil
}

func main() {
	service := "dagflow"
	logging.Init(service)

	workers, err := requireEnvInt("DAGFLOW_WORKERS")
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if endpoint := os.Getenv("DAGFLOW_OTEL_ENDPOINT"); endpoint != "" {
		os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", endpoint)
	}
	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, promHandler, _ := otelinit.InitMetrics(ctx, service)

	dbDir := getEnvDefault("DAGFLOW_DB_PATH", "./data")
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		slog.Error("cannot create db directory", "path", dbDir, "error", err)
		os.Exit(1)
	}
	meter := otel.Meter("dagflow")
	programStore, err := store.Open(filepath.Join(dbDir, "dagflow.db"), meter)
	if err != nil {
		slog.Error("cannot open program store", "error", err)
		os.Exit(1)
	}
	defer programStore.Close()

	registry := dagflow.NewFunctionRegistry()
	runs := dagflow.NewRunRegistry()

	var nc *nats.Conn
	if url := os.Getenv("DAGFLOW_NATS_URL"); url != "" {
		nc, err = nats.Connect(url)
		if err != nil {
			slog.Warn("nats connect failed, event-driven schedules disabled", "error", err)
			nc = nil
		}
	}

	scheduler := dagflow.NewScheduler(programStore, registry, runs, nc, workers)
	if persisted, err := programStore.ListSchedules(ctx); err != nil {
		slog.Error("failed to list persisted schedules", "error", err)
	} else if err := scheduler.RestoreSchedules(ctx, persisted); err != nil {
		slog.Error("failed to restore schedules", "error", err)
	}
	scheduler.Start()

	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/v1/programs", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var prog store.StoredProgram
			if err := json.NewDecoder(r.Body).Decode(&prog); err != nil {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			if prog.Name == "" {
				http.Error(w, "name required", http.StatusBadRequest)
				return
			}
			if _, err := dagflow.ParseProgram(prog.Spec); err != nil {
				http.Error(w, "invalid spec: "+err.Error(), http.StatusBadRequest)
				return
			}
			prog.CreatedAt = time.Now()
			if err := programStore.PutProgram(r.Context(), prog); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(prog)
		case http.MethodGet:
			name := r.URL.Query().Get("name")
			if name == "" {
				progs, err := programStore.ListPrograms(r.Context())
				if err != nil {
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
				_ = json.NewEncoder(w).Encode(progs)
				return
			}
			prog, ok, err := programStore.GetProgram(r.Context(), name)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if !ok {
				http.NotFound(w, r)
				return
			}
			_ = json.NewEncoder(w).Encode(prog)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/v1/run", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Program string         `json:"program"`
			Spec    json.RawMessage `json:"spec,omitempty"`
			Data    map[string]any `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		var spec json.RawMessage
		if req.Program != "" {
			stored, ok, err := programStore.GetProgram(r.Context(), req.Program)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if !ok {
				http.Error(w, "program not found", http.StatusNotFound)
				return
			}
			spec = stored.Spec
		} else if len(req.Spec) > 0 {
			spec = req.Spec
		} else {
			http.Error(w, "either program or spec is required", http.StatusBadRequest)
			return
		}

		prog, err := dagflow.ParseProgram(spec)
		if err != nil {
			http.Error(w, "invalid spec: "+err.Error(), http.StatusBadRequest)
			return
		}

		start := time.Now()
		out, err := dagflow.Run(r.Context(), prog, dagflow.EnvFromData(req.Data), dagflow.RunOptions{
			Workers:   workers,
			Registry:  registry,
			Runs:      runs,
			ProgramID: req.Program,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		exec := store.ExecutionRecord{
			ID:          fmt.Sprintf("run-%d", start.UnixNano()),
			ProgramName: req.Program,
			Status:      "complete",
			StartTime:   start,
			EndTime:     time.Now(),
		}
		outJSON := make(map[string]json.RawMessage, len(out))
		for k, v := range out {
			raw, err := json.Marshal(v)
			if err != nil {
				continue
			}
			outJSON[k] = raw
		}
		exec.Output = outJSON
		if err := programStore.PutExecution(r.Context(), exec); err != nil {
			slog.Error("failed to persist execution", "error", err)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(exec)
	})

	mux.HandleFunc("/v1/schedules", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var sched store.ScheduleRecord
			if err := json.NewDecoder(r.Body).Decode(&sched); err != nil {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			if sched.ProgramName == "" {
				http.Error(w, "program_name required", http.StatusBadRequest)
				return
			}
			if err := programStore.PutSchedule(r.Context(), sched); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if sched.Enabled {
				if err := scheduler.AddSchedule(r.Context(), sched); err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
			}
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(sched)
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(scheduler.ListSchedules())
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/v1/executions/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/v1/executions/")
		if id == "" {
			http.Error(w, "execution id required", http.StatusBadRequest)
			return
		}
		exec, ok, err := programStore.GetExecution(r.Context(), id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(exec)
	})

	if promHandler != nil {
		if h, ok := promHandler.(http.Handler); ok {
			mux.Handle("/metrics", h)
		}
	}

	runCounter, _ := meter.Int64Counter("dagflow_http_requests_total")
	loggedMux := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		runCounter.Add(r.Context(), 1, metric.WithAttributes(attribute.String("path", r.URL.Path)))
		mux.ServeHTTP(w, r)
	})

	addr := getEnvDefault("DAGFLOW_ADDR", ":8080")
	srv := &http.Server{Addr: addr, Handler: loggedMux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()
	slog.Info("dagflow started", "addr", addr, "workers", workers)

	<-ctx.Done()
	slog.Info("shutdown initiated")
	ctxSd, c2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer c2()
	_ = srv.Shutdown(ctxSd)
	_ = scheduler.Stop(ctxSd)
	if nc != nil {
		nc.Close()
	}
	otelinit.Flush(ctxSd, shutdownTrace)
	_ = shutdownMetrics(ctxSd)
	slog.Info("shutdown complete")
}
