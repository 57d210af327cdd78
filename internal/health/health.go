package health

import (
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"slices"
	"strings"
	"time"

	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const checkTimeout = time.Second

// Checker is anything that can report reachability: pgxpool.Pool, the
// network-backed registries and brokers
type Checker interface {
	Ping(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) Ping(ctx context.Context) error { return f(ctx) }

type Status struct {
	OK      bool            `json:"ok"`
	Message string          `json:"message,omitempty"`
	Checks  map[string]bool `json:"checks,omitempty"`
}

// Check pings every checker and summarizes the result
func Check(ctx context.Context, checks map[string]Checker) Status {
	st := Status{OK: true, Message: "ok"}
	if len(checks) == 0 {
		return st
	}
	st.Checks = make(map[string]bool, len(checks))
	var failed []string
	for _, name := range slices.Sorted(maps.Keys(checks)) {
		ctxPing, cancel := context.WithTimeout(ctx, checkTimeout)
		err := checks[name].Ping(ctxPing)
		cancel()
		st.Checks[name] = err == nil
		if err != nil {
			failed = append(failed, name)
		}
	}
	if len(failed) > 0 {
		st.OK = false
		st.Message = "ping failed: " + strings.Join(failed, ", ")
	}
	return st
}

// HTTPHandler returns an HTTP handler that reports the health status of the service
func HTTPHandler(checks map[string]Checker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Check(r.Context(), checks)
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}

// WatchGRPC keeps the gRPC health service in line with the checkers until
// ctx is done, then marks it NOT_SERVING
func WatchGRPC(ctx context.Context, srv *grpchealth.Server, checks map[string]Checker, interval time.Duration) {
	set := func(st Status) {
		status := healthpb.HealthCheckResponse_SERVING
		if !st.OK {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		srv.SetServingStatus("", status)
	}

	set(Check(ctx, checks))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			srv.Shutdown()
			return
		case <-ticker.C:
			set(Check(ctx, checks))
		}
	}
}
