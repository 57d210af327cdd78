package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func pingErr(err error) Checker {
	return CheckerFunc(func(context.Context) error { return err })
}

func TestHTTPHandler(t *testing.T) {
	tests := []struct {
		name               string
		checks             map[string]Checker
		expectedStatusCode int
		expectedStatus     Status
	}{
		{
			name:               "healthy with no checks",
			checks:             nil,
			expectedStatusCode: http.StatusOK,
			expectedStatus:     Status{OK: true, Message: "ok"},
		},
		{
			name:               "healthy stores",
			checks:             map[string]Checker{"postgres": pingErr(nil), "etcd": pingErr(nil)},
			expectedStatusCode: http.StatusOK,
			expectedStatus:     Status{OK: true, Message: "ok", Checks: map[string]bool{"postgres": true, "etcd": true}},
		},
		{
			name:               "one store down",
			checks:             map[string]Checker{"postgres": pingErr(nil), "nsq": pingErr(context.DeadlineExceeded)},
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedStatus:     Status{OK: false, Message: "ping failed: nsq", Checks: map[string]bool{"postgres": true, "nsq": false}},
		},
		{
			name:               "all stores down",
			checks:             map[string]Checker{"postgres": pingErr(errors.New("x")), "etcd": pingErr(errors.New("y"))},
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedStatus:     Status{OK: false, Message: "ping failed: etcd, postgres", Checks: map[string]bool{"postgres": false, "etcd": false}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/healthz", nil)
			w := httptest.NewRecorder()
			HTTPHandler(tt.checks)(w, req)

			if w.Code != tt.expectedStatusCode {
				t.Errorf("HTTPHandler() status code = %d, want %d", w.Code, tt.expectedStatusCode)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("HTTPHandler() Content-Type = %q, want %q", ct, "application/json")
			}

			var status Status
			if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
				t.Fatalf("HTTPHandler() response JSON parse error: %v", err)
			}
			if status.OK != tt.expectedStatus.OK {
				t.Errorf("Status.OK = %v, want %v", status.OK, tt.expectedStatus.OK)
			}
			if status.Message != tt.expectedStatus.Message {
				t.Errorf("Status.Message = %q, want %q", status.Message, tt.expectedStatus.Message)
			}
			for name, want := range tt.expectedStatus.Checks {
				if got := status.Checks[name]; got != want {
					t.Errorf("Status.Checks[%q] = %v, want %v", name, got, want)
				}
			}
		})
	}
}

func TestCheck_Timeout(t *testing.T) {
	slow := CheckerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	start := time.Now()
	st := Check(context.Background(), map[string]Checker{"slow": slow})
	if st.OK {
		t.Error("Check() OK with a hanging checker")
	}
	if elapsed := time.Since(start); elapsed > 3*checkTimeout {
		t.Errorf("Check() took %v, want about %v", elapsed, checkTimeout)
	}
}

func TestWatchGRPC(t *testing.T) {
	srv := grpchealth.NewServer()
	checks := map[string]Checker{"store": pingErr(nil)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		WatchGRPC(ctx, srv, checks, time.Hour)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for {
		resp, err := srv.Check(context.Background(), &healthpb.HealthCheckRequest{})
		if err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("gRPC health never reported SERVING (err = %v)", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	<-done
	resp, err := srv.Check(context.Background(), &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Check() error: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("status after shutdown = %v, want NOT_SERVING", resp.GetStatus())
	}
}
