package gcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/api/cloudfunctions/v1"
	"google.golang.org/api/cloudscheduler/v1"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...ClientOption) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	opts = append([]ClientOption{
		WithEndpoint(srv.URL),
		WithAPIOptions(option.WithoutAuthentication()),
		WithRetryBackoff(time.Millisecond),
	}, opts...)
	c, err := NewClient(context.Background(), opts...)
	if err != nil {
		t.Fatalf("NewClient() unexpected error: %v", err)
	}
	return c
}

func writeJSON(t *testing.T, w http.ResponseWriter, code int, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf("failed to encode response: %v", err)
	}
}

func apiError(code int, msg string) map[string]any {
	return map[string]any{"error": map[string]any{"code": code, "message": msg}}
}

func TestNormalizeEndpoint(t *testing.T) {
	tests := []struct {
		name        string
		endpoint    string
		want        string
		errContains string
	}{
		{
			name:     "HTTPS URL",
			endpoint: "https://cloudfunctions.googleapis.com/",
			want:     "https://cloudfunctions.googleapis.com/",
		},
		{
			name:     "URL without scheme gets HTTPS prefix",
			endpoint: "private.googleapis.com",
			want:     "https://private.googleapis.com/",
		},
		{
			name:     "HTTP localhost allowed",
			endpoint: "http://localhost:8080",
			want:     "http://localhost:8080/",
		},
		{
			name:     "HTTP 127.0.0.1 allowed",
			endpoint: "http://127.0.0.1:9090",
			want:     "http://127.0.0.1:9090/",
		},
		{
			name:        "HTTP rejected for non-local host",
			endpoint:    "http://example.com",
			errContains: "insecure endpoint not allowed",
		},
		{
			name:        "HTTP with external IP rejected",
			endpoint:    "http://192.168.1.1:8080",
			errContains: "insecure endpoint not allowed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizeEndpoint(tt.endpoint)
			if tt.errContains != "" {
				if err == nil || !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("normalizeEndpoint(%q) error = %v, want error containing %q",
						tt.endpoint, err, tt.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("normalizeEndpoint(%q) unexpected error: %v", tt.endpoint, err)
			}
			if got != tt.want {
				t.Errorf("normalizeEndpoint(%q) = %q, want %q", tt.endpoint, got, tt.want)
			}
		})
	}
}

func TestNewClientWithOptions(t *testing.T) {
	t.Run("WithRetries option", func(t *testing.T) {
		c := newTestClient(t, http.NotFound, WithRetries(5))
		if c.retries != 5 {
			t.Errorf("retries = %d, want %d", c.retries, 5)
		}
	})

	t.Run("WithRateLimiter option", func(t *testing.T) {
		c := newTestClient(t, http.NotFound, WithRateLimiter(5, 10))
		if c.rateLimiter.Limit() != 5 || c.rateLimiter.Burst() != 10 {
			t.Errorf("rate limiter = %v/%d, want 5/10", c.rateLimiter.Limit(), c.rateLimiter.Burst())
		}
	})

	t.Run("insecure endpoint rejected", func(t *testing.T) {
		_, err := NewClient(context.Background(), WithEndpoint("http://example.com"))
		if err == nil {
			t.Error("NewClient() error = nil, want insecure endpoint error")
		}
	})
}

func TestCreateFunction(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/projects/p/locations/us-central1/functions" {
			t.Errorf("request = %s %s, want POST .../functions", r.Method, r.URL.Path)
		}
		var fn cloudfunctions.CloudFunction
		if err := json.NewDecoder(r.Body).Decode(&fn); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		if fn.EntryPoint != "api.hello" {
			t.Errorf("entryPoint = %q, want %q", fn.EntryPoint, "api.hello")
		}
		writeJSON(t, w, http.StatusOK, map[string]any{"name": "operations/create-1"})
	})

	name, err := c.CreateFunction(context.Background(), "projects/p/locations/us-central1",
		&cloudfunctions.CloudFunction{
			Name:       "projects/p/locations/us-central1/functions/api-hello",
			EntryPoint: "api.hello",
		})
	if err != nil {
		t.Fatalf("CreateFunction() unexpected error: %v", err)
	}
	if name != "operations/create-1" {
		t.Errorf("CreateFunction() = %q, want %q", name, "operations/create-1")
	}
}

func TestCreateFunctionNil(t *testing.T) {
	c := newTestClient(t, http.NotFound)
	if _, err := c.CreateFunction(context.Background(), "projects/p/locations/r", nil); err == nil {
		t.Error("CreateFunction(nil) error = nil, want error")
	}
}

func TestUpdateAndDeleteFunction(t *testing.T) {
	const fnName = "projects/p/locations/us-central1/functions/api-hello"
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/"+fnName {
			t.Errorf("path = %q, want %q", r.URL.Path, "/v1/"+fnName)
		}
		switch r.Method {
		case http.MethodPatch:
			writeJSON(t, w, http.StatusOK, map[string]any{"name": "operations/update-1"})
		case http.MethodDelete:
			writeJSON(t, w, http.StatusOK, map[string]any{"name": "operations/delete-1"})
		default:
			t.Errorf("unexpected method %s", r.Method)
		}
	})

	got, err := c.UpdateFunction(context.Background(), &cloudfunctions.CloudFunction{Name: fnName})
	if err != nil || got != "operations/update-1" {
		t.Errorf("UpdateFunction() = %q, %v; want operations/update-1", got, err)
	}
	got, err = c.DeleteFunction(context.Background(), fnName)
	if err != nil || got != "operations/delete-1" {
		t.Errorf("DeleteFunction() = %q, %v; want operations/delete-1", got, err)
	}
}

func TestCheckOperation(t *testing.T) {
	tests := []struct {
		name     string
		body     map[string]any
		wantDone bool
		wantCode codes.Code
		wantErr  bool
	}{
		{
			name:     "running",
			body:     map[string]any{"name": "operations/op"},
			wantDone: false,
		},
		{
			name:     "done",
			body:     map[string]any{"name": "operations/op", "done": true},
			wantDone: true,
		},
		{
			name: "done with error",
			body: map[string]any{
				"name":  "operations/op",
				"done":  true,
				"error": map[string]any{"code": 14, "message": "unavailable"},
			},
			wantDone: true,
			wantCode: codes.Unavailable,
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodGet || r.URL.Path != "/v1/operations/op" {
					t.Errorf("request = %s %s, want GET /v1/operations/op", r.Method, r.URL.Path)
				}
				writeJSON(t, w, http.StatusOK, tt.body)
			})

			status, err := c.CheckOperation(context.Background(), "operations/op")
			if err != nil {
				t.Fatalf("CheckOperation() unexpected error: %v", err)
			}
			if status.Done != tt.wantDone {
				t.Errorf("CheckOperation() done = %v, want %v", status.Done, tt.wantDone)
			}
			if (status.Error != nil) != tt.wantErr {
				t.Fatalf("CheckOperation() error = %v, want error %v", status.Error, tt.wantErr)
			}
			if tt.wantErr && status.Error.Code != tt.wantCode {
				t.Errorf("CheckOperation() code = %v, want %v", status.Error.Code, tt.wantCode)
			}
		})
	}
}

func TestRetryOnServerError(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			writeJSON(t, w, http.StatusServiceUnavailable, apiError(503, "try again"))
			return
		}
		writeJSON(t, w, http.StatusOK, map[string]any{"name": "operations/op", "done": true})
	})

	status, err := c.CheckOperation(context.Background(), "operations/op")
	if err != nil {
		t.Fatalf("CheckOperation() unexpected error: %v", err)
	}
	if !status.Done {
		t.Error("CheckOperation() done = false, want true")
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		writeJSON(t, w, http.StatusTooManyRequests, apiError(429, "slow down"))
	}, WithRetries(2))

	_, err := c.DeleteFunction(context.Background(), "projects/p/locations/r/functions/f")
	if err == nil || !strings.Contains(err.Error(), "all retries exhausted") {
		t.Errorf("DeleteFunction() error = %v, want retries exhausted", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		writeJSON(t, w, http.StatusBadRequest, apiError(400, "bad runtime"))
	})

	_, err := c.CreateFunction(context.Background(), "projects/p/locations/r",
		&cloudfunctions.CloudFunction{Name: "projects/p/locations/r/functions/f"})
	var clientErr *ClientError
	if !errors.As(err, &clientErr) {
		t.Fatalf("CreateFunction() error = %v, want *ClientError", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestSetPublicInvoker(t *testing.T) {
	const fnName = "projects/p/locations/r/functions/f"
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/"+fnName+":setIamPolicy" {
			t.Errorf("path = %q, want setIamPolicy", r.URL.Path)
		}
		var req cloudfunctions.SetIamPolicyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		if len(req.Policy.Bindings) != 1 ||
			req.Policy.Bindings[0].Role != InvokerRole ||
			len(req.Policy.Bindings[0].Members) != 1 ||
			req.Policy.Bindings[0].Members[0] != AllUsers {
			t.Errorf("policy = %+v, want single invoker binding for allUsers", req.Policy)
		}
		writeJSON(t, w, http.StatusOK, map[string]any{})
	})

	if err := c.SetPublicInvoker(context.Background(), fnName); err != nil {
		t.Errorf("SetPublicInvoker() unexpected error: %v", err)
	}
}

func TestListFunctionsPages(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/projects/p/locations/-/functions" {
			t.Errorf("path = %q, want list across locations", r.URL.Path)
		}
		if r.URL.Query().Get("pageToken") == "" {
			writeJSON(t, w, http.StatusOK, map[string]any{
				"functions":     []map[string]any{{"name": "projects/p/locations/r/functions/a"}},
				"nextPageToken": "page-2",
			})
			return
		}
		writeJSON(t, w, http.StatusOK, map[string]any{
			"functions": []map[string]any{{"name": "projects/p/locations/r/functions/b"}},
		})
	})

	fns, err := c.ListFunctions(context.Background(), "p")
	if err != nil {
		t.Fatalf("ListFunctions() unexpected error: %v", err)
	}
	if len(fns) != 2 || fns[0].Name != "projects/p/locations/r/functions/a" || fns[1].Name != "projects/p/locations/r/functions/b" {
		t.Errorf("ListFunctions() returned %d functions, want a and b", len(fns))
	}
}

func TestUpsertJob(t *testing.T) {
	const jobName = "projects/p/locations/us-central1/jobs/firebase-schedule-nightly-us-central1"

	t.Run("create", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost || r.URL.Path != "/v1/projects/p/locations/us-central1/jobs" {
				t.Errorf("request = %s %s, want POST .../jobs", r.Method, r.URL.Path)
			}
			writeJSON(t, w, http.StatusOK, map[string]any{"name": jobName})
		})
		if err := c.UpsertJob(context.Background(), &cloudscheduler.Job{Name: jobName}); err != nil {
			t.Errorf("UpsertJob() unexpected error: %v", err)
		}
	})

	t.Run("existing job is patched", func(t *testing.T) {
		var (
			mu      sync.Mutex
			methods []string
		)
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			methods = append(methods, r.Method)
			mu.Unlock()
			if r.Method == http.MethodPost {
				writeJSON(t, w, http.StatusConflict, apiError(409, "already exists"))
				return
			}
			if r.URL.Path != "/v1/"+jobName {
				t.Errorf("patch path = %q, want job name", r.URL.Path)
			}
			writeJSON(t, w, http.StatusOK, map[string]any{"name": jobName})
		})
		if err := c.UpsertJob(context.Background(), &cloudscheduler.Job{Name: jobName}); err != nil {
			t.Errorf("UpsertJob() unexpected error: %v", err)
		}
		mu.Lock()
		defer mu.Unlock()
		if strings.Join(methods, ",") != "POST,PATCH" {
			t.Errorf("methods = %v, want [POST PATCH]", methods)
		}
	})

	t.Run("invalid name", func(t *testing.T) {
		c := newTestClient(t, http.NotFound)
		if err := c.UpsertJob(context.Background(), &cloudscheduler.Job{Name: "nightly"}); err == nil {
			t.Error("UpsertJob() error = nil, want invalid name error")
		}
	})
}

func TestDeleteIgnoresNotFound(t *testing.T) {
	notFound := func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		writeJSON(t, w, http.StatusNotFound, apiError(404, "not found"))
	}

	c := newTestClient(t, notFound)
	if err := c.DeleteJob(context.Background(), "projects/p/locations/r/jobs/j"); err != nil {
		t.Errorf("DeleteJob() error = %v, want nil for missing job", err)
	}
	if err := c.DeleteTopic(context.Background(), "projects/p/topics/t"); err != nil {
		t.Errorf("DeleteTopic() error = %v, want nil for missing topic", err)
	}
}

func TestDeleteTopicPropagatesErrors(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, http.StatusForbidden, apiError(403, "denied"))
	})
	err := c.DeleteTopic(context.Background(), "projects/p/topics/t")
	var clientErr *ClientError
	if !errors.As(err, &clientErr) {
		t.Errorf("DeleteTopic() error = %v, want *ClientError", err)
	}
}

func TestJobParent(t *testing.T) {
	tests := map[string]string{
		"projects/p/locations/l/jobs/j": "projects/p/locations/l",
		"projects/p/locations/l/jobs/":  "",
		"jobs/j":                        "",
	}
	for in, want := range tests {
		got, _ := jobParent(in)
		if got != want {
			t.Errorf("jobParent(%q) = %q, want %q", in, got, want)
		}
	}
}
