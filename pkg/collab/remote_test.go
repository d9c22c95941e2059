package collab

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/decisio/decisio/pkg/kernel"
)

func asKernelError(err error, target **kernel.Error) bool {
	return errors.As(err, target)
}

func TestRemoteCompileSuccess(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		var body struct {
			Goal kernel.Goal `json:"goal"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if body.Goal.TenantID != "acme" {
			t.Errorf("tenant = %q, want acme", body.Goal.TenantID)
		}
		json.NewEncoder(w).Encode(collaboratorResponse{
			Payload: json.RawMessage(`{"objective":"grow"}`),
		})
	}))
	defer srv.Close()

	set := NewRemoteCollaborators(RemoteOptions{BaseURL: srv.URL + "/", AuthToken: "s3cret"})
	out, err := set.Compiler.Compile(context.Background(), kernel.Goal{TenantID: "acme", Text: "grow"})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if gotPath != "/v1/collaborators/compile" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer s3cret" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if string(out) != `{"objective":"grow"}` {
		t.Errorf("payload = %s", out)
	}
}

func TestRemoteErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
		code   string
	}{
		{
			name:   "declared transient wins over 4xx",
			status: http.StatusBadGateway,
			body:   `{"error":{"class":"transient","message":"upstream solver restarting"}}`,
			check:  kernel.IsTransient,
		},
		{
			name:   "declared terminal with code",
			status: http.StatusUnprocessableEntity,
			body:   `{"error":{"class":"terminal","code":"INFEASIBLE","message":"no feasible point"}}`,
			check:  kernel.IsTerminal,
			code:   kernel.ErrCodeInfeasible,
		},
		{
			name:   "429 without class is throttled",
			status: http.StatusTooManyRequests,
			body:   `{}`,
			check:  kernel.IsThrottled,
		},
		{
			name:   "5xx without class is transient",
			status: http.StatusInternalServerError,
			body:   `{}`,
			check:  kernel.IsTransient,
		},
		{
			name:   "4xx without class is terminal",
			status: http.StatusBadRequest,
			body:   `{}`,
			check:  kernel.IsTerminal,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			set := NewRemoteCollaborators(RemoteOptions{BaseURL: srv.URL})
			_, err := set.Optimizer.Optimize(context.Background(), json.RawMessage(`{}`))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !tc.check(err) {
				t.Errorf("wrong classification: %v", err)
			}
			if tc.code != "" {
				var kerr *kernel.Error
				if !asKernelError(err, &kerr) || kerr.Code != tc.code {
					t.Errorf("code mismatch: %v, want %s", err, tc.code)
				}
			}
		})
	}
}

func TestRemoteUnreachableIsTransient(t *testing.T) {
	set := NewRemoteCollaborators(RemoteOptions{BaseURL: "http://127.0.0.1:1"})
	_, err := set.Forecaster.Forecast(context.Background(), json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected an error")
	}
	if !kernel.IsTransient(err) {
		t.Errorf("connection failure should be transient, got %v", err)
	}
}

func TestRemoteContextCancellation(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	set := NewRemoteCollaborators(RemoteOptions{BaseURL: srv.URL})
	_, err := set.Explainer.Explain(ctx, json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected an error")
	}
	if kernel.IsTransient(err) || kernel.IsTerminal(err) {
		t.Errorf("context cancellation must not be classified, got %v", err)
	}
}
