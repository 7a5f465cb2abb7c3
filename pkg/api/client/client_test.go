package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDeployRejectedCarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/applications/app-1/deployments" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("unexpected authorization header %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "45")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"outcome":"rejected","active_deployment_id":"d1","reason":"queue_full"}`))
	}))
	defer srv.Close()

	cli, err := New(srv.URL, WithToken("tok"))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	result, err := cli.Deploy(context.Background(), "app-1", DeployInput{Commit: "abc"})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if result.Outcome != OutcomeRejected || result.ActiveDeploymentID != "d1" {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.RetryAfter != 45*time.Second {
		t.Fatalf("expected retry after 45s, got %s", result.RetryAfter)
	}
}

func TestRateLimitedRequestIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "12")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	_, err := cli.Deploy(context.Background(), "app-1", DeployInput{})
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusTooManyRequests || apiErr.RetryAfter != 12*time.Second {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
	if apiErr.Message != "rate limit exceeded" {
		t.Fatalf("unexpected message %q", apiErr.Message)
	}
}

func TestRollbackRejectedCarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"event":{"id":"rb1","status":"pending"},"admission":{"outcome":"rejected"}}`))
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	result, err := cli.Rollback(context.Background(), "app-1", RollbackInput{TargetDeploymentID: "d1"})
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if result.Event.Status != "pending" || result.Admission.RetryAfter != 30*time.Second {
		t.Fatalf("unexpected rollback result %+v", result)
	}
}

func TestNotFoundMapsToAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not found"}`))
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	_, err := cli.GetDeployment(context.Background(), "missing")
	var apiErr APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Fatalf("expected 404 APIError, got %v", err)
	}
}

func TestNewNormalisesBaseURL(t *testing.T) {
	cli, err := New(" localhost:4000/ ")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if cli.baseURL != "http://localhost:4000" {
		t.Fatalf("unexpected base url %q", cli.baseURL)
	}
}
