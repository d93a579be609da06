package transport_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/a-essam23/go-uplink/pkg/transport"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

func TestClientSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected json content type, got %q", ct)
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c, err := transport.NewClient(newTestLogger(), srv.URL, 5*time.Second)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	resp, err := c.Do(context.Background(), &transport.Request{
		Method: "POST",
		URL:    "/things",
		Body:   json.RawMessage(`{"name":"x"}`),
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Errorf("unexpected status %d", resp.Status)
	}
}

func TestClientClassifiesStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, _ := transport.NewClient(newTestLogger(), srv.URL, 5*time.Second)
	_, err := c.Do(context.Background(), &transport.Request{Method: "GET", URL: "/me"})
	if err == nil {
		t.Fatal("expected error for 401")
	}
	if !transport.IsUnauthorized(err) {
		t.Errorf("expected unauthorized classification, got %v", err)
	}
	if transport.IsNetwork(err) {
		t.Error("401 must not be classified as a network failure")
	}
}

func TestClientClassifiesNetworkError(t *testing.T) {
	// a closed server yields a connection error
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c, _ := transport.NewClient(newTestLogger(), srv.URL, time.Second)
	_, err := c.Do(context.Background(), &transport.Request{Method: "GET", URL: "/"})
	if err == nil {
		t.Fatal("expected error against closed server")
	}
	if !transport.IsNetwork(err) {
		t.Errorf("expected network classification, got %v", err)
	}
}

func TestChainOrderAndClientID(t *testing.T) {
	var order []string
	base := transport.DoerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
		order = append(order, "base")
		if req.Header.Get("X-Client-ID") != "uplink-test" {
			t.Errorf("client id header missing")
		}
		return &transport.Response{Status: 200}, nil
	})

	mark := func(name string) transport.Interceptor {
		return func(next transport.Doer) transport.Doer {
			return transport.DoerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
				order = append(order, name)
				return next.Do(ctx, req)
			})
		}
	}

	chained := transport.Chain(base,
		mark("outer"),
		transport.WithClientID("uplink-test"),
		mark("inner"),
	)
	if _, err := chained.Do(context.Background(), &transport.Request{Method: "GET", URL: "/"}); err != nil {
		t.Fatalf("chained Do failed: %v", err)
	}

	want := []string{"outer", "inner", "base"}
	for i, name := range want {
		if order[i] != name {
			t.Fatalf("unexpected interceptor order: %v", order)
		}
	}
}
