package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewClient_Validation(t *testing.T) {
	for _, bad := range []string{
		"://broken",
		"ftp://host:21",
		"http://",
	} {
		if _, err := NewClient(bad); err == nil {
			t.Errorf("NewClient(%q): expected error", bad)
		}
	}

	c, err := NewClient("http://telegram-api:8081")
	if err != nil {
		t.Fatal(err)
	}
	if c.BaseURL().Host != "telegram-api:8081" {
		t.Errorf("unexpected host: %s", c.BaseURL().Host)
	}
}

func TestPing_AnyResponseCounts(t *testing.T) {
	// The Bot API server answers 404 on its bare root; that still proves
	// the listener is up.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("404 should pass the ping: %v", err)
	}
}

func TestPing_ServerErrorFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Ping(context.Background()); err == nil {
		t.Error("5xx must fail the ping")
	}
}

func TestPing_ConnectionRefused(t *testing.T) {
	c, err := NewClient("http://127.0.0.1:1")
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Ping(context.Background()); err == nil {
		t.Error("refused connection must fail the ping")
	}
}
