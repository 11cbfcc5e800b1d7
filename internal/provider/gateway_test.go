package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"wa-linepool/internal/lines"
)

func TestGateway_SendText(t *testing.T) {
	var got sendTextRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/instances/line-1/messages/text" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"id":"m1"}`))
	}))
	defer srv.Close()

	g := NewGateway(srv.URL+"/", "tok", time.Second)
	rc, err := g.SendText(context.Background(), "line-1", "+5511999", "hi")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if rc.ProviderMessageID != "m1" {
		t.Fatalf("unexpected receipt: %+v", rc)
	}
	if got.Number != "5511999" || got.Text != "hi" {
		t.Fatalf("unexpected body: %+v", got)
	}
}

func TestGateway_ServerErrorIsProviderUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "session gone", http.StatusBadGateway)
	}))
	defer srv.Close()

	g := NewGateway(srv.URL, "", time.Second)
	if _, err := g.SendText(context.Background(), "h", "+1", "x"); !errors.Is(err, lines.ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
	st, err := g.ConnectionState(context.Background(), "h")
	if err == nil || st != StateUnknown {
		t.Fatalf("failed probe must be unknown, got %q err=%v", st, err)
	}
}

func TestGateway_ConnectionState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"state":"close"}`))
	}))
	defer srv.Close()

	st, err := NewGateway(srv.URL, "", time.Second).ConnectionState(context.Background(), "h")
	if err != nil || st != StateClosed {
		t.Fatalf("expected closed, got %q err=%v", st, err)
	}
}

func TestParseConnState(t *testing.T) {
	cases := map[string]ConnState{
		"open":       StateOpen,
		"CONNECTED":  StateOpen,
		"close":      StateClosed,
		"connecting": StateUnknown,
		"":           StateUnknown,
	}
	for in, want := range cases {
		if got := ParseConnState(in); got != want {
			t.Fatalf("%q: expected %q, got %q", in, want, got)
		}
	}
}

func TestNormalizePhone(t *testing.T) {
	cases := map[string]string{
		" +55 11 9999-0000 ":          "+551199990000",
		"whatsapp:+15551234567":       "+15551234567",
		"551199990000@s.whatsapp.net": "+551199990000",
		"":                            "",
	}
	for in, want := range cases {
		if got := NormalizePhone(in); got != want {
			t.Fatalf("%q: expected %q, got %q", in, want, got)
		}
	}
}
