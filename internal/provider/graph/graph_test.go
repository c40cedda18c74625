package graph

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/shineum/mimemail/internal/email"
)

type graphServer struct {
	srv        *httptest.Server
	tokenCalls int32
	sendCalls  int32

	// tokens are handed out in order by the token endpoint.
	tokens []string
	// handle responds to a sendMail request.
	handle func(w http.ResponseWriter, r *http.Request, body []byte)
}

func newGraphServer(t *testing.T, tokens []string, handle func(w http.ResponseWriter, r *http.Request, body []byte)) *graphServer {
	t.Helper()
	gs := &graphServer{tokens: tokens, handle: handle}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&gs.tokenCalls, 1)
		tok := gs.tokens[len(gs.tokens)-1]
		if int(n) <= len(gs.tokens) {
			tok = gs.tokens[n-1]
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: tok, ExpiresIn: 3600, TokenType: "Bearer"})
	})
	mux.HandleFunc("/users/sender@example.com/sendMail", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&gs.sendCalls, 1)
		body, _ := io.ReadAll(r.Body)
		gs.handle(w, r, body)
	})

	gs.srv = httptest.NewServer(mux)
	t.Cleanup(gs.srv.Close)
	return gs
}

func (gs *graphServer) provider() *Provider {
	cfg := Config{TenantID: "tenant", ClientID: "client", ClientSecret: "secret", Sender: "sender@example.com"}
	return newWithOverrides(cfg, gs.srv.URL+"/users/sender@example.com/sendMail", gs.srv.URL+"/token", gs.srv.Client())
}

func testPayload(t *testing.T) *email.Payload {
	t.Helper()
	m := email.New("rcpt@example.com", "sender@example.com", "Graph Test", email.WithText("Hello via Graph"))
	p, err := m.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return p
}

func TestName(t *testing.T) {
	t.Parallel()
	p := New(Config{TenantID: "t", ClientID: "c", ClientSecret: "s", Sender: "a@b.c"})
	if got := p.Name(); got != "msgraph" {
		t.Errorf("Name(): got %q, want %q", got, "msgraph")
	}
}

func TestTransmit_MIMEBody(t *testing.T) {
	t.Parallel()

	payload := testPayload(t)
	gs := newGraphServer(t, []string{"tok-1"}, func(w http.ResponseWriter, r *http.Request, body []byte) {
		if r.Method != http.MethodPost {
			t.Errorf("method: got %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "text/plain" {
			t.Errorf("Content-Type: got %q, want text/plain", ct)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer tok-1" {
			t.Errorf("Authorization: got %q", auth)
		}
		decoded, err := base64.StdEncoding.DecodeString(string(body))
		if err != nil {
			t.Errorf("body is not base64: %v", err)
		}
		if string(decoded) != string(payload.Bytes()) {
			t.Error("decoded body does not match the built message")
		}
		w.WriteHeader(http.StatusAccepted)
	})

	if err := gs.provider().Transmit(context.Background(), payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := atomic.LoadInt32(&gs.sendCalls); n != 1 {
		t.Errorf("send calls: got %d, want 1", n)
	}
}

func TestTransmit_RefreshOn401(t *testing.T) {
	t.Parallel()

	gs := newGraphServer(t, []string{"stale", "fresh"}, func(w http.ResponseWriter, r *http.Request, _ []byte) {
		if r.Header.Get("Authorization") == "Bearer stale" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	if err := gs.provider().Transmit(context.Background(), testPayload(t)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := atomic.LoadInt32(&gs.tokenCalls); n != 2 {
		t.Errorf("token calls: got %d, want 2", n)
	}
	if n := atomic.LoadInt32(&gs.sendCalls); n != 2 {
		t.Errorf("send calls: got %d, want 2", n)
	}
}

func TestTransmit_Persistent401(t *testing.T) {
	t.Parallel()

	gs := newGraphServer(t, []string{"tok"}, func(w http.ResponseWriter, _ *http.Request, _ []byte) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	err := gs.provider().Transmit(context.Background(), testPayload(t))
	var sendErr *SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("expected *SendError, got %v", err)
	}
	if sendErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("status: got %d, want 401", sendErr.StatusCode)
	}
	if n := atomic.LoadInt32(&gs.sendCalls); n != 2 {
		t.Errorf("send calls: got %d, want 2 (one refresh only)", n)
	}
}

func TestTransmit_GraphError(t *testing.T) {
	t.Parallel()

	gs := newGraphServer(t, []string{"tok"}, func(w http.ResponseWriter, _ *http.Request, _ []byte) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":{"code":"ErrorInvalidRecipients","message":"At least one recipient is not valid."}}`)
	})

	err := gs.provider().Transmit(context.Background(), testPayload(t))
	var sendErr *SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("expected *SendError, got %v", err)
	}
	if sendErr.Code != "ErrorInvalidRecipients" {
		t.Errorf("code: got %q", sendErr.Code)
	}
	if !strings.Contains(err.Error(), "not valid") {
		t.Errorf("error should carry the Graph message, got %v", err)
	}
	if n := atomic.LoadInt32(&gs.sendCalls); n != 1 {
		t.Errorf("send calls: got %d, want 1 (no retries)", n)
	}
}

func TestTransmit_NonJSONError(t *testing.T) {
	t.Parallel()

	gs := newGraphServer(t, []string{"tok"}, func(w http.ResponseWriter, _ *http.Request, _ []byte) {
		http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
	})

	err := gs.provider().Transmit(context.Background(), testPayload(t))
	var sendErr *SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("expected *SendError, got %v", err)
	}
	if sendErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status: got %d, want 503", sendErr.StatusCode)
	}
	if !strings.Contains(sendErr.Message, "upstream unavailable") {
		t.Errorf("message: got %q", sendErr.Message)
	}
}

func TestSend_ReportsFailure(t *testing.T) {
	t.Parallel()

	gs := newGraphServer(t, []string{"tok"}, func(w http.ResponseWriter, _ *http.Request, _ []byte) {
		w.WriteHeader(http.StatusForbidden)
	})

	m := email.New("rcpt@example.com", "sender@example.com", "Hi", email.WithText("x"))
	ok, err := m.Send(context.Background(), gs.provider())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("Send should report false on a Graph rejection")
	}
}
