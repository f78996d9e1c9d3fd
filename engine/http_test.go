package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestHTTP(t *testing.T) *HTTPService {
	t.Helper()
	h := NewHTTPService(&LoggerService{}, 5)
	h.BaseBackoff = time.Millisecond
	h.ServerBackoff = time.Millisecond
	t.Cleanup(h.Close)
	return h
}

func TestFetchPageSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); !strings.Contains(ua, "Mozilla") {
			t.Errorf("User-Agent = %q, want a browser string", ua)
		}
		w.Write([]byte("<html><body>ok</body></html>"))
	}))
	defer srv.Close()

	h := newTestHTTP(t)
	body, err := h.FetchPage(context.Background(), srv.URL, FetchOptions{})
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}
	if !strings.Contains(body, "ok") {
		t.Errorf("body = %q", body)
	}
}

func TestFetchPageRetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("recovered"))
	}))
	defer srv.Close()

	h := newTestHTTP(t)
	body, err := h.FetchPage(context.Background(), srv.URL, FetchOptions{})
	if err != nil {
		t.Fatalf("FetchPage() error = %v after retries", err)
	}
	if body != "recovered" {
		t.Errorf("body = %q", body)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestFetchPageClientErrorIsFatal(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	h := newTestHTTP(t)
	_, err := h.FetchPage(context.Background(), srv.URL, FetchOptions{})
	if err == nil {
		t.Fatal("FetchPage() succeeded on 404")
	}
	if !IsKind(err, KindNetwork) {
		t.Errorf("kind = %v, want NETWORK", KindOf(err))
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1 (4xx must not retry)", got)
	}
}

func TestFetchPageBlockedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	h := newTestHTTP(t)
	_, err := h.FetchPage(context.Background(), srv.URL, FetchOptions{})
	if !IsKind(err, KindSourceBlocked) {
		t.Fatalf("kind = %v, want SOURCE_BLOCKED for 403", KindOf(err))
	}
	var e *Error
	if !errors.As(err, &e) {
		t.Fatal("error is not an engine Error")
	}
	if e.Status != 403 || e.URL != srv.URL {
		t.Errorf("error carries status=%d url=%q", e.Status, e.URL)
	}
}

func TestFetchPagePost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			t.Errorf("content type = %q", ct)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		w.Write([]byte("kw=" + r.PostFormValue("searchkey")))
	}))
	defer srv.Close()

	h := newTestHTTP(t)
	body, err := h.FetchPage(context.Background(), srv.URL, FetchOptions{
		Method: "POST",
		Body:   "searchkey=test",
	})
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}
	if body != "kw=test" {
		t.Errorf("body = %q", body)
	}
}

func TestDecodeBodyDeclaredEncoding(t *testing.T) {
	// "你好" in GBK.
	gbk := []byte{0xC4, 0xE3, 0xBA, 0xC3}
	got, err := decodeBody(gbk, "gbk", "text/html")
	if err != nil {
		t.Fatalf("decodeBody() error = %v", err)
	}
	if got != "你好" {
		t.Errorf("decoded = %q, want 你好", got)
	}
}

func TestDecodeBodyMetaSniff(t *testing.T) {
	// GBK page declaring its charset in a meta tag, no rule encoding.
	page := append([]byte(`<html><head><meta charset="gbk"></head><body>`), 0xC4, 0xE3)
	page = append(page, []byte("</body></html>")...)
	got, err := decodeBody(page, "", "text/html")
	if err != nil {
		t.Fatalf("decodeBody() error = %v", err)
	}
	if !strings.Contains(got, "你") {
		t.Errorf("decoded = %q, want sniffed 你", got)
	}
}

func TestFlipScheme(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"http://example.com/x", "https://example.com/x", true},
		{"https://example.com/x", "http://example.com/x", true},
		{"ftp://example.com/x", "", false},
	}
	for _, tt := range tests {
		got, ok := flipScheme(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("flipScheme(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter("7"); got != 7*time.Second {
		t.Errorf("parseRetryAfter(7) = %v", got)
	}
	if got := parseRetryAfter(""); got != 0 {
		t.Errorf("parseRetryAfter(empty) = %v", got)
	}
	if got := parseRetryAfter("garbage"); got != 0 {
		t.Errorf("parseRetryAfter(garbage) = %v", got)
	}
}
