package gcs

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeGCS struct {
	mu      sync.Mutex
	objects map[string][]byte
	calls   []string
}

func (f *fakeGCS) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Errorf("unexpected auth %q", r.Header.Get("Authorization"))
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		f.calls = append(f.calls, r.Method+" "+r.URL.EscapedPath())

		path := r.URL.EscapedPath()
		switch {
		case r.Method == http.MethodPost && strings.HasPrefix(path, "/upload/storage/v1/b/"):
			bucket := strings.Split(strings.TrimPrefix(path, "/upload/storage/v1/b/"), "/")[0]
			body, _ := io.ReadAll(r.Body)
			f.objects[bucket+"/"+r.URL.Query().Get("name")] = body
			w.WriteHeader(http.StatusOK)
		case strings.Contains(path, "/copyTo/"):
			parts := strings.Split(path, "/")
			src := unescape(parts[4]) + "/" + unescape(parts[6])
			dst := unescape(parts[9]) + "/" + unescape(parts[11])
			data, ok := f.objects[src]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			f.objects[dst] = append([]byte(nil), data...)
			w.WriteHeader(http.StatusOK)
		case strings.HasPrefix(path, "/storage/v1/b/") && strings.Contains(path, "/o/"):
			parts := strings.Split(path, "/")
			key := unescape(parts[4]) + "/" + unescape(parts[6])
			data, ok := f.objects[key]
			switch r.Method {
			case http.MethodDelete:
				if !ok {
					w.WriteHeader(http.StatusNotFound)
					return
				}
				delete(f.objects, key)
				w.WriteHeader(http.StatusNoContent)
			case http.MethodGet:
				if !ok {
					w.WriteHeader(http.StatusNotFound)
					return
				}
				if r.URL.Query().Get("alt") == "media" {
					_, _ = w.Write(data)
					return
				}
				_, _ = w.Write([]byte(`{"name":"x"}`))
			}
		case strings.HasPrefix(path, "/storage/v1/b/"):
			_, _ = w.Write([]byte(`{"items":[]}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})
}

func unescape(s string) string {
	r := strings.NewReplacer("%2F", "/", "%2f", "/")
	return r.Replace(s)
}

func newTestClient(t *testing.T) (*Client, *fakeGCS) {
	t.Helper()
	fake := &fakeGCS{objects: map[string][]byte{}}
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)
	return &Client{
		httpClient: srv.Client(),
		baseURL:    srv.URL,
		buckets:    []string{"imms-source", "imms-ack"},
		tokenSource: &tokenSource{fetch: func(context.Context) (string, time.Time, error) {
			return "token", time.Now().Add(time.Hour), nil
		}},
	}, fake
}

func TestObjectLifecycle(t *testing.T) {
	ctx := context.Background()
	client, fake := newTestClient(t)

	if err := client.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	name := "TempAck/flu_Vaccinations_v5_YGM41_InfAck_20240708T12130100.csv"
	if err := client.Write(ctx, "imms-ack", name, []byte("a|b\n"), "text/csv"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := client.Read(ctx, "imms-ack", name)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "a|b\n" {
		t.Fatalf("unexpected content %q", got)
	}

	final := "forwardedFile/flu_Vaccinations_v5_YGM41_InfAck_20240708T12130100.csv"
	if err := client.Copy(ctx, "imms-ack", name, "imms-ack", final); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if err := client.Delete(ctx, "imms-ack", name); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	exists, err := client.Exists(ctx, "imms-ack", name)
	if err != nil || exists {
		t.Fatalf("expected temp object gone, exists=%v err=%v", exists, err)
	}
	exists, err = client.Exists(ctx, "imms-ack", final)
	if err != nil || !exists {
		t.Fatalf("expected final object, exists=%v err=%v", exists, err)
	}
	if len(fake.calls) == 0 {
		t.Fatal("expected calls to be recorded")
	}
}

func TestReadMissingObject(t *testing.T) {
	client, _ := newTestClient(t)
	_, err := client.Read(context.Background(), "imms-ack", "missing.csv")
	if !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
	if err := client.Delete(context.Background(), "imms-ack", "missing.csv"); err != nil {
		t.Fatalf("Delete of missing object should succeed: %v", err)
	}
}

func TestCheckStatusIncludesBody(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusForbidden,
		Status:     "403 Forbidden",
		Body:       io.NopCloser(strings.NewReader("no access")),
	}
	err := checkStatus(resp, "gcs upload")
	if err == nil || !strings.Contains(err.Error(), "no access") {
		t.Fatalf("expected body in error, got %v", err)
	}
}

func TestTokenSourceCachesUntilExpiry(t *testing.T) {
	calls := 0
	ts := &tokenSource{fetch: func(context.Context) (string, time.Time, error) {
		calls++
		return "tok", time.Now().Add(time.Hour), nil
	}}
	for i := 0; i < 3; i++ {
		if _, err := ts.Token(context.Background()); err != nil {
			t.Fatalf("Token: %v", err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected a single fetch, got %d", calls)
	}
}

func TestParsePrivateKeyFormats(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	pkcs1 := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if _, err := parsePrivateKey(string(pkcs1)); err != nil {
		t.Fatalf("pkcs1: %v", err)
	}
	pkcs8Bytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal pkcs8: %v", err)
	}
	pkcs8 := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8Bytes})
	if _, err := parsePrivateKey(string(pkcs8)); err != nil {
		t.Fatalf("pkcs8: %v", err)
	}
	if _, err := parsePrivateKey("garbage"); err == nil {
		t.Fatal("expected invalid key error")
	}
}
