package http_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"testing"

	"github.com/klauspost/compress/gzhttp"

	imghttp "github.com/meigma/imgcache/fetch/http"
)

func TestFetcherGet(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte("image-bytes-"), 512)
	var gotUA, gotAuth string
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	f := imghttp.New(imghttp.WithHeader("Authorization", "Bearer x"), imghttp.WithUserAgent("test-agent"))
	rc, err := f.Fetch(context.Background(), server.URL+"/a.png")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("body mismatch: got %d bytes, want %d", len(got), len(payload))
	}
	if gotUA != "test-agent" {
		t.Fatalf("User-Agent = %q, want %q", gotUA, "test-agent")
	}
	if gotAuth != "Bearer x" {
		t.Fatalf("Authorization = %q, want %q", gotAuth, "Bearer x")
	}
}

func TestFetcherDecompressesGzip(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte("compressible "), 1024)
	var encoding string
	handler := gzhttp.GzipHandler(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write(payload)
	}))
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		encoding = r.Header.Get("Accept-Encoding")
		handler.ServeHTTP(w, r)
	}))
	defer server.Close()

	rc, err := imghttp.New().Fetch(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("body mismatch: got %d bytes, want %d", len(got), len(payload))
	}
	if encoding == "" {
		t.Fatal("request did not advertise an Accept-Encoding")
	}
}

func TestFetcherStatus(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		nethttp.Error(w, "gone", nethttp.StatusNotFound)
	}))
	defer server.Close()

	_, err := imghttp.New().Fetch(context.Background(), server.URL)
	if !errors.Is(err, imghttp.ErrStatus) {
		t.Fatalf("Fetch() error = %v, want ErrStatus", err)
	}
}

func TestFetcherMaxBytes(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		// Flushing first forces chunked encoding so the length is unknown.
		w.(nethttp.Flusher).Flush()
		_, _ = w.Write(make([]byte, 100))
	}))
	defer server.Close()

	f := imghttp.New(imghttp.WithMaxBytes(10))
	rc, err := f.Fetch(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	defer rc.Close()
	if _, err := io.ReadAll(rc); !errors.Is(err, imghttp.ErrTooLarge) {
		t.Fatalf("ReadAll() error = %v, want ErrTooLarge", err)
	}

	f = imghttp.New(imghttp.WithMaxBytes(100))
	rc, err = f.Fetch(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil || len(got) != 100 {
		t.Fatalf("ReadAll() = %d bytes, %v; want 100 bytes", len(got), err)
	}
}

func TestFetcherCancelled(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		_, _ = w.Write([]byte("x"))
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := imghttp.New().Fetch(ctx, server.URL); !errors.Is(err, context.Canceled) {
		t.Fatalf("Fetch() error = %v, want context.Canceled", err)
	}
}
