package index

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSyncUploadsDocument(t *testing.T) {
	var gotAuth, gotDocID, gotKB, gotFile string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/documents" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("failed to parse form: %v", err)
		}
		gotDocID = r.FormValue("document_id")
		gotKB = r.FormValue("knowledge_base")
		if _, hdr, err := r.FormFile("file"); err == nil {
			gotFile = hdr.Filename
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret-key", 5*time.Second, WithKnowledgeBase("invoices"))
	if err := c.Sync(context.Background(), "42", "scan.pdf", []byte("content")); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	if gotAuth != "Bearer secret-key" {
		t.Errorf("Authorization = %q, want bearer token", gotAuth)
	}
	if gotDocID != "42" || gotKB != "invoices" || gotFile != "scan.pdf" {
		t.Errorf("form = doc %q kb %q file %q", gotDocID, gotKB, gotFile)
	}
}

func TestSyncServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "index unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", 5*time.Second)
	err := c.Sync(context.Background(), "42", "scan.pdf", []byte("content"))

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Sync() error = %v, want APIError", err)
	}
	if apiErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("StatusCode = %d, want 503", apiErr.StatusCode)
	}
}
