package gist

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"copybot/config"

	"go.uber.org/zap"
)

type snapshot struct {
	Version int      `json:"version"`
	Tokens  []string `json:"tokens"`
}

func newTestClient(url, gistID string) *Client {
	return &Client{
		logger:     zap.NewNop(),
		httpClient: http.DefaultClient,
		apiBase:    url,
		token:      "test-token",
		gistID:     gistID,
	}
}

func TestNewClient(t *testing.T) {
	cfg := &config.Config{
		Gist: config.GistConfig{
			Token:  "test-token",
			GistID: "test-gist-id",
		},
	}

	client := NewClient(nil, cfg)

	if !client.IsEnabled() {
		t.Error("expected client to be enabled with token")
	}
	if client.GistID() != "test-gist-id" {
		t.Errorf("expected gistID 'test-gist-id', got '%s'", client.GistID())
	}
	if client.apiBase != defaultAPIBase {
		t.Errorf("unexpected api base: %s", client.apiBase)
	}
}

func TestDisabledClient(t *testing.T) {
	client := NewClient(zap.NewNop(), &config.Config{})
	ctx := context.Background()

	if client.IsEnabled() {
		t.Error("expected client to be disabled without token")
	}
	if err := client.SaveJSON(ctx, "f.json", snapshot{}); !errors.Is(err, ErrDisabled) {
		t.Errorf("expected ErrDisabled on save, got %v", err)
	}
	var dest snapshot
	if err := client.LoadJSON(ctx, "f.json", &dest); !errors.Is(err, ErrDisabled) {
		t.Errorf("expected ErrDisabled on load, got %v", err)
	}
}

func TestSaveJSON_UpdateExisting(t *testing.T) {
	var got gistRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("expected PATCH, got %s", r.Method)
		}
		if r.URL.Path != "/gists/existing-id" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("unexpected auth header: %s", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write([]byte(`{"id":"existing-id"}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, "existing-id")

	if err := client.SaveJSON(context.Background(), "store.json", snapshot{Version: 1, Tokens: []string{"0xabc"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got.Public {
		t.Error("snapshot gist must be private")
	}
	file, ok := got.Files["store.json"]
	if !ok {
		t.Fatal("expected store.json in request files")
	}
	var decoded snapshot
	if err := json.Unmarshal([]byte(file.Content), &decoded); err != nil {
		t.Fatalf("content is not JSON: %v", err)
	}
	if decoded.Version != 1 || len(decoded.Tokens) != 1 {
		t.Errorf("unexpected content: %+v", decoded)
	}
}

func TestSaveJSON_CreatesGist(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/gists" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"new-gist-id"}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, "")

	if err := client.SaveJSON(context.Background(), "store.json", snapshot{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.GistID() != "new-gist-id" {
		t.Errorf("expected gist ID to be remembered, got %q", client.GistID())
	}
}

func TestSaveJSON_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"message":"bad"}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, "id")

	if err := client.SaveJSON(context.Background(), "store.json", snapshot{}); err == nil {
		t.Error("expected error for 422 response")
	}
}

func TestSaveJSON_MarshalError(t *testing.T) {
	client := newTestClient("http://unused", "id")

	if err := client.SaveJSON(context.Background(), "store.json", make(chan int)); err == nil {
		t.Error("expected marshal error for channel value")
	}
}

func TestLoadJSON_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/gists/gist-1" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode(gistDoc{
			ID: "gist-1",
			Files: map[string]gistFile{
				"store.json": {Content: `{"version":2,"tokens":["0xa","0xb"]}`},
			},
		})
	}))
	defer server.Close()

	client := newTestClient(server.URL, "gist-1")

	var dest snapshot
	if err := client.LoadJSON(context.Background(), "store.json", &dest); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dest.Version != 2 || len(dest.Tokens) != 2 {
		t.Errorf("unexpected snapshot: %+v", dest)
	}
}

func TestLoadJSON_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"gist missing", http.StatusNotFound, `{}`, ErrGistNotFound},
		{"file missing", http.StatusOK, `{"id":"g","files":{"other.json":{"content":"{}"}}}`, ErrFileNotFound},
		{"bad content", http.StatusOK, `{"id":"g","files":{"store.json":{"content":"not json"}}}`, nil},
		{"server error", http.StatusInternalServerError, `oops`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := newTestClient(server.URL, "g")

			var dest snapshot
			err := client.LoadJSON(context.Background(), "store.json", &dest)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadJSON_NoGistID(t *testing.T) {
	client := newTestClient("http://unused", "")

	var dest snapshot
	if err := client.LoadJSON(context.Background(), "store.json", &dest); !errors.Is(err, ErrNoGistID) {
		t.Errorf("expected ErrNoGistID, got %v", err)
	}
}
