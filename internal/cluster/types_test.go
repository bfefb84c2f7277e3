package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDecodeAddressBook covers the accepted and rejected book shapes
func TestDecodeAddressBook(t *testing.T) {
	tests := []struct {
		name    string
		src     any
		want    []string
		wantErr bool
	}{
		{
			name: "string keys",
			src:  map[string]any{"1": "b:2", "0": "a:1"},
			want: []string{"a:1", "b:2"},
		},
		{
			name: "int keys",
			src:  map[int]string{0: "a:1", 1: "b:2", 2: "c:3"},
			want: []string{"a:1", "b:2", "c:3"},
		},
		{
			name:    "empty book",
			src:     map[string]any{},
			wantErr: true,
		},
		{
			name:    "gap in ranks",
			src:     map[string]any{"0": "a:1", "2": "c:3"},
			wantErr: true,
		},
		{
			name:    "empty address",
			src:     map[string]any{"0": " "},
			wantErr: true,
		},
		{
			name:    "non numeric rank",
			src:     map[string]any{"zero": "a:1"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			book, err := DecodeAddressBook(tt.src)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrBadAddressBook))
				return
			}
			require.NoError(t, err)
			require.Len(t, book, len(tt.want))
			for i, addr := range tt.want {
				assert.Equal(t, i, book[i].Rank)
				assert.Equal(t, addr, book[i].Addr)
			}
		})
	}
}

func TestLoadAddressBook(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "book.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"0":"127.0.0.1:7000","1":"127.0.0.1:7001"}`), 0o600))

	book, err := LoadAddressBook(path)
	require.NoError(t, err)
	require.Len(t, book, 2)
	assert.Equal(t, "http://127.0.0.1:7001", book[1].URL())

	_, err = book.Peer(2)
	assert.ErrorIs(t, err, ErrBadAddressBook)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`[1,2]`), 0o600))
	_, err = LoadAddressBook(bad)
	assert.ErrorIs(t, err, ErrBadAddressBook)
}

func TestPeerURL(t *testing.T) {
	assert.Equal(t, "http://h:1", PeerInfo{Addr: "h:1"}.URL())
	assert.Equal(t, "https://h:1", PeerInfo{Addr: "https://h:1/"}.URL())
}

// TestPostJSON tests the PostJSON function with various scenarios
func TestPostJSON(t *testing.T) {
	tests := []struct {
		name           string
		serverResponse int
		serverBody     string
		requestBody    any
		responseBody   any
		expectError    bool
	}{
		{
			name:           "successful POST with response",
			serverResponse: http.StatusOK,
			serverBody:     `{"status":"ok"}`,
			requestBody:    map[string]string{"test": "data"},
			responseBody:   &map[string]string{},
		},
		{
			name:           "successful POST without response body",
			serverResponse: http.StatusNoContent,
			requestBody:    map[string]string{"test": "data"},
		},
		{
			name:           "server error response",
			serverResponse: http.StatusInternalServerError,
			serverBody:     "protocol error",
			requestBody:    map[string]string{"test": "data"},
			expectError:    true,
		},
		{
			name:           "unmarshalable request body",
			serverResponse: http.StatusOK,
			requestBody:    make(chan int),
			expectError:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				w.WriteHeader(tt.serverResponse)
				if tt.serverBody != "" {
					_, _ = w.Write([]byte(tt.serverBody))
				}
			}))
			defer server.Close()

			err := PostJSON(context.Background(), server.URL, tt.requestBody, tt.responseBody)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestPostJSONStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "push before init", http.StatusConflict)
	}))
	defer server.Close()

	err := PostJSON(context.Background(), server.URL, struct{}{}, nil)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusConflict, se.Code)
	assert.Contains(t, se.Error(), "push before init")
}

// TestPostJSONDeadline verifies a silent peer turns into an error
func TestPostJSONDeadline(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	old := DefaultTimeout
	DefaultTimeout = 50 * time.Millisecond
	defer func() { DefaultTimeout = old }()

	err := PostJSON(context.Background(), server.URL, struct{}{}, nil)
	assert.Error(t, err)
}

func TestGetJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		_ = json.NewEncoder(w).Encode(map[string]int{"rows": 10})
	}))
	defer server.Close()

	var out map[string]int
	require.NoError(t, GetJSON(context.Background(), server.URL, &out))
	assert.Equal(t, 10, out["rows"])
}
