package workerapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBackupCarriesBearerAndPayload(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/rustic/backup", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Write([]byte(`{"rustic":{"success":true}}`))
	}))
	defer srv.Close()

	client := NewClient(zap.NewNop())
	result, err := client.Backup(context.Background(), srv.URL, "tok123", BackupRequest{
		Backend:    "rclone",
		Repository: "rclone:glare-abc:bucket",
		Password:   "secret",
		Paths:      []string{"/a"},
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok123", gotAuth)
	assert.Equal(t, "rclone", gotBody["backend"])
	assert.Equal(t, "secret", gotBody["password"])
	assert.True(t, result.Success)
}

func TestRusticSuccessOverridesHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 200 with an explicit tool failure.
		w.Write([]byte(`{"rustic":{"success":false},"error":"repository locked"}`))
	}))
	defer srv.Close()

	client := NewClient(zap.NewNop())
	result, err := client.Backup(context.Background(), srv.URL, "tok", BackupRequest{Paths: []string{"/a"}})
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, "repository locked", result.ErrorMessage)
}

func TestNon2xxWithoutRusticFieldFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"boom"}`))
	}))
	defer srv.Close()

	client := NewClient(zap.NewNop())
	result, err := client.Backup(context.Background(), srv.URL, "tok", BackupRequest{Paths: []string{"/a"}})
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, "boom", result.ErrorMessage)
}

func TestNonJSONBodyIsKeptVerbatim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("plain text"))
	}))
	defer srv.Close()

	client := NewClient(zap.NewNop())
	result, err := client.Backup(context.Background(), srv.URL, "tok", BackupRequest{Paths: []string{"/a"}})
	require.NoError(t, err)

	assert.True(t, result.Success, "2xx without rustic field counts as success")
	assert.Equal(t, "plain text", result.Body)
	assert.Nil(t, result.Decoded)
}

func TestUnreachableWorkerReturnsError(t *testing.T) {
	client := NewClient(zap.NewNop())
	_, err := client.Backup(context.Background(), "http://127.0.0.1:1", "tok", BackupRequest{Paths: []string{"/a"}})
	require.Error(t, err)
}

func TestForgetSerializesRetentionRules(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/rustic/forget", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	keepLast := 7
	client := NewClient(zap.NewNop())
	_, err := client.Forget(context.Background(), srv.URL, "tok", ForgetRequest{
		Backend:    "local",
		Repository: "/srv/repo",
		Prune:      true,
		KeepLast:   &keepLast,
	})
	require.NoError(t, err)

	assert.Equal(t, true, gotBody["prune"])
	assert.EqualValues(t, 7, gotBody["keepLast"])
	_, hasDaily := gotBody["keepDaily"]
	assert.False(t, hasDaily, "unset rules are omitted")
}
