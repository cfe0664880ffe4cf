package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kevinMEH/web-vault/internal/auth"
	"github.com/kevinMEH/web-vault/internal/events"
	"github.com/kevinMEH/web-vault/internal/logging"
	"github.com/kevinMEH/web-vault/internal/ops"
	"github.com/kevinMEH/web-vault/internal/quota"
	"github.com/kevinMEH/web-vault/internal/scheduler"
	"github.com/kevinMEH/web-vault/internal/storage/local"
	"github.com/kevinMEH/web-vault/internal/vfs"
)

const (
	testSecret    = "test-secret"
	testAdminKey  = "admin-key"
	testMaxUpload = 64
)

type testEnv struct {
	server *httptest.Server
	engine *ops.Engine
	authz  *auth.Authorizer
	clock  *clock.Mock
}

func newTestEnv(t *testing.T, limiter *quota.RateLimiter, vaults ...string) *testEnv {
	t.Helper()
	logging.InitNop()

	backend, err := local.New(local.Config{RootPath: filepath.Join(t.TempDir(), "data"), CreateDirs: true})
	require.NoError(t, err)

	mock := clock.NewMock()
	reg := vfs.NewRegistry()
	broadcaster := events.NewBroadcaster()
	engine := ops.New(reg, backend, scheduler.New(mock), ops.Options{Notifier: broadcaster})
	for _, v := range vaults {
		require.NoError(t, engine.CreateVault(context.Background(), v))
	}

	hash, err := auth.HashAdminKey(testAdminKey)
	require.NoError(t, err)
	authz := auth.New(testSecret, reg, hash)

	srv := httptest.NewServer(NewServer(engine, authz, limiter, broadcaster, testMaxUpload).Handler())
	t.Cleanup(srv.Close)
	return &testEnv{server: srv, engine: engine, authz: authz, clock: mock}
}

func (e *testEnv) token(t *testing.T, vault string) string {
	t.Helper()
	tok, _, err := e.authz.Issue(vault, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, token string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, body)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) postJSON(t *testing.T, path, token string, v any) *http.Response {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return e.do(t, http.MethodPost, path, token, bytes.NewReader(data))
}

func decodeResult(t *testing.T, resp *http.Response) resultResponse {
	t.Helper()
	var res resultResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	return res
}

func (e *testEnv) sync(t *testing.T, token, p string, depth int) map[string]any {
	t.Helper()
	resp := e.postJSON(t, "/api/v1/sync", token, map[string]any{"path": p, "depth": depth})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func names(dir map[string]any) []string {
	var out []string
	for _, c := range dir["contents"].([]any) {
		out = append(out, c.(map[string]any)["name"].(string))
	}
	return out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil, "docs")
	resp := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 1, body["vaults"])
}

func TestUploadAndDownload(t *testing.T) {
	env := newTestEnv(t, nil, "docs")
	tok := env.token(t, "docs")

	resp := env.do(t, http.MethodPost, "/api/v1/upload/docs/notes/readme.txt", tok, strings.NewReader("hello"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	res := decodeResult(t, resp)
	assert.True(t, res.Success)
	assert.Empty(t, res.Path)

	resp = env.do(t, http.MethodPost, "/api/v1/upload/docs/notes/readme.txt", tok, strings.NewReader("again"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	res = decodeResult(t, resp)
	assert.True(t, res.Success)
	assert.Equal(t, "docs/notes/readme (1).txt", res.Path)

	resp = env.do(t, http.MethodGet, "/api/v1/content/docs/notes/readme%20(1).txt", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "again", string(data))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "readme (1).txt")
}

func TestDownloadRange(t *testing.T) {
	env := newTestEnv(t, nil, "docs")
	tok := env.token(t, "docs")
	env.do(t, http.MethodPost, "/api/v1/upload/docs/a.txt", tok, strings.NewReader("0123456789"))

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/api/v1/content/docs/a.txt", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Range", "bytes=2-4")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	data, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "234", string(data))
}

func TestUploadTooLarge(t *testing.T) {
	env := newTestEnv(t, nil, "docs")
	tok := env.token(t, "docs")

	resp := env.do(t, http.MethodPost, "/api/v1/upload/docs/big.bin", tok, bytes.NewReader(make([]byte, testMaxUpload+1)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.False(t, decodeResult(t, resp).Success)

	// Without a declared length the limit trips while staging.
	resp = env.do(t, http.MethodPost, "/api/v1/upload/docs/big.bin", tok,
		io.MultiReader(bytes.NewReader(make([]byte, testMaxUpload+1))))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	out := env.sync(t, tok, "docs", 1)
	assert.Empty(t, out["directory"].(map[string]any)["contents"])
}

func TestAuthorization(t *testing.T) {
	env := newTestEnv(t, nil, "docs", "other")
	otherTok := env.token(t, "other")

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   string
		status int
	}{
		{"no token sync", http.MethodPost, "/api/v1/sync", "", `{"path":"docs","depth":1}`, http.StatusUnauthorized},
		{"wrong vault sync", http.MethodPost, "/api/v1/sync", otherTok, `{"path":"docs","depth":1}`, http.StatusUnauthorized},
		{"wrong vault upload", http.MethodPost, "/api/v1/upload/docs/a.txt", otherTok, "x", http.StatusUnauthorized},
		{"garbage token", http.MethodGet, "/api/v1/content/docs/a.txt", "not-a-jwt", "", http.StatusUnauthorized},
		{"invalid path", http.MethodPost, "/api/v1/folder", otherTok, `{"path":"other/../docs"}`, http.StatusBadRequest},
		{"malformed body", http.MethodPost, "/api/v1/delete", otherTok, `{`, http.StatusBadRequest},
		{"events wrong vault", http.MethodGet, "/api/v1/events?vault=docs", otherTok, "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, tt.method, tt.path, tt.token, strings.NewReader(tt.body))
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.False(t, decodeResult(t, resp).Success)
		})
	}
}

func TestSyncDepth(t *testing.T) {
	env := newTestEnv(t, nil, "docs")
	tok := env.token(t, "docs")
	env.do(t, http.MethodPost, "/api/v1/upload/docs/a/b/c.txt", tok, strings.NewReader("c"))

	out := env.sync(t, tok, "docs", 0)
	dir := out["directory"].(map[string]any)
	assert.Equal(t, "docs", dir["name"])
	assert.NotContains(t, dir, "contents")

	out = env.sync(t, tok, "docs", 1)
	dir = out["directory"].(map[string]any)
	assert.Equal(t, []string{"a"}, names(dir))
	a := dir["contents"].([]any)[0].(map[string]any)
	assert.NotContains(t, a, "contents")

	out = env.sync(t, tok, "docs/a/b", 1)
	dir = out["directory"].(map[string]any)
	file := dir["contents"].([]any)[0].(map[string]any)
	assert.Equal(t, "c.txt", file["name"])
	assert.EqualValues(t, 1, file["byteSize"])
	assert.NotContains(t, file, "storageHandle")

	out = env.sync(t, tok, "docs/a/b/c.txt", 1)
	assert.NotContains(t, out, "directory")
	out = env.sync(t, tok, "docs/missing", 1)
	assert.NotContains(t, out, "directory")

	resp := env.postJSON(t, "/api/v1/sync", tok, map[string]any{"path": "docs", "depth": -1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSyncGzip(t *testing.T) {
	env := newTestEnv(t, nil, "docs")
	tok := env.token(t, "docs")

	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/api/v1/sync",
		strings.NewReader(`{"path":"docs","depth":1}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	// Setting the header explicitly turns off transparent decompression.
	req.Header.Set("Accept-Encoding", "gzip")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))
}

func TestFolderDeleteMoveCopy(t *testing.T) {
	env := newTestEnv(t, nil, "docs")
	tok := env.token(t, "docs")

	resp := env.postJSON(t, "/api/v1/folder", tok, map[string]string{"path": "docs/x"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decodeResult(t, resp).Success)

	resp = env.postJSON(t, "/api/v1/folder", tok, map[string]string{"path": "docs/x"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.False(t, decodeResult(t, resp).Success)

	env.do(t, http.MethodPost, "/api/v1/upload/docs/x/f.txt", tok, strings.NewReader("f"))

	resp = env.postJSON(t, "/api/v1/copy", tok, map[string]string{"source": "docs/x", "destination": "docs/y"})
	assert.True(t, decodeResult(t, resp).Success)

	resp = env.postJSON(t, "/api/v1/move", tok, map[string]string{"source": "docs/x", "destination": "docs/y/x"})
	assert.True(t, decodeResult(t, resp).Success)

	resp = env.postJSON(t, "/api/v1/move", tok, map[string]string{"source": "docs/y", "destination": "docs/y/x/inner"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	assert.ElementsMatch(t, []string{"f.txt", "x"}, names(env.sync(t, tok, "docs/y", 1)["directory"].(map[string]any)))

	resp = env.postJSON(t, "/api/v1/delete", tok, map[string]string{"path": "docs/y"})
	assert.True(t, decodeResult(t, resp).Success)

	resp = env.postJSON(t, "/api/v1/delete", tok, map[string]string{"path": "docs/y"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.False(t, decodeResult(t, resp).Success)

	assert.Empty(t, names(env.sync(t, tok, "docs", 1)["directory"].(map[string]any)))
}

func TestCrossVaultTransferNeedsDestinationToken(t *testing.T) {
	env := newTestEnv(t, nil, "docs", "archive")
	docsTok := env.token(t, "docs")
	env.do(t, http.MethodPost, "/api/v1/upload/docs/a.txt", docsTok, strings.NewReader("a"))

	resp := env.postJSON(t, "/api/v1/move", docsTok, map[string]string{"source": "docs/a.txt", "destination": "archive/a.txt"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	body, _ := json.Marshal(map[string]string{"source": "docs/a.txt", "destination": "archive/a.txt"})
	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/api/v1/move", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+docsTok)
	req.Header.Set(DestinationTokenHeader, env.token(t, "archive"))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.True(t, decodeResult(t, resp).Success)

	got := env.do(t, http.MethodGet, "/api/v1/content/archive/a.txt", env.token(t, "archive"), nil)
	data, _ := io.ReadAll(got.Body)
	assert.Equal(t, "a", string(data))
}

func TestAdminVaults(t *testing.T) {
	env := newTestEnv(t, nil)

	adminDo := func(method, path, key, body string) *http.Response {
		req, err := http.NewRequest(method, env.server.URL+path, strings.NewReader(body))
		require.NoError(t, err)
		if key != "" {
			req.Header.Set(auth.AdminKeyHeader, key)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := adminDo(http.MethodPost, "/api/v1/admin/vaults", "", `{"name":"docs"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp = adminDo(http.MethodPost, "/api/v1/admin/vaults", "wrong", `{"name":"docs"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = adminDo(http.MethodPost, "/api/v1/admin/vaults", testAdminKey, `{"name":"docs"}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.True(t, env.engine.Registry().VaultExists("docs"))

	resp = adminDo(http.MethodPost, "/api/v1/admin/vaults", testAdminKey, `{"name":"docs"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = adminDo(http.MethodPost, "/api/v1/admin/vaults", testAdminKey, `{"name":"bad/name"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = adminDo(http.MethodDelete, "/api/v1/admin/vaults/docs", testAdminKey, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, env.engine.Registry().VaultExists("docs"))

	resp = adminDo(http.MethodDelete, "/api/v1/admin/vaults/docs", testAdminKey, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	limiter := quota.NewRateLimiter(1)
	env := newTestEnv(t, limiter, "docs")
	tok := env.token(t, "docs")

	resp := env.postJSON(t, "/api/v1/sync", tok, map[string]any{"path": "docs", "depth": 0})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.postJSON(t, "/api/v1/sync", tok, map[string]any{"path": "docs", "depth": 0})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestEventsStream(t *testing.T) {
	env := newTestEnv(t, nil, "docs", "other")
	tok := env.token(t, "docs")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		env.server.URL+"/api/v1/events?vault=docs&token="+tok, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": connected\n", line)

	require.NoError(t, env.engine.AddFolder(context.Background(), "other/ignored"))
	require.NoError(t, env.engine.AddFolder(context.Background(), "docs/seen"))

	var event events.Event
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			require.NoError(t, json.Unmarshal([]byte(data), &event))
			break
		}
	}
	assert.Equal(t, ops.OpMkdir, event.Type)
	assert.Equal(t, "docs", event.Vault)
	assert.Equal(t, "docs/seen", event.Path)
}
