// ABOUTME: Tests for server wiring, run and shutdown
// ABOUTME: Drives a real listener with the memory and sqlite stores, and Redis fanout via miniredis

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley/internal/auth"
	"github.com/2389/parley/internal/config"
	"github.com/2389/parley/internal/conversation"
	"github.com/2389/parley/internal/notify"
	"github.com/2389/parley/internal/store"
)

const testSecret = "server-test-secret-of-32-bytes!!"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Server.ShutdownTimeout = 2 * time.Second
	cfg.Database.Driver = config.DriverMemory
	cfg.Auth.JWTSecret = testSecret
	cfg.Notify.PublishTimeout = time.Second
	cfg.Dedupe.TTL = time.Minute
	require.NoError(t, cfg.Validate())
	return cfg
}

func addUsers(t *testing.T, s store.Store, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, s.CreateUser(context.Background(), &store.User{ID: id, CreatedAt: time.Now()}))
	}
}

func bearer(t *testing.T, user string) string {
	t.Helper()
	v, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	tok, err := v.Generate(user, time.Hour)
	require.NoError(t, err)
	return "Bearer " + tok
}

type running struct {
	base   string
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, srv *Server) *running {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	r := &running{base: "http://" + ln.Addr().String(), cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-r.done:
		case <-time.After(5 * time.Second):
		}
	})
	return r
}

func (r *running) call(t *testing.T, user, method, path string, body any) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, r.base+path, rd)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set("Authorization", bearer(t, user))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func TestServer_ServeAndShutdown(t *testing.T) {
	srv, err := New(context.Background(), testConfig(t), nil)
	require.NoError(t, err)
	addUsers(t, srv.Store(), "alice", "bob")

	r := start(t, srv)

	status, body := r.call(t, "", http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "OK", string(body))

	status, _ = r.call(t, "", http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, status)

	status, body = r.call(t, "alice", http.MethodPost, "/api/conversations", map[string]any{"participants": []string{"bob"}})
	require.Equal(t, http.StatusOK, status, string(body))
	var conv notify.ConversationView
	require.NoError(t, json.Unmarshal(body, &conv))

	status, body = r.call(t, "alice", http.MethodPost, "/api/conversations/"+conv.ID+"/messages", map[string]any{"content": "hello"})
	require.Equal(t, http.StatusCreated, status, string(body))

	status, body = r.call(t, "", http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "parley_messages_sent_total 1")
	assert.Contains(t, string(body), "go_goroutines")

	r.cancel()
	select {
	case err := <-r.done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestServer_MetricsDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = false
	srv, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	r := start(t, srv)

	status, _ := r.call(t, "", http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestServer_RequireKnownUser(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.RequireKnownUser = true
	srv, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	addUsers(t, srv.Store(), "alice")
	r := start(t, srv)

	status, _ := r.call(t, "alice", http.MethodGet, "/api/conversations", nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = r.call(t, "stranger", http.MethodGet, "/api/conversations", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestServer_SQLiteStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Driver = config.DriverSQLite
	cfg.Database.Path = filepath.Join(t.TempDir(), "nested", "parley.db")

	srv, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	_, ok := srv.Store().(*store.SQLiteStore)
	assert.True(t, ok)
	require.NoError(t, srv.Shutdown(context.Background()))
}

func TestOpenStore_UnknownDriver(t *testing.T) {
	_, err := OpenStore(context.Background(), config.DatabaseConfig{Driver: "cassandra"})
	assert.Error(t, err)
}

func TestServer_RedisFanoutFeedsBroadcaster(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testConfig(t)
	cfg.Notify.Drivers = []string{config.NotifyBroadcast, config.NotifyRedis}
	cfg.Notify.RedisURL = "redis://" + mr.Addr()
	require.NoError(t, cfg.Validate())

	srv, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	addUsers(t, srv.Store(), "alice", "bob")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, _ := srv.broadcaster.Subscribe(ctx, "bob")

	conv, err := srv.conversations.CreateConversation(context.Background(), conversation.CreateConversationRequest{
		Participants: []string{"alice", "bob"},
	})
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, notify.EventConversationCreated, ev.Type)
		assert.Equal(t, conv.ID, ev.Conversation.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("event did not arrive through redis")
	}

	select {
	case ev := <-events:
		t.Fatalf("event delivered twice: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestServer_RedisUnavailable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Notify.Drivers = []string{config.NotifyRedis}
	cfg.Notify.RedisURL = "redis://127.0.0.1:1"

	_, err := New(context.Background(), cfg, nil)
	assert.Error(t, err)
}
