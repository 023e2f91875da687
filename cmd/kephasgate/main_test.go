package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/luciancaetano/kephasgate/events"
	"github.com/luciancaetano/kephasgate/internal/config"
	"github.com/luciancaetano/kephasgate/internal/gatewaytest"
)

const waitFor = 3 * time.Second

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "kephasgate 1.0.0\n", out)
}

func TestRunRequiresToken(t *testing.T) {
	t.Setenv("KEPHASGATE_TOKEN", "")

	_, err := execute(t, "run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token is required")
}

func TestRunFlagsAreBound(t *testing.T) {
	t.Setenv("KEPHASGATE_TOKEN", "")

	_, err := execute(t, "run", "--token", "t", "--shards=-1", "--queue-size=0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shards must not be negative")
	assert.Contains(t, err.Error(), config.KeyQueueSize)
}

func TestBuildLogger(t *testing.T) {
	t.Parallel()

	logger, err := buildLogger(" debug ")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))

	logger, err = buildLogger("warn")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zap.InfoLevel))

	_, err = buildLogger("loud")
	assert.Error(t, err)
}

func TestServeMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "kephasgate_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	srv, err := serveMetrics("127.0.0.1:0", reg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer func() { _ = srv.Shutdown(context.Background()) }()

	resp, err := http.Get("http://" + srv.Addr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "kephasgate_test_total 1")

	_, err = serveMetrics("not-an-address", reg, zap.NewNop())
	assert.Error(t, err)
}

// run answers a user's !ping, ignores bots and stops cleanly on cancel.
func TestRunAnswersPing(t *testing.T) {
	t.Parallel()

	gw := gatewaytest.New(time.Hour)
	t.Cleanup(gw.Close)

	var (
		mu      sync.Mutex
		replies []string
	)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v10/channels/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Content string `json:"content"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		replies = append(replies, r.PathValue("id")+":"+body.Content)
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "2", "channel_id": r.PathValue("id"), "content": body.Content})
	})
	api := httptest.NewServer(mux)
	t.Cleanup(api.Close)

	cfg := config.Default()
	cfg.Token = "secret"
	cfg.Shards = 1
	cfg.GatewayURL = gw.URL()
	cfg.APIURL = api.URL + "/api/v10"
	cfg.HandshakeTimeout = time.Second
	cfg.CloseGrace = 200 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, zaptest.NewLogger(t)) }()

	conn, err := gw.NextConn(waitFor)
	require.NoError(t, err)
	_, err = conn.WaitOp(gatewaytest.OpIdentify, waitFor)
	require.NoError(t, err)

	message := func(content string, bot bool) map[string]any {
		return map[string]any{
			"id": "10", "channel_id": "42", "content": content,
			"author": map[string]any{"id": "7", "username": "someone", "bot": bot},
		}
	}
	_, err = conn.Dispatch(events.NameMessageCreate, message("!ping", true))
	require.NoError(t, err)
	_, err = conn.Dispatch(events.NameMessageCreate, message("hello", false))
	require.NoError(t, err)
	_, err = conn.Dispatch(events.NameMessageCreate, message(" !ping ", false))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(replies) == 1
	}, waitFor, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("run did not return after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"42:pong"}, replies)
}
