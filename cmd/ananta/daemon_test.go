package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ananta888/ananta/internal/config"
	"github.com/ananta888/ananta/internal/logging"
	"github.com/ananta888/ananta/internal/models"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("ANANTA_HOME", t.TempDir())
	cfg := config.Default()
	cfg.DB = filepath.Join(t.TempDir(), "node.db")
	cfg.Listen = "127.0.0.1:0"
	cfg.AgentURL = "http://node.test"
	cfg.Worker.Workdir = t.TempDir()
	cfg.Worker.PollInterval = 20 * time.Millisecond
	return cfg
}

func TestNodeRunsTasksEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	cfg.Worker.Enabled = true

	n, err := newNode(cfg, logging.Discard())
	require.NoError(t, err)
	require.NotNil(t, n.scheduler)

	srv := httptest.NewServer(n.server.Handler())
	defer srv.Close()

	body, _ := json.Marshal(map[string]string{"description": "summarize the meeting notes"})
	resp, err := http.Post(srv.URL+"/tasks", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var created models.Task
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.run(ctx) }()

	require.Eventually(t, func() bool {
		task, err := n.service.GetTask(context.Background(), created.ID)
		return err == nil && task.Status == models.TaskStatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	task, err := n.service.GetTask(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Contains(t, task.LastOutput, "ok: summarize the meeting notes")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("node did not shut down")
	}
}

func TestNodeWithoutWorkerOnlySweeps(t *testing.T) {
	cfg := testConfig(t)
	cfg.Worker.Enabled = false

	n, err := newNode(cfg, logging.Discard())
	require.NoError(t, err)
	defer n.store.Close()

	require.NotNil(t, n.scheduler)
	assert.Equal(t, 0, n.scheduler.GetStats()["dispatched"])
}

func TestNodeRejectsUnknownProvider(t *testing.T) {
	cfg := testConfig(t)
	cfg.Worker.Enabled = true
	cfg.Worker.Provider = "carrier-pigeon"

	_, err := newNode(cfg, logging.Discard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carrier-pigeon")
}

func TestApplyConfigReplacesToolPolicy(t *testing.T) {
	cfg := testConfig(t)
	n, err := newNode(cfg, logging.Discard())
	require.NoError(t, err)
	defer n.store.Close()

	_, ok := n.caps.Allowed(true)["execute_shell"]
	require.True(t, ok)

	next := config.Default()
	next.Tools.Denylist = []string{"execute_shell"}
	n.applyConfig(next)

	_, ok = n.caps.Allowed(true)["execute_shell"]
	assert.False(t, ok)

	next.Tools.Routing.Enabled = false
	n.applyConfig(next)
	assert.False(t, n.router.Config().Enabled)
}
