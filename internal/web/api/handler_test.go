package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/patrickspencer/tickrun/internal/command"
	"github.com/patrickspencer/tickrun/internal/config"
	"github.com/patrickspencer/tickrun/internal/engine"
	"github.com/patrickspencer/tickrun/internal/history"
	"github.com/patrickspencer/tickrun/internal/realtime"
	"github.com/patrickspencer/tickrun/internal/runlog"
	"github.com/patrickspencer/tickrun/internal/runner"
	"github.com/patrickspencer/tickrun/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSource struct {
	mu   sync.Mutex
	defs []command.Definition
}

func (s *memSource) Load() ([]command.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]command.Definition(nil), s.defs...), nil
}

func (s *memSource) Save(defs []command.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs = append([]command.Definition(nil), defs...)
	return nil
}

// idleLauncher accepts launches and never finishes them.
type idleLauncher struct{}

func (idleLauncher) Launch(context.Context, runner.Request, func(history.Record)) {}

type testEnv struct {
	api    *API
	router chi.Router
	eng    *engine.Engine
}

func newTestEnv(t *testing.T, mutate func(*API)) *testEnv {
	t.Helper()
	eng := engine.New(engine.Options{
		Source:   &memSource{},
		Launcher: idleLauncher{},
		Logger:   zerolog.Nop(),
		Defaults: command.DefaultFlags(),
	})
	eng.Start(context.Background())

	a := &API{Engine: eng, Log: zerolog.Nop()}
	if mutate != nil {
		mutate(a)
	}
	r := chi.NewRouter()
	r.Route("/api/v1", a.Routes)
	return &testEnv{api: a, router: r, eng: eng}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestCommandLifecycle(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	rr := env.do(t, http.MethodPost, "/api/v1/commands/", `{
		"name": "backup",
		"action": {"kind": "line", "text": "echo backup"},
		"schedule": {"interval_seconds": 3600},
		"restart_on_failure": true
	}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	created := decodeBody[engine.Command](t, rr)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, engine.StateIdle, created.State)
	assert.Equal(t, command.Yes, created.RestartOnFailure)
	require.NotNil(t, created.NextDue)

	rr = env.do(t, http.MethodGet, "/api/v1/commands/", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeBody[[]engine.Command](t, rr), 1)

	rr = env.do(t, http.MethodPut, "/api/v1/commands/"+created.ID, `{
		"name": "backup-nightly",
		"action": {"kind": "line", "text": "echo backup"},
		"schedule": {"cron": "0 3 * * *"}
	}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	updated := decodeBody[engine.Command](t, rr)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, "backup-nightly", updated.Name)
	assert.Equal(t, command.Inherit, updated.RestartOnFailure)

	rr = env.do(t, http.MethodPost, "/api/v1/commands/"+created.ID+"/run", "")
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	assert.NotEmpty(t, decodeBody[map[string]string](t, rr)["run_id"])

	rr = env.do(t, http.MethodPost, "/api/v1/commands/"+created.ID+"/run", "")
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = env.do(t, http.MethodPut, "/api/v1/commands/"+created.ID+"/disable", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decodeBody[engine.Command](t, rr).Disabled)

	rr = env.do(t, http.MethodGet, "/api/v1/commands/"+created.ID+"/stats", "")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = env.do(t, http.MethodGet, "/api/v1/commands/"+created.ID+"/history?limit=5", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decodeBody[[]history.Record](t, rr))

	rr = env.do(t, http.MethodDelete, "/api/v1/commands/"+created.ID, "")
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = env.do(t, http.MethodGet, "/api/v1/commands/"+created.ID, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, decodeBody[map[string]string](t, rr)["error"], "not found")
}

func TestCreateCommandErrors(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	rr := env.do(t, http.MethodPost, "/api/v1/commands/", `{"name": "a", "action": {"kind": "line", "text": "true"}}`)
	require.Equal(t, http.StatusCreated, rr.Code)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"duplicate name", `{"name": "a", "action": {"kind": "line", "text": "true"}}`, http.StatusConflict},
		{"interval too short", `{"name": "b", "action": {"kind": "line", "text": "true"}, "schedule": {"interval_seconds": 10}}`, http.StatusBadRequest},
		{"both schedules", `{"name": "b", "action": {"kind": "line", "text": "true"}, "schedule": {"interval_seconds": 60, "cron": "@daily"}}`, http.StatusBadRequest},
		{"bad cron", `{"name": "b", "action": {"kind": "line", "text": "true"}, "schedule": {"cron": "nope"}}`, http.StatusBadRequest},
		{"missing action", `{"name": "b"}`, http.StatusBadRequest},
		{"unknown field", `{"name": "b", "action": {"kind": "line", "text": "true"}, "colour": "red"}`, http.StatusBadRequest},
		{"bad tristate", `{"name": "b", "action": {"kind": "line", "text": "true"}, "run_in_shell": "maybe"}`, http.StatusBadRequest},
		{"malformed", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, "/api/v1/commands/", tt.body)
			assert.Equal(t, tt.want, rr.Code, rr.Body.String())
			assert.NotEmpty(t, decodeBody[map[string]string](t, rr)["error"])
		})
	}
}

func TestExportImport(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	for _, body := range []string{
		`{"name": "one", "action": {"kind": "line", "text": "echo 1"}}`,
		`{"name": "two", "action": {"kind": "line", "text": "echo 2"}, "schedule": {"interval_seconds": 60}}`,
	} {
		rr := env.do(t, http.MethodPost, "/api/v1/commands/", body)
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	}

	rr := env.do(t, http.MethodGet, "/api/v1/commands/export", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "yaml")
	exported := rr.Body.String()
	defs, err := parseImportedCommands([]byte(exported))
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "one", defs[0].Name)

	payload := `
name: two
action: {kind: line, text: "echo two again"}
---
name: three
action: {kind: line, text: "echo 3"}
`
	rr = env.do(t, http.MethodPost, "/api/v1/commands/import?replace=true&dry_run=true", payload)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	dry := decodeBody[importResult](t, rr)
	assert.Equal(t, "dry_run", dry.Status)
	assert.Equal(t, []string{"three"}, dry.Created)
	assert.Equal(t, []string{"two"}, dry.Updated)
	assert.Equal(t, []string{"one"}, dry.Deleted)
	assert.Len(t, env.eng.List(), 2)

	rr = env.do(t, http.MethodPost, "/api/v1/commands/import?replace=yes", payload)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	res := decodeBody[importResult](t, rr)
	assert.Equal(t, "imported", res.Status)

	names := map[string]string{}
	for _, c := range env.eng.List() {
		names[c.Name] = c.Action.Text
	}
	assert.Equal(t, map[string]string{"two": "echo two again", "three": "echo 3"}, names)

	rr = env.do(t, http.MethodPost, "/api/v1/commands/import?replace=maybe", payload)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestImportRenamedExportUpdatesByID(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	rr := env.do(t, http.MethodPost, "/api/v1/commands/", `{"name": "a", "action": {"kind": "line", "text": "echo a"}}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	created := decodeBody[engine.Command](t, rr)

	rr = env.do(t, http.MethodGet, "/api/v1/commands/export", "")
	require.Equal(t, http.StatusOK, rr.Code)
	exported := rr.Body.String()
	require.Contains(t, exported, "name: a\n")
	renamed := strings.Replace(exported, "name: a\n", "name: b\n", 1)

	rr = env.do(t, http.MethodPost, "/api/v1/commands/import", renamed)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	res := decodeBody[importResult](t, rr)
	assert.Empty(t, res.Created)
	assert.Equal(t, []string{"b"}, res.Updated)

	cmds := env.eng.List()
	require.Len(t, cmds, 1)
	assert.Equal(t, created.ID, cmds[0].ID)
	assert.Equal(t, "b", cmds[0].Name)

	// Without an ID the name still selects the command to update.
	rr = env.do(t, http.MethodPost, "/api/v1/commands/import", "name: b\naction: {kind: line, text: echo b}\n")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	res = decodeBody[importResult](t, rr)
	assert.Equal(t, []string{"b"}, res.Updated)
	cmd, err := env.eng.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "echo b", cmd.Action.Text)
}

func TestRunLogFromFile(t *testing.T) {
	t.Parallel()
	logs := runlog.NewManager(t.TempDir(), 1<<20, 7, 1<<30)
	env := newTestEnv(t, func(a *API) { a.RunLogs = logs })

	path := logs.Path("cmd-1", "run-1")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("full output\n"), 0644))

	rr := env.do(t, http.MethodGet, "/api/v1/commands/cmd-1/runs/run-1/log", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decodeBody[runLogResponse](t, rr)
	assert.Equal(t, "file", resp.Source)
	assert.Equal(t, "full output\n", resp.Output)

	rr = env.do(t, http.MethodGet, "/api/v1/commands/cmd-1/runs/missing/log", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestListRunsFromArchive(t *testing.T) {
	t.Parallel()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, cmd := range []string{"a", "a", "b"} {
		end := start.Add(time.Duration(i)*time.Minute + time.Second)
		code := 0
		require.NoError(t, st.RecordRun(context.Background(), history.Record{
			ID:        history.NewRunID(),
			CommandID: cmd,
			Trigger:   history.TriggerSchedule,
			Status:    history.StatusSuccess,
			StartedAt: start.Add(time.Duration(i) * time.Minute),
			EndedAt:   &end,
			ExitCode:  &code,
		}))
	}

	env := newTestEnv(t, func(a *API) { a.Store = st })

	rr := env.do(t, http.MethodGet, "/api/v1/runs?command=a", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	runs := decodeBody[[]history.Record](t, rr)
	require.Len(t, runs, 2)
	assert.True(t, runs[0].StartedAt.After(runs[1].StartedAt))

	rr = env.do(t, http.MethodGet, "/api/v1/runs/"+runs[0].ID, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, runs[0].ID, decodeBody[history.Record](t, rr).ID)

	rr = env.do(t, http.MethodGet, "/api/v1/runs/nope", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	noStore := newTestEnv(t, nil)
	rr = noStore.do(t, http.MethodGet, "/api/v1/runs", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestHealthAndConfig(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Listen: "127.0.0.1:0", Notify: config.NotifyConfig{Command: "secret-token"}}
	env := newTestEnv(t, func(a *API) { a.Config = cfg })

	rr := env.do(t, http.MethodGet, "/api/v1/health", "")
	require.Equal(t, http.StatusOK, rr.Code)
	health := decodeBody[map[string]any](t, rr)
	assert.Equal(t, "ok", health["status"])
	assert.EqualValues(t, 0, health["commands"])

	rr = env.do(t, http.MethodGet, "/api/v1/config", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, rr.Body.String(), "secret-token")
	assert.Equal(t, "secret-token", cfg.Notify.Command)
}

func TestEventsStream(t *testing.T) {
	t.Parallel()
	broker := realtime.NewBroker()
	env := newTestEnv(t, func(a *API) { a.Events = broker })

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events?command=x", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": connected\n", line)

	require.Eventually(t, func() bool { return broker.Subscribers() == 1 }, time.Second, 10*time.Millisecond)
	broker.Publish(realtime.Event{Type: realtime.TypeNotify, CommandID: "other", Message: "filtered"})
	broker.Publish(realtime.Event{Type: realtime.TypeNotify, CommandID: "x", Message: "hi"})

	var got []string
	for len(got) < 3 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, ":") || strings.HasPrefix(line, "retry:") {
			continue
		}
		got = append(got, line)
	}
	assert.Equal(t, "id: 2", got[0])
	assert.Equal(t, "event: notify", got[1])
	assert.Contains(t, got[2], `"message":"hi"`)
}
