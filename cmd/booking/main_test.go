package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/booking-core/internal/config"
	"github.com/example/booking-core/internal/delivery"
	httptransport "github.com/example/booking-core/internal/http"
)

const testSeed = `
organizations:
  - id: 1
    roles:
      - label: Manager
        permissions: [appointments.read, appointments.write, notifications.send]
      - label: Specialist
        permissions: [appointments.read, appointments.write]
    members:
      - {user_id: 101, role: Manager, admin: true}
      - {user_id: 102, role: Manager}
      - {user_id: 103, role: Specialist}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func newTestApp(t *testing.T) (*app, string) {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Database.DSN = filepath.Join(dir, "booking.db")
	cfg.Delivery.SpoolDir = filepath.Join(dir, "spool")
	cfg.Worker.Enabled = false

	a, err := newApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(a.Close)

	seed := writeFile(t, dir, "seed.yaml", testSeed)
	require.NoError(t, applySeedFile(context.Background(), a.store.DirectoryWriter(), seed))
	return a, dir
}

func TestAppBooksAndDeliversThroughSpool(t *testing.T) {
	a, _ := newTestApp(t)
	server := httptest.NewServer(a.handler)
	defer server.Close()

	health, err := server.Client().Get(server.URL + "/healthz")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusNoContent, health.StatusCode)

	anonymous, err := server.Client().Get(server.URL + "/appointments")
	require.NoError(t, err)
	anonymous.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, anonymous.StatusCode)

	body := `{"specialist_id":103,"appointment_date":"2030-03-04","start_time":"09:00","end_time":"10:00","service_name":"Consultation"}`
	req, err := http.NewRequest(http.MethodPost, server.URL+"/appointments", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(httptransport.HeaderOrganizationID, "1")
	req.Header.Set(httptransport.HeaderUserID, "102")
	resp, err := server.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	result, err := a.worker.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)

	files, err := filepath.Glob(filepath.Join(a.spool.Dir(), "*"+delivery.SpoolExt))
	require.NoError(t, err)
	require.Len(t, files, 1)

	envelope, err := delivery.ReadSpoolFile(files[0])
	require.NoError(t, err)
	assert.Equal(t, "appointment.created", envelope.EventType)
	assert.Equal(t, int64(1), envelope.OrganizationID)
	assert.Contains(t, envelope.Recipients, int64(103))
	assert.NotContains(t, envelope.Recipients, int64(102))
	assert.Equal(t, a.spool.Path(envelope.DedupKey), files[0])
}

func TestApplySeedIsRepeatable(t *testing.T) {
	a, dir := newTestApp(t)
	seed := filepath.Join(dir, "seed.yaml")
	require.NoError(t, applySeedFile(context.Background(), a.store.DirectoryWriter(), seed))

	actor, err := a.store.Directory().ResolveActor(context.Background(), 1, 103)
	require.NoError(t, err)
	assert.Equal(t, "Specialist", actor.RoleLabel)
	assert.False(t, actor.IsAdmin)
}

func TestApplySeedRejectsUnknownRole(t *testing.T) {
	a, dir := newTestApp(t)
	seed := writeFile(t, dir, "bad.yaml", `
organizations:
  - id: 1
    members:
      - {user_id: 110, role: Receptionist}
`)
	err := applySeedFile(context.Background(), a.store.DirectoryWriter(), seed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown role")
}

func TestRunRejectsUnknownFlag(t *testing.T) {
	err := run(context.Background(), []string{"--no-such-flag"}, io.Discard)
	require.Error(t, err)
}

func TestRunMigrateOnly(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("BOOKING_DB_DSN", filepath.Join(dir, "migrate.db"))
	t.Setenv("BOOKING_WORKER_ENABLED", "false")
	seed := writeFile(t, dir, "seed.yaml", testSeed)

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"--migrate-only", "--seed", seed}, &out))
	assert.Contains(t, out.String(), "directory seed applied")

	_, err := os.Stat(filepath.Join(dir, "migrate.db"))
	assert.NoError(t, err)
}
