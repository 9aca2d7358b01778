package app

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/foxzi/drip/internal/campaign"
	"github.com/foxzi/drip/internal/config"
	"github.com/foxzi/drip/internal/engine"
	"github.com/foxzi/drip/internal/followup"
)

const campaignsYAML = `
campaigns:
  - id: welcome
    name: Boas-vindas
    steps:
      - etapa: Contato
        mensagem: "Oi {{client_id}}"
        tempo_de_espera: 1 hora
      - stage: Oferta
        message: "Temos uma oferta"
        wait_duration: 1d
`

func loadTestConfig(t *testing.T, dir, extra string) *config.Config {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "campaigns.yaml"), []byte(campaignsYAML), 0644); err != nil {
		t.Fatalf("write campaigns: %v", err)
	}

	content := `
api:
  listen_addr: "127.0.0.1:0"
storage:
  path: ` + filepath.Join(dir, "followups.db") + `
campaigns:
  database_path: ` + filepath.Join(dir, "campaigns.db") + `
  import_file: ` + filepath.Join(dir, "campaigns.yaml") + `
dispatch:
  driver: sandbox
logging:
  format: text
` + extra
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAppStartImportsAndRecovers(t *testing.T) {
	dir := t.TempDir()
	cfg := loadTestConfig(t, dir, "")
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC))
	ctx := context.Background()

	a, err := newApp(cfg, "test", clock, discardLogger(), nil)
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	f, err := a.Manager().Create(ctx, engine.CreateRequest{ClientID: "5511", CampaignID: "welcome"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if f.Status != followup.StatusActive {
		t.Fatalf("status = %s, want active", f.Status)
	}
	if n := a.scheduler.Pending(); n != 1 {
		t.Errorf("Pending() = %d, want 1", n)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	// same files, new process
	b, err := newApp(cfg, "test", clock, discardLogger(), nil)
	if err != nil {
		t.Fatalf("newApp() after restart error = %v", err)
	}
	defer b.Shutdown(ctx)
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start() after restart error = %v", err)
	}

	at, ok := b.scheduler.NextFire(f.ID)
	if !ok {
		t.Fatal("follow-up timer not rearmed after restart")
	}
	if want := clock.Now().Add(time.Hour); !at.Equal(want) {
		t.Errorf("NextFire() = %v, want %v", at, want)
	}

	list, err := b.campaigns.List(ctx, campaign.ListFilter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 1 {
		t.Errorf("campaigns after second import = %d, want 1", len(list))
	}
}

func TestAppMetricsEnabled(t *testing.T) {
	dir := t.TempDir()
	cfg := loadTestConfig(t, dir, "metrics:\n  enabled: true\n  listen_addr: \"127.0.0.1:0\"\n")

	a, err := newApp(cfg, "test", clockwork.NewFakeClock(), discardLogger(), nil)
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	defer a.Shutdown(context.Background())

	if a.collector == nil || a.metricsServer == nil {
		t.Fatal("metrics components not created")
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}

func TestNewRejectsInvalidAllowedIPs(t *testing.T) {
	dir := t.TempDir()
	cfg := loadTestConfig(t, dir, "")
	cfg.API.AllowedIPs = []string{"not-an-ip"}

	if _, err := newApp(cfg, "test", clockwork.NewFakeClock(), discardLogger(), nil); err == nil {
		t.Fatal("newApp() expected error for invalid allowed_ips")
	}
}

func TestSetupLogger(t *testing.T) {
	var stdout bytes.Buffer
	logPath := filepath.Join(t.TempDir(), "drip.log")

	logger, closer := setupLogger(config.LoggingConfig{
		Level:  "warn",
		Format: "json",
		File:   config.LogFile{Path: logPath, MaxSizeMB: 1},
	}, &stdout)
	if closer == nil {
		t.Fatal("setupLogger() returned no closer for a log file")
	}

	logger.Info("hidden")
	logger.Warn("visible", "followup_id", "f1")
	closer.Close()

	if strings.Contains(stdout.String(), "hidden") {
		t.Error("info record written at warn level")
	}
	if !strings.Contains(stdout.String(), `"followup_id":"f1"`) {
		t.Errorf("stdout = %q, want json record", stdout.String())
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "visible") {
		t.Errorf("log file = %q, want warn record", data)
	}
}

func TestSetupLoggerStdoutOnly(t *testing.T) {
	var stdout bytes.Buffer
	logger, closer := setupLogger(config.LoggingConfig{Level: "debug", Format: "text"}, &stdout)
	if closer != nil {
		t.Error("setupLogger() returned a closer without a log file")
	}
	logger.Debug("dbg")
	if !strings.Contains(stdout.String(), "msg=dbg") {
		t.Errorf("stdout = %q", stdout.String())
	}
}
