package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zulandar/railbot/internal/config"
	"github.com/zulandar/railbot/internal/db"
	"gorm.io/gorm"
)

// writeConfig writes a sqlite + mock platform config into a temp dir and
// returns its path. queueExtra is appended to the queue section.
func writeConfig(t *testing.T, queueExtra string) string {
	t.Helper()
	dir := t.TempDir()
	yaml := fmt.Sprintf(`database:
  driver: sqlite
  path: %s
queue:
  workers: 2
%splatform:
  kind: mock
content:
  default_model: sonnet
  models:
    - id: sonnet
      label: Sonnet
    - id: painter
      kind: image
`, filepath.Join(dir, "railbot.db"), queueExtra)
	path := filepath.Join(dir, "railbot.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// run executes the root command with args and returns its output.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// initDB runs `rb db init` and opens the resulting database.
func initDB(t *testing.T, configPath string) *gorm.DB {
	t.Helper()
	if out, err := run(t, "db", "init", "-c", configPath); err != nil {
		t.Fatalf("db init: %v\n%s", err, out)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatal(err)
	}
	gormDB, err := db.Open(cfg.Database)
	if err != nil {
		t.Fatal(err)
	}
	sqlDB, _ := gormDB.DB()
	t.Cleanup(func() { sqlDB.Close() })
	return gormDB
}
