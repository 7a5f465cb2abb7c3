package db

import (
	"io/fs"
	"strings"
	"testing"
)

func TestMigrationsAreEmbedded(t *testing.T) {
	files, err := fs.Glob(Migrations, "migrations/*.sql")
	if err != nil {
		t.Fatalf("glob migrations: %v", err)
	}
	if len(files) < 4 {
		t.Fatalf("expected at least 4 migrations, got %d", len(files))
	}
	for _, name := range files {
		data, err := fs.ReadFile(Migrations, name)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if !strings.Contains(string(data), "-- +goose Up") || !strings.Contains(string(data), "-- +goose Down") {
			t.Errorf("%s is missing goose annotations", name)
		}
	}
}

func TestRollbackEventsKeepWeakDeploymentReferences(t *testing.T) {
	data, err := fs.ReadFile(Migrations, "migrations/00003_rollback_events.sql")
	if err != nil {
		t.Fatalf("read rollback migration: %v", err)
	}
	if strings.Contains(string(data), "REFERENCES deployment_queue") {
		t.Fatal("rollback events must not hold foreign keys into deployment_queue")
	}
}
