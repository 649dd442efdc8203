package migration

import (
	"errors"
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"
)

func TestScannerScan(t *testing.T) {
	tests := []struct {
		name          string
		files         map[string]string
		expectedOrder []string
		expectErr     error
	}{
		{
			name: "sorted by numeric version",
			files: map[string]string{
				"010_outbox.sql":       "CREATE TABLE outbox (id INTEGER);",
				"002_appointments.sql": "CREATE TABLE appointments (id INTEGER);",
				"001_directory.sql":    "CREATE TABLE organizations (id INTEGER);",
			},
			expectedOrder: []string{"001", "002", "010"},
		},
		{
			name: "non sql files ignored",
			files: map[string]string{
				"001_directory.sql": "CREATE TABLE organizations (id INTEGER);",
				"README.md":         "# migrations",
			},
			expectedOrder: []string{"001"},
		},
		{
			name:          "empty directory",
			files:         map[string]string{},
			expectedOrder: nil,
		},
		{
			name: "duplicate version",
			files: map[string]string{
				"001_directory.sql": "CREATE TABLE organizations (id INTEGER);",
				"001_other.sql":     "CREATE TABLE other (id INTEGER);",
			},
			expectErr: ErrDuplicateVersion,
		},
		{
			name: "bad file name",
			files: map[string]string{
				"directory.sql": "CREATE TABLE organizations (id INTEGER);",
			},
			expectErr: ErrInvalidMigrationFile,
		},
		{
			name: "comment only file",
			files: map[string]string{
				"001_directory.sql": "-- Description: nothing here\n",
			},
			expectErr: ErrInvalidMigrationFile,
		},
		{
			name: "unbalanced parentheses",
			files: map[string]string{
				"001_directory.sql": "CREATE TABLE organizations (id INTEGER;",
			},
			expectErr: ErrInvalidMigrationFile,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fsys := fstest.MapFS{"migrations": &fstest.MapFile{Mode: fs.ModeDir | 0o755}}
			for name, content := range tt.files {
				fsys["migrations/"+name] = &fstest.MapFile{Data: []byte(content)}
			}

			migrations, err := NewScannerDir(fsys, "migrations").Scan()
			if tt.expectErr != nil {
				if !errors.Is(err, tt.expectErr) {
					t.Fatalf("expected %v, got %v", tt.expectErr, err)
				}
				var migrationErr *MigrationError
				if !errors.As(err, &migrationErr) {
					t.Fatalf("expected *MigrationError, got %T", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(migrations) != len(tt.expectedOrder) {
				t.Fatalf("expected %d migrations, got %d", len(tt.expectedOrder), len(migrations))
			}
			for i, version := range tt.expectedOrder {
				if migrations[i].Version != version {
					t.Fatalf("position %d: expected version %s, got %s", i, version, migrations[i].Version)
				}
				if migrations[i].Checksum == "" {
					t.Fatalf("expected checksum for %s", version)
				}
			}
		})
	}
}

func TestScannerDescription(t *testing.T) {
	fsys := fstest.MapFS{
		"001_directory.sql":  {Data: []byte("-- Migration: 001\n-- Description: Tenants and roles\nCREATE TABLE organizations (id INTEGER);")},
		"002_add_outbox.sql": {Data: []byte("CREATE TABLE outbox (id INTEGER);")},
	}

	migrations, err := NewScanner(fsys).Scan()
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if migrations[0].Description != "Tenants and roles" {
		t.Fatalf("expected header description, got %q", migrations[0].Description)
	}
	if migrations[1].Description != "add outbox" {
		t.Fatalf("expected description from file name, got %q", migrations[1].Description)
	}
	if !strings.HasSuffix(migrations[0].FilePath, "001_directory.sql") {
		t.Fatalf("unexpected file path %q", migrations[0].FilePath)
	}
}

func TestValidateFileName(t *testing.T) {
	valid := []string{"001_directory.sql", "12_add-index.sql"}
	for _, name := range valid {
		if err := ValidateFileName(name); err != nil {
			t.Errorf("%s: unexpected error %v", name, err)
		}
	}
	invalid := []string{"directory.sql", "001_directory.txt", "abc_directory.sql", "001_.sql"}
	for _, name := range invalid {
		if err := ValidateFileName(name); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
