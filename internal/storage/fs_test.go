package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFSStorePutGet(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFSStore(dir)
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	ctx := context.Background()

	key, err := s.Put(ctx, PrefixResults+"Quiz_2024-03-05_10-15-00.xlsx", strings.NewReader("payload"), 7)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if key != "results/Quiz_2024-03-05_10-15-00.xlsx" {
		t.Errorf("key = %q", key)
	}

	rc, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "payload" {
		t.Errorf("data = %q", data)
	}

	if _, err := s.Put(ctx, "", strings.NewReader("x"), 1); err == nil {
		t.Error("expected error for empty key")
	}
	if _, err := s.Get(ctx, "missing"); err == nil {
		t.Error("expected error for missing key")
	}
}

func TestFSStoreStaysInBase(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "archive")
	s, err := NewFSStore(base)
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	if _, err := s.Put(context.Background(), "../escape.xlsx", strings.NewReader("x"), 1); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "escape.xlsx")); err == nil {
		t.Error("key escaped the base directory")
	}
	if _, err := os.Stat(filepath.Join(base, "escape.xlsx")); err != nil {
		t.Errorf("expected file inside base: %v", err)
	}
}
