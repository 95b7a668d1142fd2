package blobstore

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

// exerciseStore runs the contract every backend must satisfy.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	info, err := s.Put(ctx, "backups/medstock-20240520T090000.json", strings.NewReader(`{"records":[]}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Size != int64(len(`{"records":[]}`)) {
		t.Errorf("expected size %d, got %d", len(`{"records":[]}`), info.Size)
	}

	if _, err := s.Put(ctx, "backups/medstock-20240520T090000.json", strings.NewReader("again")); !errors.Is(err, ErrExists) {
		t.Errorf("expected ErrExists, got %v", err)
	}

	rc, got, err := s.Get(ctx, "backups/medstock-20240520T090000.json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body, _ := io.ReadAll(rc)
	rc.Close()
	if string(body) != `{"records":[]}` {
		t.Errorf("unexpected body: %s", body)
	}
	if got.Key != "backups/medstock-20240520T090000.json" {
		t.Errorf("unexpected key: %s", got.Key)
	}

	if _, err := s.Put(ctx, "backups/medstock-20240521T090000.json", strings.NewReader("{}")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.Put(ctx, "other/notes.txt", strings.NewReader("x")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	list, err := s.List(ctx, "backups/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list) != 2 || list[0].Key != "backups/medstock-20240520T090000.json" {
		t.Errorf("unexpected listing: %+v", list)
	}

	if err := s.Delete(ctx, "backups/medstock-20240520T090000.json"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, err := s.Get(ctx, "backups/medstock-20240520T090000.json"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.Delete(ctx, "backups/missing.json"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound deleting a missing blob, got %v", err)
	}

	if _, err := s.Put(ctx, "../escape.json", strings.NewReader("x")); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestFSStore(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	exerciseStore(t, s)
}

func TestS3Store(t *testing.T) {
	exerciseStore(t, newMockS3Store(t))
}

func TestSanitizeKey(t *testing.T) {
	tests := []struct {
		key     string
		want    string
		wantErr bool
	}{
		{key: "backups/a.json", want: "backups/a.json"},
		{key: "backups//a.json", want: "backups/a.json"},
		{key: "", wantErr: true},
		{key: "   ", wantErr: true},
		{key: "/etc/passwd", wantErr: true},
		{key: "backups/../../x", wantErr: true},
	}
	for _, tt := range tests {
		got, err := sanitizeKey(tt.key)
		if (err != nil) != tt.wantErr {
			t.Errorf("sanitizeKey(%q) error = %v, wantErr %v", tt.key, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("sanitizeKey(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestLatest(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2024, 5, 20, 9, 0, 0, 0, time.UTC)
	step := 0
	s.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Minute)
	}

	if _, err := Latest(ctx, s, "medstock-"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on empty store, got %v", err)
	}
	for _, k := range []string{"medstock-b.json", "medstock-c.json", "medstock-a.json"} {
		if _, err := s.Put(ctx, k, strings.NewReader("{}")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	latest, err := Latest(ctx, s, "medstock-")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if latest.Key != "medstock-a.json" {
		t.Errorf("expected the last written blob, got %s", latest.Key)
	}
}
