package artifact

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	fs, err := Open("fs", filepath.Join(dir, "fs"))
	if err != nil {
		t.Fatal(err)
	}
	bs, err := Open("bolt", filepath.Join(dir, "artifacts.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		fs.Close()
		bs.Close()
	})
	return map[string]Store{"fs": fs, "bolt": bs}
}

func TestPutGet(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			key := NewKey(KindFrame, "png")
			data := []byte("not really a png")
			if err := s.Put(ctx, key, data); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
			got, err := s.Get(ctx, key)
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if !bytes.Equal(got, data) {
				t.Errorf("expected %q, got %q", data, got)
			}

			if _, err := s.Get(ctx, NewKey(KindCrop, "jpg")); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestPutNeverOverwrites(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			key := NewKey(KindAnnotated, "jpg")
			if err := s.Put(ctx, key, []byte("first")); err != nil {
				t.Fatal(err)
			}
			if err := s.Put(ctx, key, []byte("second")); !errors.Is(err, ErrKeyExists) {
				t.Fatalf("expected ErrKeyExists, got %v", err)
			}
			got, _ := s.Get(ctx, key)
			if string(got) != "first" {
				t.Errorf("artifact was overwritten: %q", got)
			}
		})
	}
}

func TestConcurrentPutSameKey(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			key := NewKey(KindFrame, "jpg")
			var wg sync.WaitGroup
			var mu sync.Mutex
			wins := 0
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := s.Put(ctx, key, []byte("x")); err == nil {
						mu.Lock()
						wins++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			if wins != 1 {
				t.Errorf("expected exactly one successful put, got %d", wins)
			}
		})
	}
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		key   string
		valid bool
	}{
		{NewKey(KindFrame, "jpg"), true},
		{NewKey(KindCrop, "webp"), true},
		{"frames/../../etc/passwd", false},
		{"/frames/abc.jpg", false},
		{"other/" + strings.Repeat("a", 36) + ".jpg", false},
		{"", false},
	}
	for _, tt := range tests {
		err := ValidateKey(tt.key)
		if (err == nil) != tt.valid {
			t.Errorf("ValidateKey(%q) = %v, want valid=%v", tt.key, err, tt.valid)
		}
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, err := Open("s3", t.TempDir()); err == nil {
		t.Error("expected error for unknown backend")
	}
}
