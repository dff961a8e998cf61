package blob

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFSStore_Upload(t *testing.T) {
	dir := t.TempDir()
	store := NewFSStore(dir, "https://cdn.example.com/")

	url, err := store.Upload(context.Background(), "acme/widget/run-1/login.png", strings.NewReader("png-bytes"))
	if err != nil {
		t.Fatal(err)
	}
	if url != "https://cdn.example.com/acme/widget/run-1/login.png" {
		t.Errorf("url = %q", url)
	}

	content, err := os.ReadFile(filepath.Join(dir, "acme", "widget", "run-1", "login.png"))
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "png-bytes" {
		t.Errorf("content = %q", content)
	}
}

func TestFSStore_RejectsTraversal(t *testing.T) {
	store := NewFSStore(t.TempDir(), "https://cdn.example.com")

	for _, key := range []string{"../escape.png", "/absolute.png", "a/../../b.png"} {
		if _, err := store.Upload(context.Background(), key, strings.NewReader("x")); err == nil {
			t.Errorf("Upload(%q) expected error", key)
		}
	}
}
