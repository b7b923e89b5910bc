package content

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLocalPut(t *testing.T) {
	root := t.TempDir()
	l, err := NewLocal(root)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}

	url, err := l.Put(context.Background(), "42/report.pdf", []byte("pdf-bytes"), "application/pdf")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !strings.HasPrefix(url, "file://") {
		t.Fatalf("url = %q, want file:// scheme", url)
	}

	data, err := os.ReadFile(filepath.Join(root, "42", "report.pdf"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "pdf-bytes" {
		t.Fatalf("stored data = %q", data)
	}
}

func TestLocalPutOverwrites(t *testing.T) {
	l, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	ctx := context.Background()

	first, err := l.Put(ctx, "1/a.txt", []byte("v1"), "text/plain")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	second, err := l.Put(ctx, "1/a.txt", []byte("v2"), "text/plain")
	if err != nil {
		t.Fatalf("Put again: %v", err)
	}
	if first != second {
		t.Fatalf("url changed on overwrite: %q vs %q", first, second)
	}
}
