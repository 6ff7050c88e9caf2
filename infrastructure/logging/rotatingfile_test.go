package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestRotatingFileWritesThrough(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "swiftpan.log")

	rf, err := NewRotatingFile(path, 4*1024*1024)
	if err != nil {
		t.Fatalf("NewRotatingFile() error = %v", err)
	}
	defer rf.Close()

	if _, err := rf.Write([]byte("hello\n")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !bytes.Contains(data, []byte("hello")) {
		t.Errorf("file content = %q, want to contain hello", data)
	}
}

func TestRotatingFileRotatesAtCap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "swiftpan.log")

	const maxBytes = 100
	rf, err := NewRotatingFile(path, maxBytes)
	if err != nil {
		t.Fatalf("NewRotatingFile() error = %v", err)
	}
	defer rf.Close()

	line := []byte("0123456789\n") // 11 bytes
	for i := 0; i < 20; i++ {
		if _, err := rf.Write(line); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Size() > maxBytes {
		t.Errorf("file size = %d, want <= %d after rotation", info.Size(), maxBytes)
	}
	if info.Size() == 0 {
		t.Error("rotation should keep some tail content, not truncate to empty")
	}
}

func TestRotatingFileKeepsMostRecentContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "swiftpan.log")

	const maxBytes = 50
	rf, err := NewRotatingFile(path, maxBytes)
	if err != nil {
		t.Fatalf("NewRotatingFile() error = %v", err)
	}
	defer rf.Close()

	for i := 0; i < 10; i++ {
		if _, err := rf.Write([]byte("aaaaaaaaaa\n")); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	if _, err := rf.Write([]byte("LATEST\n")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !bytes.Contains(data, []byte("LATEST")) {
		t.Errorf("rotated file should retain most recent writes, got %q", data)
	}
}
