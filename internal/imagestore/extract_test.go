package imagestore

import (
	"archive/tar"
	"bytes"
	"testing"
)

func buildTar(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write header: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("write content: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar writer: %v", err)
	}
	return buf.Bytes()
}

func TestExtractFileFindsMatchByBaseName(t *testing.T) {
	data := buildTar(t, map[string]string{
		"other.o":         "not this one",
		"usr/lib/prog.o": "elf-bytes",
	})
	got, found, err := extractFile(bytes.NewReader(data), "prog.o")
	if err != nil {
		t.Fatalf("extractFile: %v", err)
	}
	if !found {
		t.Fatal("expected found=true")
	}
	if string(got) != "elf-bytes" {
		t.Fatalf("got %q, want %q", got, "elf-bytes")
	}
}

func TestExtractFileMissReturnsNotFound(t *testing.T) {
	data := buildTar(t, map[string]string{"a.o": "x"})
	_, found, err := extractFile(bytes.NewReader(data), "b.o")
	if err != nil {
		t.Fatalf("extractFile: %v", err)
	}
	if found {
		t.Fatal("expected found=false")
	}
}
