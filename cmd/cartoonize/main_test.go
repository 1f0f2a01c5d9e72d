package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultOutput(t *testing.T) {
	if got := defaultOutput("/v/clip.mov", "", ".mp4"); got != "/v/clip_cartoon.mp4" {
		t.Fatalf("defaultOutput = %s", got)
	}
	if got := defaultOutput("/v/clip.mov", "/tmp/x.mp4", ".mp4"); got != "/tmp/x.mp4" {
		t.Fatalf("explicit output ignored: %s", got)
	}
}

func TestMoveFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.mp4")
	dst := filepath.Join(dir, "b.mp4")
	if err := os.WriteFile(src, []byte("final"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := moveFile(src, dst); err != nil {
		t.Fatalf("moveFile: %v", err)
	}
	if data, _ := os.ReadFile(dst); string(data) != "final" {
		t.Fatalf("unexpected content %q", data)
	}
}

func TestFormatHelpers(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{512, "512 B"},
		{2048, "2.0 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.in); got != tt.want {
			t.Fatalf("formatBytes(%d) = %s, want %s", tt.in, got, tt.want)
		}
	}
	if got := formatDuration(75.4); got != "01:15" {
		t.Fatalf("formatDuration = %s", got)
	}
}

func TestParseS3URI(t *testing.T) {
	tests := []struct {
		in          string
		bucket, key string
		ok          bool
	}{
		{"s3://media/uploads/clip.mp4", "media", "uploads/clip.mp4", true},
		{"s3://media/clip.mp4", "media", "clip.mp4", true},
		{"s3://media/", "", "", false},
		{"s3://media/dir/", "", "", false},
		{"s3:///clip.mp4", "", "", false},
		{"/local/clip.mp4", "", "", false},
		{"clip.mp4", "", "", false},
	}
	for _, tt := range tests {
		bucket, key, ok := parseS3URI(tt.in)
		if bucket != tt.bucket || key != tt.key || ok != tt.ok {
			t.Errorf("parseS3URI(%q) = %q, %q, %v", tt.in, bucket, key, ok)
		}
	}
}
