package utils

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestIsImageFile(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"a.jpg", true},
		{"a.JPEG", true},
		{"dir/a.webp", true},
		{"a.png", true},
		{"a.tiff", false},
		{"a.gif", false},
		{"noext", false},
	}
	for _, tt := range tests {
		if got := IsImageFile(tt.name); got != tt.want {
			t.Errorf("IsImageFile(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestGenerateOutputFilename(t *testing.T) {
	tests := []struct {
		input, format, want string
	}{
		{"/in/photo.png", "", filepath.Join("out", "p_photo_s.png")},
		{"/in/photo.JPEG", "", filepath.Join("out", "p_photo_s.jpg")},
		{"/in/photo.png", "webp", filepath.Join("out", "p_photo_s.webp")},
		{"https://cdn.example.com/a/b/hero.jpg?w=200", "", filepath.Join("out", "p_hero_s.jpg")},
		{"https://cdn.example.com/", "png", filepath.Join("out", "p_image_s.png")},
	}
	for _, tt := range tests {
		got := GenerateOutputFilename(tt.input, "out", "p_", "_s", tt.format)
		if got != tt.want {
			t.Errorf("GenerateOutputFilename(%q, %q) = %q, want %q", tt.input, tt.format, got, tt.want)
		}
	}
}

func TestListImageFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.jpg", "a.png", "notes.txt", "sub/c.webp", ".cache/d.jpg"} {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	files, err := ListImageFiles(dir)
	if err != nil {
		t.Fatalf("ListImageFiles: %v", err)
	}
	want := []string{
		filepath.Join(dir, "a.png"),
		filepath.Join(dir, "b.jpg"),
		filepath.Join(dir, "sub", "c.webp"),
	}
	if len(files) != len(want) {
		t.Fatalf("got %v, want %v", files, want)
	}
	for i := range want {
		if files[i] != want[i] {
			t.Errorf("files[%d] = %q, want %q", i, files[i], want[i])
		}
	}

	if _, err := ListImageFiles(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestSanitizeFilename(t *testing.T) {
	if got := SanitizeFilename(` a:b*c?.`); got != "a_b_c_" {
		t.Errorf("SanitizeFilename = %q", got)
	}
}

func TestWriteJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "metadata.json")
	if err := WriteJSON(path, map[string]int{"scale": 4}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]int
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got["scale"] != 4 {
		t.Errorf("scale = %d", got["scale"])
	}
	if FileExists(path + ".tmp") {
		t.Error("temporary file left behind")
	}
	if !DirExists(filepath.Dir(path)) || DirExists(path) {
		t.Error("DirExists mismatch")
	}
}

func TestFormatFileSize(t *testing.T) {
	tests := map[int64]string{
		512:             "512 B",
		2048:            "2.0 KB",
		5 * 1024 * 1024: "5.0 MB",
	}
	for size, want := range tests {
		if got := FormatFileSize(size); got != want {
			t.Errorf("FormatFileSize(%d) = %q, want %q", size, got, want)
		}
	}
}
