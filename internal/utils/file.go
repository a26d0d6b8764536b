package utils

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// inputFormats are the extensions the decoder accepts
var inputFormats = map[string]bool{"jpg": true, "jpeg": true, "png": true, "webp": true}

// GetFileExtension returns the lowercased file extension without the dot
func GetFileExtension(filename string) string {
	ext := filepath.Ext(filename)
	if len(ext) > 0 {
		return strings.ToLower(ext[1:])
	}
	return ""
}

// IsImageFile reports whether the file has a decodable image extension
func IsImageFile(filename string) bool {
	return inputFormats[GetFileExtension(filename)]
}

// IsURL reports whether source should be fetched over HTTP
func IsURL(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

// OutputFormat normalizes a requested format, taking it from the input name when empty
func OutputFormat(requested, inputFile string) string {
	f := strings.ToLower(strings.TrimPrefix(requested, "."))
	if f == "" {
		f = GetFileExtension(inputFile)
	}
	switch f {
	case "jpeg", "jpg":
		return "jpg"
	case "png", "webp":
		return f
	}
	return "jpg"
}

// GenerateOutputFilename builds <dir>/<prefix><name><suffix>.<format>. URL inputs
// use the last path segment as the name.
func GenerateOutputFilename(inputFile, outputDir, prefix, suffix, format string) string {
	name := inputFile
	if IsURL(name) {
		if i := strings.IndexAny(name, "?#"); i >= 0 {
			name = name[:i]
		}
		name = name[strings.LastIndex(name, "/")+1:]
	}
	name = filepath.Base(name)
	name = SanitizeFilename(strings.TrimSuffix(name, filepath.Ext(name)))
	if name == "" {
		name = "image"
	}
	return filepath.Join(outputDir, fmt.Sprintf("%s%s%s.%s", prefix, name, suffix, OutputFormat(format, inputFile)))
}

// ListImageFiles recursively lists image files under dir in lexical order,
// skipping hidden directories
func ListImageFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if IsImageFile(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	sort.Strings(files)
	return files, nil
}

// FileExists checks if a file exists and is not a directory
func FileExists(filename string) bool {
	info, err := os.Stat(filename)
	return err == nil && !info.IsDir()
}

// DirExists checks if a directory exists
func DirExists(dirname string) bool {
	info, err := os.Stat(dirname)
	return err == nil && info.IsDir()
}

// SanitizeFilename replaces path and shell-hostile characters with underscores
func SanitizeFilename(filename string) string {
	result := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, filename)
	return strings.Trim(result, " .")
}

// WriteJSON writes v indented to path through a temporary file
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// FormatFileSize formats file size in human-readable format
func FormatFileSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}
