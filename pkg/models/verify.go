package models

import (
	"os"
	"path/filepath"
)

// Report is the result of checking a catalog against the disk
type Report struct {
	Present []Entry
	Missing []Entry
}

// OK reports whether every model was found
func (r Report) OK() bool {
	return len(r.Missing) == 0
}

// Verify checks that every catalog model exists in the catalog directory or
// in one of the extra directories (typically the download cache).
func Verify(c *Catalog, extraDirs ...string) Report {
	var r Report
	for _, e := range c.Entries() {
		if exists(c.Path(e)) || existsIn(extraDirs, e) {
			r.Present = append(r.Present, e)
		} else {
			r.Missing = append(r.Missing, e)
		}
	}
	return r
}

func existsIn(dirs []string, e Entry) bool {
	for _, d := range dirs {
		if d != "" && exists(filepath.Join(d, e.RelPath())) {
			return true
		}
	}
	return false
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
