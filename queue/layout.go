package queue

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"shiori/apperr"
	"shiori/models"
	"shiori/parser"
)

const tempSuffix = "_tmp"

// Layout maps chapters to directories under Root:
//
//	{Root}/{sourceID}/{manga}/{chapter}/001.jpg
//
// Pages are written into "{chapter}_tmp" and the directory is renamed once complete.
type Layout struct {
	Root string
}

var unsafePathChars = strings.NewReplacer(
	"/", "_", "\\", "_", ":", "_", "*", "_", "?", "_",
	"\"", "_", "<", "_", ">", "_", "|", "_", "\x00", "_",
)

// SanitizeRef turns a source-relative reference into a single path segment
func SanitizeRef(ref string) string {
	name := strings.Trim(ref, "/")
	name = unsafePathChars.Replace(name)
	name = strings.TrimLeft(name, ".")
	if name == "" {
		return "_"
	}
	return name
}

func (l Layout) MangaDir(key models.ChapterKey) string {
	return filepath.Join(l.Root, strconv.Itoa(key.SourceID), SanitizeRef(key.MangaURL))
}

// ChapterDir is the final directory of a completed chapter
func (l Layout) ChapterDir(key models.ChapterKey) string {
	return filepath.Join(l.MangaDir(key), SanitizeRef(key.ChapterURL))
}

// TempDir receives pages while the chapter is downloading
func (l Layout) TempDir(key models.ChapterKey) string {
	return l.ChapterDir(key) + tempSuffix
}

func pageBase(index int) string {
	return fmt.Sprintf("%03d", index+1)
}

// WritePage persists one page as NNN.ext, going through NNN.tmp so a
// partially written file is never mistaken for a finished page.
func (l Layout) WritePage(dir string, index int, ext string, data []byte) (string, error) {
	tmp := filepath.Join(dir, pageBase(index)+".tmp")
	final := filepath.Join(dir, pageBase(index)+"."+ext)

	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", &apperr.StorageError{Op: "write", Path: tmp, Cause: err}
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", &apperr.StorageError{Op: "rename", Path: final, Cause: err}
	}
	return final, nil
}

// ExistingPage reports a finished file for the page in dir, whatever its extension
func (l Layout) ExistingPage(dir string, index int) (string, bool) {
	matches, err := filepath.Glob(filepath.Join(dir, pageBase(index)+".*"))
	if err != nil {
		return "", false
	}
	for _, m := range matches {
		if strings.HasSuffix(m, ".tmp") {
			continue
		}
		if info, err := os.Stat(m); err == nil && info.Mode().IsRegular() && info.Size() > 0 {
			return m, true
		}
	}
	return "", false
}

// CountPages returns the number of finished page files in dir, 0 if it does not exist
func (l Layout) CountPages(dir string) int {
	pages, err := parser.LocalPageList(dir)
	if err != nil {
		return 0
	}
	return len(pages)
}

// PrepareTemp creates the temp directory and drops leftover partial files
func (l Layout) PrepareTemp(key models.ChapterKey) (string, error) {
	dir := l.TempDir(key)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", &apperr.StorageError{Op: "mkdir", Path: dir, Cause: err}
	}

	partial, _ := filepath.Glob(filepath.Join(dir, "*.tmp"))
	for _, p := range partial {
		os.Remove(p)
	}
	return dir, nil
}

// Commit moves a complete temp directory into place
func (l Layout) Commit(key models.ChapterKey) error {
	tmp, final := l.TempDir(key), l.ChapterDir(key)

	if err := os.RemoveAll(final); err != nil {
		return &apperr.StorageError{Op: "remove", Path: final, Cause: err}
	}
	if err := os.Rename(tmp, final); err != nil {
		return &apperr.StorageError{Op: "rename", Path: final, Cause: err}
	}
	return nil
}

// Exists reports whether anything is stored for the chapter
func (l Layout) Exists(key models.ChapterKey) bool {
	for _, dir := range []string{l.TempDir(key), l.ChapterDir(key)} {
		if _, err := os.Stat(dir); err == nil {
			return true
		}
	}
	return false
}

func (l Layout) RemoveTemp(key models.ChapterKey) error {
	dir := l.TempDir(key)
	if err := os.RemoveAll(dir); err != nil {
		return &apperr.StorageError{Op: "remove", Path: dir, Cause: err}
	}
	return nil
}

// Remove deletes everything stored for a chapter and prunes the manga
// directory when it becomes empty.
func (l Layout) Remove(key models.ChapterKey) error {
	var errs []error
	for _, dir := range []string{l.TempDir(key), l.ChapterDir(key)} {
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, &apperr.StorageError{Op: "remove", Path: dir, Cause: err})
		}
	}

	mangaDir := l.MangaDir(key)
	if entries, err := os.ReadDir(mangaDir); err == nil && len(entries) == 0 {
		if err := os.Remove(mangaDir); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Printf("[Storage] could not prune %s: %v", mangaDir, err)
		}
	}

	return errors.Join(errs...)
}
