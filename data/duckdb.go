package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"shiori/apperr"
	"shiori/models"

	_ "github.com/marcboeker/go-duckdb/v2"
)

const schema = `
CREATE TABLE IF NOT EXISTS download_queue (
	source_id    INTEGER NOT NULL,
	manga_url    VARCHAR NOT NULL,
	chapter_url  VARCHAR NOT NULL,
	manga_json   VARCHAR NOT NULL,
	chapter_json VARCHAR NOT NULL,
	state        VARCHAR NOT NULL,
	error_kind   VARCHAR NOT NULL DEFAULT '',
	error        VARCHAR NOT NULL DEFAULT '',
	position     BIGINT NOT NULL,
	updated_at   TIMESTAMP NOT NULL,
	PRIMARY KEY (source_id, manga_url, chapter_url)
);

CREATE TABLE IF NOT EXISTS chapter_pages (
	source_id   INTEGER NOT NULL,
	manga_url   VARCHAR NOT NULL,
	chapter_url VARCHAR NOT NULL,
	page_count  INTEGER NOT NULL,
	updated_at  TIMESTAMP NOT NULL,
	PRIMARY KEY (source_id, manga_url, chapter_url)
);
`

// JobRecord is the persisted form of a queued download
type JobRecord struct {
	Manga     models.Manga
	Chapter   models.Chapter
	State     string
	ErrorKind string
	Error     string
	Position  int64
}

// Key returns the chapter key the record is stored under
func (r JobRecord) Key() models.ChapterKey {
	return models.KeyOf(r.Manga, r.Chapter)
}

// InitDuckDB opens (creating if needed) the database at path and applies the schema.
// An empty path gives an in-memory database.
func InitDuckDB(path string) (*sql.DB, error) {
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, &apperr.StorageError{Op: "mkdir", Path: filepath.Dir(path), Cause: err}
		}
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, &apperr.StorageError{Op: "open", Path: path, Cause: err}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, &apperr.StorageError{Op: "migrate", Path: path, Cause: err}
	}

	return db, nil
}

// Store persists the download queue and the page counts of downloaded chapters
type Store struct {
	db   *sql.DB
	path string
}

func NewStore(db *sql.DB, path string) *Store {
	return &Store{db: db, path: path}
}

// OpenStore is InitDuckDB + NewStore
func OpenStore(path string) (*Store, error) {
	db, err := InitDuckDB(path)
	if err != nil {
		return nil, err
	}
	log.Printf("[Store] opened %s", displayPath(path))
	return NewStore(db, path), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &apperr.StorageError{Op: op, Path: displayPath(s.path), Cause: err}
}

// SaveJob inserts or replaces the queue row for the record's chapter
func (s *Store) SaveJob(ctx context.Context, rec JobRecord) error {
	mangaJSON, err := json.Marshal(rec.Manga)
	if err != nil {
		return s.wrap("encode manga", err)
	}
	chapterJSON, err := json.Marshal(rec.Chapter)
	if err != nil {
		return s.wrap("encode chapter", err)
	}

	key := rec.Key()
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO download_queue
			(source_id, manga_url, chapter_url, manga_json, chapter_json, state, error_kind, error, position, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.SourceID, key.MangaURL, key.ChapterURL,
		string(mangaJSON), string(chapterJSON),
		rec.State, rec.ErrorKind, rec.Error, rec.Position, time.Now().UTC(),
	)
	return s.wrap("save job", err)
}

func (s *Store) DeleteJob(ctx context.Context, key models.ChapterKey) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM download_queue WHERE source_id = ? AND manga_url = ? AND chapter_url = ?`,
		key.SourceID, key.MangaURL, key.ChapterURL)
	return s.wrap("delete job", err)
}

// LoadJobs returns every persisted job ordered by queue position
func (s *Store) LoadJobs(ctx context.Context) ([]JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT manga_json, chapter_json, state, error_kind, error, position
		FROM download_queue
		ORDER BY position`)
	if err != nil {
		return nil, s.wrap("load jobs", err)
	}
	defer rows.Close()

	var records []JobRecord
	for rows.Next() {
		var (
			mangaJSON, chapterJSON string
			rec                    JobRecord
		)
		if err := rows.Scan(&mangaJSON, &chapterJSON, &rec.State, &rec.ErrorKind, &rec.Error, &rec.Position); err != nil {
			return nil, s.wrap("scan job", err)
		}
		if err := json.Unmarshal([]byte(mangaJSON), &rec.Manga); err != nil {
			log.Printf("[Store] skipping job with unreadable manga: %v", err)
			continue
		}
		if err := json.Unmarshal([]byte(chapterJSON), &rec.Chapter); err != nil {
			log.Printf("[Store] skipping job with unreadable chapter: %v", err)
			continue
		}
		records = append(records, rec)
	}
	return records, s.wrap("load jobs", rows.Err())
}

// SetPageCount records how many pages a chapter has
func (s *Store) SetPageCount(ctx context.Context, key models.ChapterKey, count int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO chapter_pages (source_id, manga_url, chapter_url, page_count, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		key.SourceID, key.MangaURL, key.ChapterURL, count, time.Now().UTC())
	return s.wrap("save page count", err)
}

// PageCount returns the recorded page count and whether one exists
func (s *Store) PageCount(ctx context.Context, key models.ChapterKey) (int, bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT page_count FROM chapter_pages WHERE source_id = ? AND manga_url = ? AND chapter_url = ?`,
		key.SourceID, key.MangaURL, key.ChapterURL).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, s.wrap("load page count", err)
	}
	return count, true, nil
}

func (s *Store) DeletePageCount(ctx context.Context, key models.ChapterKey) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM chapter_pages WHERE source_id = ? AND manga_url = ? AND chapter_url = ?`,
		key.SourceID, key.MangaURL, key.ChapterURL)
	return s.wrap("delete page count", err)
}

func displayPath(path string) string {
	if path == "" {
		return ":memory:"
	}
	return path
}

func (s *Store) String() string {
	return fmt.Sprintf("duckdb(%s)", displayPath(s.path))
}
