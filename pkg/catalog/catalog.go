// Package catalog keeps a sqlite index of every song exported from a
// recording session.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zachfi/zkit/pkg/util"
	"github.com/zeebo/xxh3"
	_ "modernc.org/sqlite"
)

const schema = `
create table if not exists songs (
	session    text    not null,
	track      text    not null,
	part       integer not null,
	title      text    not null,
	artist     text    not null,
	dj         text    not null,
	duration   real    not null,
	complete   integer not null,
	path       text    not null,
	hash       text    not null,
	exported   integer not null,
	primary key (session, track)
);
create index if not exists songs_dj on songs (dj);
`

// Entry is one exported song.
type Entry struct {
	Session  string
	Track    string
	Part     int
	Title    string
	Artist   string
	DJ       string
	Duration float64
	Complete bool
	Path     string
	Hash     string
	Exported time.Time
}

type Catalog struct {
	db *sql.DB
}

// Open creates the database and schema if needed.
func Open(ctx context.Context, path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("catalog: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("catalog: ensure dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open: %w", err)
	}
	// Segmentation workers share the handle; serialize writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, "pragma busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: set busy_timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: schema: %w", err)
	}

	return &Catalog{db: db}, nil
}

// Hash fingerprints exported audio so re-runs can be compared.
func Hash(audio []byte) string {
	return fmt.Sprintf("%016x", xxh3.Hash(audio))
}

// Put records an export, replacing an earlier export of the same track.
func (c *Catalog) Put(ctx context.Context, e Entry) error {
	complete := 0
	if e.Complete {
		complete = 1
	}
	_, err := c.db.ExecContext(ctx, `
insert into songs (session, track, part, title, artist, dj, duration, complete, path, hash, exported)
values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
on conflict (session, track) do update set
	part = excluded.part, title = excluded.title, artist = excluded.artist, dj = excluded.dj,
	duration = excluded.duration, complete = excluded.complete, path = excluded.path,
	hash = excluded.hash, exported = excluded.exported`,
		e.Session, e.Track, e.Part, e.Title, e.Artist, e.DJ, e.Duration, complete, e.Path, e.Hash, e.Exported.Unix())
	if err != nil {
		return fmt.Errorf("catalog: put %s/%s: %w", e.Session, e.Track, err)
	}
	return nil
}

// Session lists a session's exports in track order.
func (c *Catalog) Session(ctx context.Context, session string) ([]Entry, error) {
	rows, err := c.db.QueryContext(ctx, `
select session, track, part, title, artist, dj, duration, complete, path, hash, exported
from songs where session = ? order by rowid`, session)
	if err != nil {
		return nil, fmt.Errorf("catalog: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e        Entry
			complete int
			exported int64
		)
		if err := rows.Scan(&e.Session, &e.Track, &e.Part, &e.Title, &e.Artist, &e.DJ, &e.Duration, &complete, &e.Path, &e.Hash, &exported); err != nil {
			return nil, err
		}
		e.Complete = complete == 1
		e.Exported = time.Unix(exported, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (c *Catalog) Close() error {
	return c.db.Close()
}

type Config struct {
	Path string `yaml:"path,omitempty"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Path, util.PrefixConfig(prefix, "path"), "", "sqlite database recording every exported song. Disabled when empty.")
}
