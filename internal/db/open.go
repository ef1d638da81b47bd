package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

// Config picks the database backend. A remote libsql url takes precedence
// over a local sqlite file.
type Config struct {
	// File is a sqlite path, `:memory:` is allowed.
	File string `json:"file" yaml:"file"`
	// Url is a libsql url like libsql://db-org.turso.io
	Url       string `json:"url" yaml:"url"`
	AuthToken string `json:"auth_token" yaml:"auth_token"`
}

func wrapOpenDB(err error) error {
	return fmt.Errorf("open db: %w", err)
}

// Open opens the configured database and applies the schema.
func Open(ctx context.Context, config Config) (*sql.DB, error) {
	var (
		database *sql.DB
		err      error
	)
	switch {
	case config.Url != "":
		database, err = openLibsql(config)
	case config.File != "":
		database, err = openSqlite(config.File)
	default:
		return nil, wrapOpenDB(fmt.Errorf("neither a file nor a url was specified"))
	}
	if err != nil {
		return nil, err
	}

	_, err = database.ExecContext(ctx, Schema)
	if err != nil {
		database.Close()
		return nil, wrapOpenDB(fmt.Errorf("apply schema: %w", err))
	}
	return database, nil
}

func openLibsql(config Config) (*sql.DB, error) {
	dburl, err := url.Parse(config.Url)
	if err != nil {
		return nil, wrapOpenDB(err)
	}
	if config.AuthToken != "" {
		query := dburl.Query()
		query.Set("authToken", config.AuthToken)
		dburl.RawQuery = query.Encode()
	}
	database, err := sql.Open("libsql", dburl.String())
	if err != nil {
		return nil, wrapOpenDB(err)
	}
	return database, nil
}

func openSqlite(path string) (*sql.DB, error) {
	if path != ":memory:" {
		err := os.MkdirAll(filepath.Dir(path), 0777)
		if err != nil {
			return nil, wrapOpenDB(err)
		}
	}

	database, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, wrapOpenDB(err)
	}

	// see this stackoverflow post for information on why the following
	// lines exist: https://stackoverflow.com/questions/35804884/sqlite-concurrent-writing-performance
	database.SetMaxOpenConns(1)
	_, err = database.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		database.Close()
		return nil, wrapOpenDB(err)
	}
	_, err = database.Exec("PRAGMA busy_timeout=5000")
	if err != nil {
		database.Close()
		return nil, wrapOpenDB(err)
	}

	return database, nil
}

// OpenMemory is a shorthand for tests.
func OpenMemory(ctx context.Context) (*sql.DB, error) {
	return Open(ctx, Config{File: ":memory:"})
}
