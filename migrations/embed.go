package migrations

import (
	"embed"
	"io/fs"
)

// Files exposes embedded SQL migration files ordered lexicographically per dialect.
//
//go:embed postgres/*.sql sqlite/*.sql
var Files embed.FS

// Postgres returns the Postgres migration set rooted at its directory.
func Postgres() fs.FS {
	sub, err := fs.Sub(Files, "postgres")
	if err != nil {
		panic(err)
	}
	return sub
}

// SQLite returns the SQLite migration set rooted at its directory.
func SQLite() fs.FS {
	sub, err := fs.Sub(Files, "sqlite")
	if err != nil {
		panic(err)
	}
	return sub
}
