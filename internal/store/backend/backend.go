// Package backend opens a graph store from a database URL.
package backend

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/fkg/internal/store"
	"github.com/roach88/fkg/internal/store/memory"
	"github.com/roach88/fkg/internal/store/postgres"
	"github.com/roach88/fkg/internal/store/sqlite"
)

// Open selects a backend by URL scheme:
//
//	memory:                           ephemeral in-process store
//	sqlite:<path>, sqlite://<path>    SQLite database file
//	postgres://..., postgresql://...  PostgreSQL
//
// A URL without a scheme is treated as a SQLite file path.
func Open(ctx context.Context, url string) (store.Store, error) {
	switch {
	case url == "memory:" || url == "memory://" || url == "memory":
		return memory.New(), nil
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return postgres.Open(ctx, url)
	case strings.HasPrefix(url, "sqlite://"):
		return sqlite.Open(ctx, strings.TrimPrefix(url, "sqlite://"))
	case strings.HasPrefix(url, "sqlite:"):
		return sqlite.Open(ctx, strings.TrimPrefix(url, "sqlite:"))
	case url == "":
		return nil, fmt.Errorf("database url is empty")
	case strings.Contains(url, "://"):
		return nil, fmt.Errorf("unsupported database url %q", url)
	default:
		return sqlite.Open(ctx, url)
	}
}
