// Package discovery finds the remote files a server's parsers read.
package discovery

import (
	"context"
	"fmt"
	"path"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/emeraldservers/killfeed-ingest/internal/domain"
	"github.com/emeraldservers/killfeed-ingest/internal/remote"
)

// Target is a directory and a base-name pattern to match under it
type Target struct {
	Root    string
	Pattern string
}

// KillfeedTarget returns the deathlog CSV files of a server
func KillfeedTarget(s domain.ServerConfig) Target {
	return Target{Root: s.DeathlogsDir(), Pattern: "*.csv"}
}

// ServerLogTarget returns the server's text log
func ServerLogTarget(s domain.ServerConfig) Target {
	p := s.ServerLogFile()
	return Target{Root: path.Dir(p), Pattern: path.Base(p)}
}

// TargetFor returns the target read by the given parser type
func TargetFor(s domain.ServerConfig, pt domain.ParserType) Target {
	if pt == domain.ParserServerLog {
		return ServerLogTarget(s)
	}
	return KillfeedTarget(s)
}

// All returns every matching file in ascending time order.
// Zero files is not an error.
func All(ctx context.Context, sess remote.Session, t Target) ([]domain.RemoteFile, error) {
	files, err := list(ctx, sess, t)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(files, func(i, j int) bool {
		return before(files[i], files[j])
	})
	return files, nil
}

// Newest returns the most recent matching file, or nil if there is none
func Newest(ctx context.Context, sess remote.Session, t Target) (*domain.RemoteFile, error) {
	files, err := list(ctx, sess, t)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, nil
	}
	newest := files[0]
	for _, f := range files[1:] {
		if before(newest, f) {
			newest = f
		}
	}
	return &newest, nil
}

// before orders by name timestamp (falling back to mod time), then path
func before(a, b domain.RemoteFile) bool {
	ta, tb := a.SortTime(), b.SortTime()
	if !ta.Equal(tb) {
		return ta.Before(tb)
	}
	return a.Path < b.Path
}

func list(ctx context.Context, sess remote.Session, t Target) ([]domain.RemoteFile, error) {
	paths, err := sess.Walk(ctx, t.Root, t.Pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s/%s: %w", t.Root, t.Pattern, err)
	}

	seen := make(map[string]struct{}, len(paths))
	files := make([]domain.RemoteFile, 0, len(paths))
	for _, p := range paths {
		p = path.Clean(p)
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}

		info, err := sess.Stat(ctx, p)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn().
				Err(err).
				Str("file", p).
				Msg("Failed to stat remote file, excluding it")
			continue
		}

		f := domain.RemoteFile{
			Path:    p,
			Name:    path.Base(p),
			Size:    info.Size,
			ModTime: info.ModTime,
		}
		if ts, err := ExtractTimestampFromFilename(p); err == nil {
			f.NameTime = ts
			f.HasNameTime = true
		}
		files = append(files, f)
	}

	log.Debug().
		Str("root", t.Root).
		Str("pattern", t.Pattern).
		Int("files", len(files)).
		Msg("Remote discovery finished")
	return files, nil
}
