package discovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/emeraldservers/killfeed-ingest/internal/domain"
	"github.com/emeraldservers/killfeed-ingest/internal/remote/remotetest"
)

var server = domain.ServerConfig{ServerID: "7020", Host: "10.0.0.5", Enabled: true}

const deathlogs = "10.0.0.5_7020/actual1/deathlogs"

func TestExtractTimestampFromFilename(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		expected time.Time
		wantErr  bool
	}{
		{"dotted", "2025.04.30-00.00.00.csv", time.Date(2025, 4, 30, 0, 0, 0, 0, time.UTC), false},
		{"with directory", "./host_1/actual1/deathlogs/world_0/2025.05.01-13.45.10.csv", time.Date(2025, 5, 1, 13, 45, 10, 0, time.UTC), false},
		{"dashed with prefix", "kill_2025-04-30_12-30-00.csv", time.Date(2025, 4, 30, 12, 30, 0, 0, time.UTC), false},
		{"no timestamp", "deathlog.csv", time.Time{}, true},
		{"bad month", "2025.13.01-00.00.00.csv", time.Time{}, true},
		{"bad hour", "2025.01.01-24.00.00.csv", time.Time{}, true},
		{"february 31", "2025.02.31-00.00.00.csv", time.Time{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractTimestampFromFilename(tt.filename)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Equal(tt.expected) {
				t.Errorf("got %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestAll_SortsAscendingByNameTime(t *testing.T) {
	fs := remotetest.NewFS()
	mod := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	// Mod times deliberately disagree with name times
	fs.Put("./"+deathlogs+"/world_0/2025.04.30-12.00.00.csv", "x", mod)
	fs.Put("./"+deathlogs+"/world_1/2025.04.29-00.00.00.csv", "x", mod.Add(time.Hour))
	fs.Put("./"+deathlogs+"/2025.05.01-00.00.00.csv", "x", mod.Add(-time.Hour))
	fs.Put("./"+deathlogs+"/notes.txt", "x", mod)

	files, err := All(context.Background(), fs.Session(), KillfeedTarget(server))
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	want := []string{"2025.04.29-00.00.00.csv", "2025.04.30-12.00.00.csv", "2025.05.01-00.00.00.csv"}
	if len(files) != len(want) {
		t.Fatalf("expected %d files, got %d", len(want), len(files))
	}
	for i, f := range files {
		if f.Name != want[i] {
			t.Errorf("files[%d] = %s, want %s", i, f.Name, want[i])
		}
		if !f.HasNameTime {
			t.Errorf("files[%d] should carry a name timestamp", i)
		}
	}
}

func TestNewest_FallsBackToModTime(t *testing.T) {
	fs := remotetest.NewFS()
	base := time.Date(2025, 4, 30, 0, 0, 0, 0, time.UTC)
	fs.Put(deathlogs+"/a.csv", "x", base.Add(2*time.Hour))
	fs.Put(deathlogs+"/b.csv", "x", base)

	f, err := Newest(context.Background(), fs.Session(), Target{Root: deathlogs, Pattern: "*.csv"})
	if err != nil {
		t.Fatalf("Newest() error = %v", err)
	}
	if f == nil || f.Name != "a.csv" {
		t.Fatalf("expected a.csv, got %+v", f)
	}
}

func TestNewest_NoFiles(t *testing.T) {
	f, err := Newest(context.Background(), remotetest.NewFS().Session(), KillfeedTarget(server))
	if err != nil {
		t.Fatalf("Newest() error = %v", err)
	}
	if f != nil {
		t.Errorf("expected nil, got %+v", f)
	}
}

func TestAll_ExcludesFilesThatFailStat(t *testing.T) {
	fs := remotetest.NewFS()
	mod := time.Date(2025, 4, 30, 0, 0, 0, 0, time.UTC)
	fs.Put(deathlogs+"/2025.04.30-00.00.00.csv", "x", mod)
	fs.Put(deathlogs+"/2025.04.30-01.00.00.csv", "x", mod)
	fs.FailStat(deathlogs+"/2025.04.30-00.00.00.csv", errors.New("permission denied"))

	files, err := All(context.Background(), fs.Session(), Target{Root: deathlogs, Pattern: "*.csv"})
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	if len(files) != 1 || files[0].Name != "2025.04.30-01.00.00.csv" {
		t.Errorf("unexpected files %+v", files)
	}
}

type dupSession struct {
	*remotetest.Session
}

func (d dupSession) Walk(ctx context.Context, root, pattern string) ([]string, error) {
	paths, err := d.Session.Walk(ctx, root, pattern)
	return append(paths, paths...), err
}

func TestAll_Deduplicates(t *testing.T) {
	fs := remotetest.NewFS()
	fs.Put(deathlogs+"/2025.04.30-00.00.00.csv", "x", time.Now())

	files, err := All(context.Background(), dupSession{fs.Session()}, Target{Root: deathlogs, Pattern: "*.csv"})
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	if len(files) != 1 {
		t.Errorf("expected 1 file, got %d", len(files))
	}
}

func TestServerLogTarget(t *testing.T) {
	target := ServerLogTarget(server)
	if target.Root != "10.0.0.5_7020/Logs" || target.Pattern != "Deadside.log" {
		t.Errorf("unexpected target %+v", target)
	}
	if TargetFor(server, domain.ParserKillfeed) != KillfeedTarget(server) {
		t.Error("killfeed parser should read deathlogs")
	}
}
