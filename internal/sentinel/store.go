// Package sentinel persists local records of a remote asset's last known update time.
//
// A sentinel is a two-line text file: the asset id, then the update time as
// decimal epoch seconds. The build tracker only sees the file's modification
// time; rewriting the file is how a remote change becomes visible to it.
package sentinel

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strings"

	"geemake/internal/fsutil"
	"geemake/internal/remote"
	"geemake/internal/timecodec"
)

var (
	// ErrMissing means no sentinel exists at the path yet.
	ErrMissing = fmt.Errorf("sentinel missing: %w", fs.ErrNotExist)
	// ErrMalformed means the file exists but is not a two-line sentinel.
	ErrMalformed = errors.New("sentinel malformed")
)

// AssetGetter looks up an asset's current update time.
type AssetGetter interface {
	GetAsset(ctx context.Context, id string) (remote.Asset, error)
}

// Record is the decoded content of a sentinel file.
type Record struct {
	AssetID string          `json:"asset_id"`
	Epoch   timecodec.Epoch `json:"-"`
}

// Store reads and writes sentinel files.
type Store struct {
	Remote AssetGetter
	Logger *log.Logger
}

func (s Store) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

// Current fetches the asset's authoritative update time.
func (s Store) Current(ctx context.Context, assetID string) (timecodec.Epoch, error) {
	a, err := s.Remote.GetAsset(ctx, assetID)
	if err != nil {
		return timecodec.Epoch{}, err
	}
	return timecodec.ToEpoch(a.UpdateTime)
}

// Write records assetID's current update time at path, replacing any prior
// content. It returns written=false without error when the asset does not exist.
func (s Store) Write(ctx context.Context, assetID, path string) (written bool, err error) {
	epoch, err := s.Current(ctx, assetID)
	if err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("write sentinel %s: %w", path, err)
	}
	if err := fsutil.AtomicWriteFile(path, Encode(Record{AssetID: assetID, Epoch: epoch}), 0o644); err != nil {
		return false, fmt.Errorf("write sentinel %s: %w", path, err)
	}
	return true, nil
}

// Read decodes the sentinel at path.
func (s Store) Read(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Record{}, fmt.Errorf("%s: %w", path, ErrMissing)
		}
		return Record{}, err
	}
	rec, err := Decode(data)
	if err != nil {
		return Record{}, fmt.Errorf("%s: %w", path, err)
	}
	return rec, nil
}

// Remove deletes the sentinel at path. A missing file is not an error.
func (s Store) Remove(path string) error {
	existed, err := fsutil.RemoveIfExists(path)
	if err != nil {
		return fmt.Errorf("remove sentinel %s: %w", path, err)
	}
	if existed {
		s.logger().Printf("sentinel: removed %s", path)
	}
	return nil
}

// Encode renders rec in the two-line sentinel format.
func Encode(rec Record) []byte {
	var buf bytes.Buffer
	buf.WriteString(rec.AssetID)
	buf.WriteByte('\n')
	buf.WriteString(rec.Epoch.String())
	buf.WriteByte('\n')
	return buf.Bytes()
}

// Decode parses the two-line sentinel format. The second line may lack its
// trailing newline.
func Decode(data []byte) (Record, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	var lines []string
	for sc.Scan() {
		lines = append(lines, strings.TrimSpace(sc.Text()))
	}
	if err := sc.Err(); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(lines) < 2 || lines[0] == "" {
		return Record{}, fmt.Errorf("%w: expected asset id and epoch lines", ErrMalformed)
	}
	epoch, err := timecodec.ParseEpoch(lines[1])
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return Record{AssetID: lines[0], Epoch: epoch}, nil
}
