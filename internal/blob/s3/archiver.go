package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/alanyoungcy/fundingarb/internal/domain"
)

const snapshotPrefix = "ledger/"

// Archiver implements domain.Archiver and domain.SnapshotReader. Each flush
// writes one JSON document at ledger/<yyyy-mm-dd>/<unix>.json. Documents at
// or above MinPartSize go through a multipart upload.
type Archiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	now    func() time.Time
}

// NewArchiver creates an Archiver. reader may be nil when Latest is unused.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader) *Archiver {
	return &Archiver{writer: writer, reader: reader, now: time.Now}
}

// Flush uploads a snapshot and returns its path.
func (a *Archiver) Flush(ctx context.Context, hedges []domain.HedgePosition, risk domain.RiskState) (string, error) {
	now := a.now().UTC()
	snap := domain.LedgerSnapshot{FlushedAt: now, Risk: risk, Hedges: hedges}
	if snap.Hedges == nil {
		snap.Hedges = []domain.HedgePosition{}
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("s3blob: marshal snapshot: %w", err)
	}

	path := snapshotPath(now)
	if int64(len(data)) >= MinPartSize {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(data), MinPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(data), "application/json")
	}
	if err != nil {
		return "", fmt.Errorf("s3blob: flush ledger: %w", err)
	}
	return path, nil
}

// Latest returns the newest snapshot. Paths sort by time within the prefix.
func (a *Archiver) Latest(ctx context.Context) (domain.LedgerSnapshot, error) {
	if a.reader == nil {
		return domain.LedgerSnapshot{}, fmt.Errorf("s3blob: latest snapshot: %w", domain.ErrNotAvailable)
	}
	infos, err := a.reader.List(ctx, snapshotPrefix)
	if err != nil {
		return domain.LedgerSnapshot{}, err
	}
	var paths []string
	for _, info := range infos {
		if strings.HasSuffix(info.Path, ".json") {
			paths = append(paths, info.Path)
		}
	}
	if len(paths) == 0 {
		return domain.LedgerSnapshot{}, fmt.Errorf("s3blob: latest snapshot: %w", domain.ErrNotFound)
	}
	slices.Sort(paths)
	latest := paths[len(paths)-1]

	body, err := a.reader.Get(ctx, latest)
	if err != nil {
		return domain.LedgerSnapshot{}, err
	}
	defer body.Close()
	var snap domain.LedgerSnapshot
	if err := json.NewDecoder(body).Decode(&snap); err != nil {
		return domain.LedgerSnapshot{}, fmt.Errorf("s3blob: decode %s: %w", latest, err)
	}
	return snap, nil
}

// snapshotPath zero-pads the unix seconds so lexical order is time order.
func snapshotPath(t time.Time) string {
	return fmt.Sprintf("%s%s/%012d.json", snapshotPrefix, t.Format("2006-01-02"), t.Unix())
}

var (
	_ domain.Archiver       = (*Archiver)(nil)
	_ domain.SnapshotReader = (*Archiver)(nil)
)
