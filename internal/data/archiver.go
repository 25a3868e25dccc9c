package data

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"

	"github.com/casplaer/XMLProcessingSystem/internal/compression"
	"github.com/casplaer/XMLProcessingSystem/internal/model"
	"github.com/casplaer/XMLProcessingSystem/internal/storage"
)

// Uploader stores a finished archive file under key.
type Uploader interface {
	UploadFile(ctx context.Context, key, filePath string) error
}

type ArchiverOptions struct {
	// MaxRecords buffered records wake Run for a flush.
	MaxRecords int
	// MaxInterval is the longest a record waits in the buffer.
	MaxInterval time.Duration
	// MaxBuffered caps the buffer while uploads fail. Defaults to ten
	// batches.
	MaxBuffered int
	BasePath    string
	Compression string
}

// Archiver buffers applied module states and writes them to object storage
// as parquet files. Observe only appends; uploads happen in Run or Flush, one
// at a time and outside the buffer lock.
type Archiver struct {
	opts     ArchiverOptions
	codec    parquet.CompressionCodec
	uploader Uploader
	logger   *slog.Logger
	now      func() time.Time
	tmpDir   string

	full    chan struct{}
	flushMu sync.Mutex

	mu        sync.Mutex
	buf       []model.ArchiveRecord
	resetTime time.Time
	dropped   int64
}

func NewArchiver(opts ArchiverOptions, uploader Uploader, logger *slog.Logger) (*Archiver, error) {
	codec, err := compression.ParseCodec(opts.Compression)
	if err != nil {
		return nil, err
	}
	if opts.MaxBuffered <= 0 {
		opts.MaxBuffered = 10 * opts.MaxRecords
		if opts.MaxBuffered <= 0 {
			opts.MaxBuffered = 10000
		}
	}
	return &Archiver{
		opts:      opts,
		codec:     codec,
		uploader:  uploader,
		logger:    logger.With("component", "archiver"),
		now:       time.Now,
		tmpDir:    os.TempDir(),
		full:      make(chan struct{}, 1),
		resetTime: time.Now().UTC(),
	}, nil
}

func ToArchiveRecord(rec model.ModuleRecord, appliedAt time.Time) model.ArchiveRecord {
	out := model.ArchiveRecord{
		RecordID:         rec.ID.String(),
		PackageID:        rec.PackageID,
		ModuleCategoryID: rec.ModuleCategoryID,
		ModuleState:      rec.ModuleState,
		AppliedAt:        model.ToMillis(appliedAt),
	}
	if rec.IndexWithinRole != nil {
		v := int32(*rec.IndexWithinRole)
		out.IndexWithinRole = &v
	}
	return out
}

// Observe buffers records and wakes Run once MaxRecords are waiting. Past
// MaxBuffered the oldest records are dropped.
func (a *Archiver) Observe(_ context.Context, records []model.ModuleRecord) error {
	if len(records) == 0 {
		return nil
	}
	appliedAt := a.now()

	a.mu.Lock()
	if len(a.buf) == 0 {
		a.resetTime = appliedAt.UTC()
	}
	for _, rec := range records {
		a.buf = append(a.buf, ToArchiveRecord(rec, appliedAt))
	}
	dropped := a.trimLocked()
	full := a.fullLocked()
	a.mu.Unlock()

	if dropped > 0 {
		a.logger.Warn("archive buffer full, dropped oldest records", "dropped", dropped, "limit", a.opts.MaxBuffered)
	}
	if full {
		select {
		case a.full <- struct{}{}:
		default:
		}
	}
	return nil
}

// Dropped reports how many records were discarded because the buffer was at
// MaxBuffered.
func (a *Archiver) Dropped() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

func (a *Archiver) ShouldFlushByInterval() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.opts.MaxInterval > 0 && len(a.buf) > 0 && a.now().Sub(a.resetTime) >= a.opts.MaxInterval
}

func (a *Archiver) Flush(ctx context.Context) (int, error) {
	return a.flush(ctx, "explicit")
}

func (a *Archiver) fullLocked() bool {
	return a.opts.MaxRecords > 0 && len(a.buf) >= a.opts.MaxRecords
}

func (a *Archiver) trimLocked() int {
	over := len(a.buf) - a.opts.MaxBuffered
	if over <= 0 {
		return 0
	}
	a.buf = append([]model.ArchiveRecord(nil), a.buf[over:]...)
	a.dropped += int64(over)
	return over
}

// flush takes the whole buffer and uploads it as one part. A failed batch
// goes back in front of whatever arrived meanwhile.
func (a *Archiver) flush(ctx context.Context, reason string) (int, error) {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	a.mu.Lock()
	batch := a.buf
	a.buf = nil
	a.resetTime = a.now().UTC()
	a.mu.Unlock()

	if len(batch) == 0 {
		return 0, nil
	}

	key, err := a.upload(ctx, batch)
	if err != nil {
		a.mu.Lock()
		a.buf = append(batch, a.buf...)
		dropped := a.trimLocked()
		a.mu.Unlock()
		if dropped > 0 {
			a.logger.Warn("archive buffer full, dropped oldest records", "dropped", dropped, "limit", a.opts.MaxBuffered)
		}
		return 0, err
	}

	a.logger.Info("archive flushed", "reason", reason, "records", len(batch), "object", key)
	return len(batch), nil
}

func (a *Archiver) upload(ctx context.Context, batch []model.ArchiveRecord) (string, error) {
	id := uuid.NewString()
	tmp := filepath.Join(a.tmpDir, "archive-"+id+".parquet")
	defer os.Remove(tmp)

	if _, err := compression.WriteFile(tmp, a.codec, batch); err != nil {
		return "", err
	}
	key := storage.PartKey(a.opts.BasePath, a.now(), id)
	if err := a.uploader.UploadFile(ctx, key, tmp); err != nil {
		return "", err
	}
	return key, nil
}

func (a *Archiver) flushAndLog(ctx context.Context, reason string) bool {
	if _, err := a.flush(ctx, reason); err != nil {
		a.logger.Error("archive flush failed", "reason", reason, "err", err)
		return false
	}
	return true
}

// Run flushes by size and by interval until ctx ends, then flushes what is
// left. After a failed size flush it waits for the next tick before trying
// again.
func (a *Archiver) Run(ctx context.Context) {
	tick := a.opts.MaxInterval / 4
	if tick <= 0 || tick > time.Second {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	full := a.full
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			a.flushAndLog(shutdownCtx, "shutdown")
			cancel()
			return
		case <-full:
			if !a.flushAndLog(ctx, "by size") {
				full = nil
			}
		case <-ticker.C:
			full = a.full
			a.mu.Lock()
			bySize := a.fullLocked()
			a.mu.Unlock()
			switch {
			case bySize:
				a.flushAndLog(ctx, "by size")
			case a.ShouldFlushByInterval():
				a.flushAndLog(ctx, "by interval")
			}
		}
	}
}
