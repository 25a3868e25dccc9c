package data

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"github.com/casplaer/XMLProcessingSystem/internal/model"
)

type memUploader struct {
	mu      sync.Mutex
	dir     string
	objects []string
	files   []string
	fail    error

	started chan struct{}
	release chan struct{}
}

func (m *memUploader) UploadFile(_ context.Context, key, filePath string) error {
	if m.started != nil {
		m.started <- struct{}{}
		<-m.release
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	b, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	path := filepath.Join(m.dir, filepath.Base(key))
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return err
	}
	m.objects = append(m.objects, key)
	m.files = append(m.files, path)
	return nil
}

func (m *memUploader) setFail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

func (m *memUploader) uploaded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.files...)
}

func readArchive(t *testing.T, path string) []model.ArchiveRecord {
	t.Helper()
	fr, err := local.NewLocalFileReader(path)
	require.NoError(t, err)
	defer fr.Close()

	pr, err := reader.NewParquetReader(fr, new(model.ArchiveRecord), 1)
	require.NoError(t, err)
	defer pr.ReadStop()

	rows := make([]model.ArchiveRecord, pr.GetNumRows())
	require.NoError(t, pr.Read(&rows))
	return rows
}

func records(n int) []model.ModuleRecord {
	out := make([]model.ModuleRecord, n)
	for i := range out {
		out[i] = model.ModuleRecord{
			ID:               uuid.New(),
			PackageID:        "P1",
			ModuleCategoryID: "C1",
			ModuleState:      model.StateRun,
			IndexWithinRole:  model.IntPtr(i),
		}
	}
	out[0].IndexWithinRole = nil
	return out
}

func newTestArchiver(t *testing.T, opts ArchiverOptions, up Uploader) *Archiver {
	t.Helper()
	if opts.MaxInterval == 0 {
		opts.MaxInterval = time.Minute
	}
	opts.BasePath = "archive"
	opts.Compression = "SNAPPY"
	a, err := NewArchiver(opts, up, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	a.now = func() time.Time { return time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC) }
	a.tmpDir = t.TempDir()
	return a
}

func TestNewArchiver_UnknownCodec(t *testing.T) {
	_, err := NewArchiver(ArchiverOptions{MaxRecords: 1, Compression: "lzo"}, &memUploader{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}

func TestArchiver_ObserveOnlyBuffers(t *testing.T) {
	up := &memUploader{dir: t.TempDir()}
	a := newTestArchiver(t, ArchiverOptions{MaxRecords: 3}, up)

	require.NoError(t, a.Observe(context.Background(), records(2)))
	assert.Empty(t, a.full)
	require.NoError(t, a.Observe(context.Background(), records(2)))
	assert.Len(t, a.full, 1, "a full buffer wakes Run")
	assert.Empty(t, up.uploaded())

	n, err := a.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	require.Len(t, up.objects, 1)
	assert.True(t, strings.HasPrefix(up.objects[0], "archive/year=2026/month=05/day=04/part-"), up.objects[0])
	rows := readArchive(t, up.files[0])
	require.Len(t, rows, 4)
	assert.Nil(t, rows[0].IndexWithinRole)
	require.NotNil(t, rows[1].IndexWithinRole)
	assert.Equal(t, int32(1), *rows[1].IndexWithinRole)
	assert.Equal(t, model.StateRun, rows[1].ModuleState)

	n, err = a.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "buffer is empty after a flush")
}

func TestArchiver_RunFlushesBySize(t *testing.T) {
	up := &memUploader{dir: t.TempDir()}
	a := newTestArchiver(t, ArchiverOptions{MaxRecords: 3, MaxInterval: time.Hour}, up)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	require.NoError(t, a.Observe(context.Background(), records(3)))
	require.Eventually(t, func() bool { return len(up.uploaded()) == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
	files := up.uploaded()
	require.Len(t, files, 1, "nothing left for the shutdown flush")
	assert.Len(t, readArchive(t, files[0]), 3)
}

func TestArchiver_ObserveDoesNotWaitForUpload(t *testing.T) {
	up := &memUploader{dir: t.TempDir(), started: make(chan struct{}), release: make(chan struct{})}
	a := newTestArchiver(t, ArchiverOptions{MaxRecords: 2}, up)
	require.NoError(t, a.Observe(context.Background(), records(2)))

	flushed := make(chan int, 1)
	go func() {
		n, _ := a.Flush(context.Background())
		flushed <- n
	}()
	<-up.started

	observed := make(chan struct{})
	go func() {
		_ = a.Observe(context.Background(), records(1))
		close(observed)
	}()
	select {
	case <-observed:
	case <-time.After(time.Second):
		t.Fatal("Observe blocked behind an upload")
	}

	close(up.release)
	assert.Equal(t, 2, <-flushed)
	up.started = nil

	n, err := a.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "records observed during the upload go in the next part")
}

func TestArchiver_UploadFailureKeepsBuffer(t *testing.T) {
	up := &memUploader{dir: t.TempDir(), fail: errors.New("s3 down")}
	a := newTestArchiver(t, ArchiverOptions{}, up)

	require.NoError(t, a.Observe(context.Background(), records(2)))
	_, err := a.Flush(context.Background())
	require.Error(t, err)

	up.setFail(nil)
	n, err := a.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestArchiver_BufferCapDropsOldest(t *testing.T) {
	up := &memUploader{dir: t.TempDir(), fail: errors.New("s3 down")}
	a := newTestArchiver(t, ArchiverOptions{MaxRecords: 2, MaxBuffered: 3}, up)

	require.NoError(t, a.Observe(context.Background(), records(5)))
	assert.Equal(t, int64(2), a.Dropped())

	_, err := a.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, int64(2), a.Dropped(), "a failed batch fits back under the cap")

	up.setFail(nil)
	n, err := a.Flush(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, n)

	rows := readArchive(t, up.files[0])
	require.Len(t, rows, 3)
	for i, row := range rows {
		require.NotNil(t, row.IndexWithinRole)
		assert.Equal(t, int32(i+2), *row.IndexWithinRole, "newest records survive")
	}
}

func TestArchiver_ShouldFlushByInterval(t *testing.T) {
	up := &memUploader{dir: t.TempDir()}
	a := newTestArchiver(t, ArchiverOptions{MaxRecords: 100}, up)
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	assert.False(t, a.ShouldFlushByInterval(), "empty buffer never flushes")
	require.NoError(t, a.Observe(context.Background(), records(1)))
	assert.False(t, a.ShouldFlushByInterval())

	now = now.Add(2 * time.Minute)
	assert.True(t, a.ShouldFlushByInterval())
}

func TestArchiver_RunFlushesOnShutdown(t *testing.T) {
	up := &memUploader{dir: t.TempDir()}
	a := newTestArchiver(t, ArchiverOptions{MaxRecords: 100}, up)
	require.NoError(t, a.Observe(context.Background(), records(3)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	files := up.uploaded()
	require.Len(t, files, 1)
	assert.Len(t, readArchive(t, files[0]), 3)
}
