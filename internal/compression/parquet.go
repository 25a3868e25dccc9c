// Package compression writes archive batches as parquet files.
package compression

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"
)

// writers is the number of goroutines the parquet writer marshals rows with.
const writers = 4

var ErrUnknownCodec = errors.New("unknown parquet codec")

// ParseCodec resolves a codec name case-insensitively. An empty name means
// SNAPPY.
func ParseCodec(name string) (parquet.CompressionCodec, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "", "SNAPPY":
		return parquet.CompressionCodec_SNAPPY, nil
	case "GZIP":
		return parquet.CompressionCodec_GZIP, nil
	case "ZSTD":
		return parquet.CompressionCodec_ZSTD, nil
	case "UNCOMPRESSED":
		return parquet.CompressionCodec_UNCOMPRESSED, nil
	}
	return parquet.CompressionCodec_UNCOMPRESSED, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
}

// WriteFile writes rows to a new parquet file at path, using the parquet tags
// of T as the schema, and returns the size of the finished file. Nothing is
// left at path when it fails.
func WriteFile[T any](path string, codec parquet.CompressionCodec, rows []T) (int64, error) {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", path, err)
	}

	err = writeRows(fw, codec, rows)
	if cerr := fw.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return 0, err
	}

	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func writeRows[T any](fw source.ParquetFile, codec parquet.CompressionCodec, rows []T) error {
	pw, err := writer.NewParquetWriter(fw, new(T), writers)
	if err != nil {
		return fmt.Errorf("parquet schema: %w", err)
	}
	pw.CompressionType = codec

	for i := range rows {
		if err := pw.Write(rows[i]); err != nil {
			return fmt.Errorf("parquet row %d: %w", i, err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("parquet footer: %w", err)
	}
	return nil
}
