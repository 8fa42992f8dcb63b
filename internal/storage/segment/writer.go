package segment

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/zonequant/zq-data/internal/record"
)

// Options configures segment writing.
type Options struct {
	// Compression algorithm for data pages.
	Compression CompressionType

	// RowGroupSize is the target number of rows per row group.
	RowGroupSize int
}

// CompressionType selects a Parquet compression codec.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// DefaultOptions returns default segment options.
func DefaultOptions() Options {
	return Options{
		Compression:  CompressionZstd,
		RowGroupSize: 100000,
	}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// TickRow is the columnar form of a tick record. Prices and sizes are
// stored as decimal strings to preserve the venue's native precision.
type TickRow struct {
	Symbol string `parquet:"symbol,zstd"`
	TsNs   int64  `parquet:"ts_ns"`
	Seq    int64  `parquet:"seq"`
	Price  string `parquet:"price,zstd"`
	Size   string `parquet:"size,zstd"`
	Side   int32  `parquet:"side"`
	Flags  int32  `parquet:"flags"`
}

// KlineRow is the columnar form of a kline record.
type KlineRow struct {
	Symbol string `parquet:"symbol,zstd"`
	TsNs   int64  `parquet:"ts_ns"`
	Seq    int64  `parquet:"seq"`
	Freq   string `parquet:"freq,zstd"`
	Open   string `parquet:"open,zstd"`
	High   string `parquet:"high,zstd"`
	Low    string `parquet:"low,zstd"`
	Close  string `parquet:"close,zstd"`
	Volume string `parquet:"volume,zstd"`
}

func tickToRow(r *record.Record) TickRow {
	return TickRow{
		Symbol: r.Symbol,
		TsNs:   r.TsNs,
		Seq:    int64(r.Seq),
		Price:  r.Price.String(),
		Size:   r.Size.String(),
		Side:   int32(r.Side),
		Flags:  int32(r.Flags),
	}
}

func klineToRow(r *record.Record) KlineRow {
	return KlineRow{
		Symbol: r.Symbol,
		TsNs:   r.TsNs,
		Seq:    int64(r.Seq),
		Freq:   string(r.Freq),
		Open:   r.Open.String(),
		High:   r.High.String(),
		Low:    r.Low.String(),
		Close:  r.Close.String(),
		Volume: r.Volume.String(),
	}
}

// Write publishes records as a segment file at path. Records must already
// be sorted by ordering key and deduplicated; all must share one Kind.
//
// The write is atomic: data goes to a temporary file which is fsynced and
// renamed into place, then the directory is fsynced. A crash leaves either
// the complete segment or no segment, never a partial one.
func Write(path string, kind record.Kind, records []record.Record, opts Options) (Meta, error) {
	meta := Meta{
		Kind:          kind,
		Count:         int64(len(records)),
		SchemaVersion: SchemaVersion,
	}
	if len(records) > 0 {
		meta.MinKey = records[0].Key()
		meta.MaxKey = records[len(records)-1].Key()
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return Meta{}, fmt.Errorf("create temp segment: %w", err)
	}

	if err := writeRows(f, kind, records, meta, opts); err != nil {
		f.Close()
		os.Remove(tmp)
		return Meta{}, err
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return Meta{}, fmt.Errorf("sync segment: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return Meta{}, fmt.Errorf("close segment: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return Meta{}, fmt.Errorf("publish segment: %w", err)
	}
	if err := syncDir(filepath.Dir(path)); err != nil {
		return Meta{}, fmt.Errorf("sync segment dir: %w", err)
	}

	return meta, nil
}

func writeRows(f *os.File, kind record.Kind, records []record.Record, meta Meta, opts Options) error {
	writerOpts := []parquet.WriterOption{
		parquet.Compression(getCompression(opts.Compression)),
		parquet.KeyValueMetadata(metaKind, kind.String()),
		parquet.KeyValueMetadata(metaCount, strconv.FormatInt(meta.Count, 10)),
		parquet.KeyValueMetadata(metaMinTs, strconv.FormatInt(meta.MinKey.TsNs, 10)),
		parquet.KeyValueMetadata(metaMinSeq, strconv.FormatUint(meta.MinKey.Seq, 10)),
		parquet.KeyValueMetadata(metaMaxTs, strconv.FormatInt(meta.MaxKey.TsNs, 10)),
		parquet.KeyValueMetadata(metaMaxSeq, strconv.FormatUint(meta.MaxKey.Seq, 10)),
		parquet.KeyValueMetadata(metaSchemaVersion, strconv.Itoa(meta.SchemaVersion)),
	}
	if opts.RowGroupSize > 0 {
		writerOpts = append(writerOpts, parquet.MaxRowsPerRowGroup(int64(opts.RowGroupSize)))
	}

	switch kind {
	case record.KindTick:
		w := parquet.NewGenericWriter[TickRow](f, writerOpts...)
		rows := make([]TickRow, len(records))
		for i := range records {
			rows[i] = tickToRow(&records[i])
		}
		if len(rows) > 0 {
			if _, err := w.Write(rows); err != nil {
				return fmt.Errorf("write rows: %w", err)
			}
		}
		return w.Close()
	case record.KindKline:
		w := parquet.NewGenericWriter[KlineRow](f, writerOpts...)
		rows := make([]KlineRow, len(records))
		for i := range records {
			rows[i] = klineToRow(&records[i])
		}
		if len(rows) > 0 {
			if _, err := w.Write(rows); err != nil {
				return fmt.Errorf("write rows: %w", err)
			}
		}
		return w.Close()
	default:
		return fmt.Errorf("unknown record kind %d", kind)
	}
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
