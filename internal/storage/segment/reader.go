package segment

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"

	"github.com/zonequant/zq-data/internal/errors"
	"github.com/zonequant/zq-data/internal/record"
)

// Reader reads records back out of a segment file. The underlying file
// stays open for the Reader's lifetime, so a segment deleted by
// compaction mid-read keeps serving the already-open Reader.
type Reader struct {
	path string
	file *os.File
	meta Meta
}

// Open opens a segment and validates its footer. Unreadable footers,
// unknown schema versions and malformed metadata all surface as
// ErrCorruptSegment.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}

	meta, err := readMetaFrom(f, path)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &Reader{path: path, file: f, meta: meta}, nil
}

// Meta returns the segment's footer metadata.
func (r *Reader) Meta() Meta { return r.meta }

// Path returns the segment path.
func (r *Reader) Path() string { return r.path }

// ReadAll reads every record in the segment, in stored (ordering key)
// order. Rows that fail to decode surface as ErrCorruptSegment.
func (r *Reader) ReadAll() ([]record.Record, error) {
	switch r.meta.Kind {
	case record.KindTick:
		return readTicks(r.file, r.path)
	case record.KindKline:
		return readKlines(r.file, r.path)
	default:
		return nil, fmt.Errorf("segment %s: unknown kind: %w", r.path, errors.ErrCorruptSegment)
	}
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.file.Close()
}

func readTicks(f *os.File, path string) ([]record.Record, error) {
	pr := parquet.NewGenericReader[TickRow](f)
	defer pr.Close()

	rows := make([]TickRow, pr.NumRows())
	if len(rows) == 0 {
		return nil, nil
	}
	n, err := pr.Read(rows)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("segment %s: read rows: %v: %w", path, err, errors.ErrCorruptSegment)
	}

	records := make([]record.Record, n)
	for i := 0; i < n; i++ {
		row := &rows[i]
		price, err := decimal.NewFromString(row.Price)
		if err != nil {
			return nil, fmt.Errorf("segment %s row %d price %q: %w", path, i, row.Price, errors.ErrCorruptSegment)
		}
		size, err := decimal.NewFromString(row.Size)
		if err != nil {
			return nil, fmt.Errorf("segment %s row %d size %q: %w", path, i, row.Size, errors.ErrCorruptSegment)
		}
		records[i] = record.Record{
			Kind:   record.KindTick,
			Symbol: row.Symbol,
			TsNs:   row.TsNs,
			Seq:    uint64(row.Seq),
			Price:  price,
			Size:   size,
			Side:   record.Side(row.Side),
			Flags:  uint32(row.Flags),
		}
	}
	return records, nil
}

func readKlines(f *os.File, path string) ([]record.Record, error) {
	pr := parquet.NewGenericReader[KlineRow](f)
	defer pr.Close()

	rows := make([]KlineRow, pr.NumRows())
	if len(rows) == 0 {
		return nil, nil
	}
	n, err := pr.Read(rows)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("segment %s: read rows: %v: %w", path, err, errors.ErrCorruptSegment)
	}

	records := make([]record.Record, n)
	for i := 0; i < n; i++ {
		row := &rows[i]
		rec := record.Record{
			Kind:   record.KindKline,
			Symbol: row.Symbol,
			TsNs:   row.TsNs,
			Seq:    uint64(row.Seq),
			Freq:   record.Freq(row.Freq),
		}
		fields := []struct {
			dst *decimal.Decimal
			src string
		}{
			{&rec.Open, row.Open}, {&rec.High, row.High}, {&rec.Low, row.Low},
			{&rec.Close, row.Close}, {&rec.Volume, row.Volume},
		}
		for _, field := range fields {
			d, err := decimal.NewFromString(field.src)
			if err != nil {
				return nil, fmt.Errorf("segment %s row %d ohlcv %q: %w", path, i, field.src, errors.ErrCorruptSegment)
			}
			*field.dst = d
		}
		records[i] = rec
	}
	return records, nil
}

// ReadMeta reads a segment's footer metadata without touching row data.
func ReadMeta(path string) (Meta, error) {
	f, err := os.Open(path)
	if err != nil {
		return Meta{}, fmt.Errorf("open segment: %w", err)
	}
	defer f.Close()
	return readMetaFrom(f, path)
}

func readMetaFrom(f *os.File, path string) (Meta, error) {
	fi, err := f.Stat()
	if err != nil {
		return Meta{}, fmt.Errorf("stat segment: %w", err)
	}

	pf, err := parquet.OpenFile(f, fi.Size())
	if err != nil {
		return Meta{}, fmt.Errorf("segment %s: %v: %w", path, err, errors.ErrCorruptSegment)
	}

	var meta Meta

	kindStr, ok := pf.Lookup(metaKind)
	if !ok {
		return Meta{}, fmt.Errorf("segment %s: missing footer metadata: %w", path, errors.ErrCorruptSegment)
	}
	switch kindStr {
	case "tick":
		meta.Kind = record.KindTick
	case "kline":
		meta.Kind = record.KindKline
	default:
		return Meta{}, fmt.Errorf("segment %s: kind %q: %w", path, kindStr, errors.ErrCorruptSegment)
	}

	intField := func(key string) (int64, error) {
		s, ok := pf.Lookup(key)
		if !ok {
			return 0, fmt.Errorf("segment %s: missing %s: %w", path, key, errors.ErrCorruptSegment)
		}
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("segment %s: %s=%q: %w", path, key, s, errors.ErrCorruptSegment)
		}
		return v, nil
	}
	uintField := func(key string) (uint64, error) {
		s, ok := pf.Lookup(key)
		if !ok {
			return 0, fmt.Errorf("segment %s: missing %s: %w", path, key, errors.ErrCorruptSegment)
		}
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("segment %s: %s=%q: %w", path, key, s, errors.ErrCorruptSegment)
		}
		return v, nil
	}

	if meta.Count, err = intField(metaCount); err != nil {
		return Meta{}, err
	}
	if meta.MinKey.TsNs, err = intField(metaMinTs); err != nil {
		return Meta{}, err
	}
	if meta.MinKey.Seq, err = uintField(metaMinSeq); err != nil {
		return Meta{}, err
	}
	if meta.MaxKey.TsNs, err = intField(metaMaxTs); err != nil {
		return Meta{}, err
	}
	if meta.MaxKey.Seq, err = uintField(metaMaxSeq); err != nil {
		return Meta{}, err
	}

	ver, err := intField(metaSchemaVersion)
	if err != nil {
		return Meta{}, err
	}
	if ver > SchemaVersion {
		return Meta{}, fmt.Errorf("segment %s: schema version %d: %w", path, ver, errors.ErrCorruptSegment)
	}
	meta.SchemaVersion = int(ver)

	if meta.Count != pf.NumRows() {
		return Meta{}, fmt.Errorf("segment %s: footer count %d, rows %d: %w",
			path, meta.Count, pf.NumRows(), errors.ErrCorruptSegment)
	}

	return meta, nil
}
