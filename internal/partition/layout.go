package partition

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zonequant/zq-data/internal/errors"
	"github.com/zonequant/zq-data/internal/record"
)

// SegmentExt is the file extension of committed segment files.
const SegmentExt = ".parquet"

// WALExt is the file extension of durable append log files.
const WALExt = ".wal"

// Location is the storage address of a partition: a directory relative to
// the data root and the base file name all of the partition's files share.
//
// Layout: {broker}/{market}/{data_type}/{symbol}[/{freq}]/{year}/
// Base:   {symbol}_{freq-or-tick}_{YYYYMMDD}
type Location struct {
	Dir  string
	Base string
}

// CanonicalSegment is the file name of the compacted day segment.
func (l Location) CanonicalSegment() string { return l.Base + SegmentExt }

// PartSegment is the file name of the n-th uncompacted flush segment.
func (l Location) PartSegment(n int) string {
	return fmt.Sprintf("%s_p%06d%s", l.Base, n, SegmentExt)
}

// Resolve maps a key to its storage location. It is a pure function, total
// over any syntactically valid key, and never touches storage.
func Resolve(k Key) Location {
	parts := []string{k.Broker, k.Market, string(k.DataType), k.Symbol}
	if k.DataType == DataTypeKline {
		parts = append(parts, string(k.Freq))
	}
	parts = append(parts, fmt.Sprintf("%04d", k.Date.Year()))

	return Location{
		Dir:  filepath.Join(parts...),
		Base: fmt.Sprintf("%s_%s_%s", k.Symbol, k.freqOrTick(), k.Date),
	}
}

// Prefix addresses a subtree of partitions for enumeration. Fields must be
// populated left to right: setting Symbol requires DataType, and so on.
// Freq applies only when DataType is kline.
type Prefix struct {
	Broker   string
	Market   string
	DataType DataType
	Symbol   string
	Freq     record.Freq
}

// dir returns the directory the prefix addresses, relative to root, and
// the parent scope that must exist for the prefix to be addressable.
func (p Prefix) dir() (dir, parent string, err error) {
	var parts []string
	for _, f := range []string{p.Broker, p.Market, string(p.DataType), p.Symbol, string(p.Freq)} {
		if f == "" {
			break
		}
		parts = append(parts, f)
	}
	if len(parts) == 0 {
		return "", "", fmt.Errorf("empty prefix: %w", errors.ErrInvalidKey)
	}
	dir = filepath.Join(parts...)
	parent = filepath.Dir(dir)
	if parent == "." {
		parent = ""
	}
	return dir, parent, nil
}

// Enumerate lists the existing partition keys under root matching the
// prefix, in (symbol, freq, date) order. An empty result is returned when
// the prefix's own scope exists (or is one level below an existing parent)
// but holds no partitions yet; ErrNotFound is returned only when the
// prefix's parent scope does not exist.
func Enumerate(ctx context.Context, root string, p Prefix) ([]Key, error) {
	dir, parent, err := p.dir()
	if err != nil {
		return nil, err
	}

	if parent != "" {
		if _, err := os.Stat(filepath.Join(root, parent)); os.IsNotExist(err) {
			return nil, fmt.Errorf("scope %s: %w", parent, errors.ErrNotFound)
		} else if err != nil {
			return nil, err
		}
	}

	abs := filepath.Join(root, dir)
	if _, err := os.Stat(abs); os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	var keys []Key
	walkFn := func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		name := d.Name()
		if !strings.HasSuffix(name, SegmentExt) && !strings.HasSuffix(name, WALExt) {
			return nil
		}
		rel, err := filepath.Rel(root, filepath.Dir(path))
		if err != nil {
			return nil
		}
		k, ok := keyFromPath(rel, name)
		if !ok {
			return nil
		}
		keys = append(keys, k)
		return nil
	}
	if err := filepath.WalkDir(abs, walkFn); err != nil {
		return nil, err
	}

	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		if a.Freq != b.Freq {
			return a.Freq < b.Freq
		}
		return a.Date < b.Date
	})

	// Collapse duplicates: a partition shows up once per file otherwise.
	out := keys[:0]
	for i, k := range keys {
		if i == 0 || k != keys[i-1] {
			out = append(out, k)
		}
	}
	return out, nil
}

// keyFromPath reconstructs a partition key from a directory (relative to
// root) and a file name within it.
func keyFromPath(relDir, name string) (Key, bool) {
	dirs := strings.Split(filepath.ToSlash(relDir), "/")
	// broker/market/datatype/symbol/year or broker/market/datatype/symbol/freq/year
	if len(dirs) < 5 {
		return Key{}, false
	}

	k := Key{
		Broker:   dirs[0],
		Market:   dirs[1],
		DataType: DataType(dirs[2]),
		Symbol:   dirs[3],
	}
	switch k.DataType {
	case DataTypeTick:
		if len(dirs) != 5 {
			return Key{}, false
		}
	case DataTypeKline:
		if len(dirs) != 6 {
			return Key{}, false
		}
		k.Freq = record.Freq(dirs[4])
	default:
		return Key{}, false
	}

	// {symbol}_{freq-or-tick}_{YYYYMMDD}[suffix].{ext}
	base := name
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	want := k.Symbol + "_" + k.freqOrTick() + "_"
	if !strings.HasPrefix(base, want) {
		return Key{}, false
	}
	rest := base[len(want):]
	if i := strings.IndexByte(rest, '_'); i >= 0 {
		rest = rest[:i] // strip the _pNNNNNN part suffix
	}
	d, err := ParseDate(rest)
	if err != nil {
		return Key{}, false
	}
	k.Date = d

	if k.Validate() != nil {
		return Key{}, false
	}
	return k, true
}
