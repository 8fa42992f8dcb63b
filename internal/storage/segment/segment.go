// Package segment implements the immutable columnar day files a partition
// is stored in. A flush produces a numbered part segment; compaction
// merges a day's parts into the canonical day file. Segments are Parquet
// with zstd compression and carry their row count and ordering-key bounds
// in the footer metadata, so readers can prune without scanning.
package segment

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zonequant/zq-data/internal/partition"
	"github.com/zonequant/zq-data/internal/record"
)

// SchemaVersion is written into every segment footer. Readers reject
// segments from a newer schema rather than misinterpret them.
const SchemaVersion = 1

// Footer metadata keys.
const (
	metaKind          = "zq.kind"
	metaCount         = "zq.count"
	metaMinTs         = "zq.min_ts"
	metaMinSeq        = "zq.min_seq"
	metaMaxTs         = "zq.max_ts"
	metaMaxSeq        = "zq.max_seq"
	metaSchemaVersion = "zq.schema_version"
)

// Meta describes a segment's contents from its footer alone.
type Meta struct {
	Kind          record.Kind
	Count         int64
	MinKey        record.Key
	MaxKey        record.Key
	SchemaVersion int
}

// Overlaps reports whether the segment can hold keys in the half-open
// timestamp interval [startNs, endNs).
func (m Meta) Overlaps(startNs, endNs int64) bool {
	return m.Count > 0 && m.MinKey.TsNs < endNs && m.MaxKey.TsNs >= startNs
}

// Info is a discovered segment file: its path, part number and footer
// metadata. Part is -1 for the canonical day file.
type Info struct {
	Path string
	Part int
	Size int64
	Meta Meta
}

// Canonical reports whether this is the compacted day file.
func (i Info) Canonical() bool { return i.Part < 0 }

// List discovers the partition's segment files in dir with the given base
// name: the canonical day file first, then part segments in ascending
// order. Footer metadata is read for each; a file whose footer cannot be
// read is returned with zero Meta and left for the reader to classify.
func List(dir, base string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	canonical := base + partition.SegmentExt
	partPrefix := base + "_p"

	var infos []Info
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var part int
		switch {
		case name == canonical:
			part = -1
		case strings.HasPrefix(name, partPrefix) && strings.HasSuffix(name, partition.SegmentExt):
			numStr := strings.TrimSuffix(strings.TrimPrefix(name, partPrefix), partition.SegmentExt)
			if _, err := fmt.Sscanf(numStr, "%06d", &part); err != nil || part < 0 {
				continue
			}
		default:
			continue
		}

		fi, err := entry.Info()
		if err != nil {
			continue
		}

		info := Info{
			Path: filepath.Join(dir, name),
			Part: part,
			Size: fi.Size(),
		}
		if meta, err := ReadMeta(info.Path); err == nil {
			info.Meta = meta
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Part < infos[j].Part
	})

	return infos, nil
}

// NextPart returns the next unused part number for the partition.
func NextPart(dir, base string) (int, error) {
	infos, err := List(dir, base)
	if err != nil {
		return 0, err
	}
	next := 0
	for _, info := range infos {
		if info.Part >= next {
			next = info.Part + 1
		}
	}
	return next, nil
}

// CommittedHWM returns the highest ordering key present across the given
// segments: the durable high-water mark the log replays above.
func CommittedHWM(infos []Info) record.Key {
	var hwm record.Key
	for _, info := range infos {
		if info.Meta.Count > 0 && hwm.Less(info.Meta.MaxKey) {
			hwm = info.Meta.MaxKey
		}
	}
	return hwm
}
