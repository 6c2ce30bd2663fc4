// Package rustic interprets the opaque JSON blobs returned by the worker
// snapshot tool. Worker responses are persisted verbatim and have no strict
// schema; the tool's output shape varies between operations and versions.
// This package extracts what the server needs (snapshot references,
// size summaries) by deep-walking the decoded structure instead of
// unmarshalling into fixed types.
package rustic

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// SnapshotRef is a snapshot reference found in a worker output blob.
type SnapshotRef struct {
	ID   string
	Time *time.Time
}

// idKeys are the object keys that may carry a snapshot id, in preference
// order.
var idKeys = []string{"snapshot_id", "short_id", "id"}

// hintKeys mark an object as snapshot-like: an id alone is not enough,
// since plenty of unrelated objects carry an "id" field.
var hintKeys = []string{"time", "timestamp", "datetime", "paths", "summary", "tree", "parent"}

// timeLayouts are tried in order when parsing snapshot timestamps.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05",
}

// Decode unmarshals a stored output blob. An empty blob decodes to nil.
func Decode(blob string) (any, error) {
	if strings.TrimSpace(blob) == "" {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal([]byte(blob), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SnapshotRecord pairs a snapshot reference with the raw object it was
// extracted from. The sweeper persists the raw object as the output of
// synthesized runs.
type SnapshotRecord struct {
	Ref SnapshotRef
	Raw map[string]any
}

// ExtractSnapshotRecords deep-walks a decoded blob and returns every
// snapshot record found, de-duplicated by id (first occurrence wins).
func ExtractSnapshotRecords(blob any) []SnapshotRecord {
	var records []SnapshotRecord
	seen := map[string]bool{}

	walk(blob, func(obj map[string]any) {
		id := snapshotID(obj)
		if id == "" || !snapshotLike(obj) || seen[id] {
			return
		}
		seen[id] = true
		records = append(records, SnapshotRecord{
			Ref: SnapshotRef{ID: id, Time: snapshotTime(obj)},
			Raw: obj,
		})
	})

	return records
}

// ExtractSnapshots is ExtractSnapshotRecords without the raw objects.
func ExtractSnapshots(blob any) []SnapshotRef {
	records := ExtractSnapshotRecords(blob)
	if len(records) == 0 {
		return nil
	}
	refs := make([]SnapshotRef, len(records))
	for i, rec := range records {
		refs[i] = rec.Ref
	}
	return refs
}

// PrimarySnapshot returns the single primary snapshot reference of a blob:
// the first element after sorting by snapshot time descending (references
// without a time sort last).
func PrimarySnapshot(blob any) (SnapshotRef, bool) {
	refs := ExtractSnapshots(blob)
	if len(refs) == 0 {
		return SnapshotRef{}, false
	}

	sort.SliceStable(refs, func(i, j int) bool {
		ti, tj := refs[i].Time, refs[j].Time
		switch {
		case ti == nil:
			return false
		case tj == nil:
			return true
		default:
			return ti.After(*tj)
		}
	})

	return refs[0], true
}

// Summary is the size accounting extracted from a backup output blob.
type Summary struct {
	BytesAdded      int64
	BytesProcessed  int64
	FilesNew        *int64
	FilesChanged    *int64
	FilesUnmodified *int64
}

// ExtractSummary deep-walks a decoded blob for the first object carrying
// size-summary fields (data_added and friends). Returns false when the blob
// carries no recognizable summary.
func ExtractSummary(blob any) (Summary, bool) {
	var (
		summary Summary
		found   bool
	)

	walk(blob, func(obj map[string]any) {
		if found {
			return
		}

		added, okAdded := firstInt(obj, "data_added", "bytes_added", "dataAdded", "bytesAdded")
		processed, okProcessed := firstInt(obj, "total_bytes_processed", "bytes_processed", "totalBytesProcessed")
		if !okAdded && !okProcessed {
			return
		}

		summary.BytesAdded = added
		summary.BytesProcessed = processed
		if v, ok := firstInt(obj, "files_new", "filesNew"); ok {
			summary.FilesNew = &v
		}
		if v, ok := firstInt(obj, "files_changed", "filesChanged"); ok {
			summary.FilesChanged = &v
		}
		if v, ok := firstInt(obj, "files_unmodified", "filesUnmodified"); ok {
			summary.FilesUnmodified = &v
		}
		found = true
	})

	return summary, found
}

// walk visits every JSON object in the structure, depth-first.
func walk(node any, visit func(map[string]any)) {
	switch v := node.(type) {
	case map[string]any:
		visit(v)
		for _, child := range v {
			walk(child, visit)
		}
	case []any:
		for _, child := range v {
			walk(child, visit)
		}
	}
}

func snapshotLike(obj map[string]any) bool {
	for _, key := range hintKeys {
		if _, ok := obj[key]; ok {
			return true
		}
	}
	return false
}

func snapshotID(obj map[string]any) string {
	for _, key := range idKeys {
		if s, ok := obj[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func snapshotTime(obj map[string]any) *time.Time {
	for _, key := range []string{"time", "timestamp", "datetime"} {
		s, ok := obj[key].(string)
		if !ok || s == "" {
			continue
		}
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return &ts
			}
		}
	}
	return nil
}

func firstInt(obj map[string]any, keys ...string) (int64, bool) {
	for _, key := range keys {
		switch v := obj[key].(type) {
		case float64:
			return int64(v), true
		case json.Number:
			if n, err := v.Int64(); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}
