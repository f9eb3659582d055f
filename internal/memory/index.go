package memory

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB key scheme — "|" separator, paths sanitized so keys parse
// unambiguously:
//
//	t|<path>|<mtime-unix> → JSON tag list (retrieval-scoring cache)
const prefixTags = "t|"

// tagIndex caches parsed record tag lists keyed by (path, mtime). A stale
// mtime misses, so rewritten records are reparsed. All methods are nil-safe;
// a nil index simply never hits.
type tagIndex struct {
	db *leveldb.DB
}

// openTagIndex opens (or creates) the LevelDB cache at dbPath. Returns nil
// on failure; retrieval then parses records directly.
func openTagIndex(dbPath string) *tagIndex {
	db, err := leveldb.OpenFile(dbPath, nil)
	if err != nil {
		slog.Warn("[MEMORY] tag index unavailable, parsing records directly", "path", dbPath, "error", err)
		return nil
	}
	return &tagIndex{db: db}
}

// Get returns the cached tag list for (path, mtime), if present.
func (ix *tagIndex) Get(path string, mtime time.Time) ([]string, bool) {
	if ix == nil {
		return nil, false
	}
	data, err := ix.db.Get([]byte(tagKey(path, mtime.Unix())), nil)
	if err != nil {
		return nil, false
	}
	var tags []string
	if err := json.Unmarshal(data, &tags); err != nil {
		return nil, false
	}
	return tags, true
}

// Put caches the tag list for (path, mtime), evicting entries for the same
// path at older mtimes.
func (ix *tagIndex) Put(path string, mtime time.Time, tags []string) {
	if ix == nil {
		return
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return
	}
	batch := new(leveldb.Batch)
	iter := ix.db.NewIterator(util.BytesPrefix([]byte(prefixTags+safeKeyPart(path)+"|")), nil)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	batch.Put([]byte(tagKey(path, mtime.Unix())), data)
	if err := ix.db.Write(batch, nil); err != nil {
		slog.Warn("[MEMORY] tag index write failed", "path", path, "error", err)
	}
}

// Close releases the underlying database.
func (ix *tagIndex) Close() {
	if ix == nil {
		return
	}
	if err := ix.db.Close(); err != nil {
		slog.Warn("[MEMORY] tag index close", "error", err)
	}
}

func tagKey(path string, unix int64) string {
	return fmt.Sprintf("%s%s|%d", prefixTags, safeKeyPart(path), unix)
}

// safeKeyPart replaces "|" with "_" so LevelDB keys parse unambiguously.
func safeKeyPart(s string) string {
	return strings.ReplaceAll(s, "|", "_")
}
