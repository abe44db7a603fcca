package memory

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sindri-dev/sindri/internal/memory/vector"
	"github.com/sindri-dev/sindri/internal/observability"
	"github.com/sindri-dev/sindri/pkg/types"
)

const (
	defaultChunkLines = 50
	defaultDebounce   = 500 * time.Millisecond

	// Files past this size are almost never useful as retrieval
	// context.
	maxIndexFileSize = 1 << 20
)

// IndexerConfig tunes project indexing. Zero values select defaults.
type IndexerConfig struct {
	ChunkLines int
	Debounce   time.Duration
}

// IndexStats summarizes one indexing pass.
type IndexStats struct {
	FilesScanned int
	FilesIndexed int
	FilesRemoved int
	Chunks       int
}

// Indexer builds and maintains the semantic tier: project files are
// split into line chunks, embedded, and stored under the project's
// namespace. Content hashes make re-indexing incremental.
type Indexer struct {
	store      Store
	index      vector.Index
	logger     *observability.Logger
	chunkLines int
	debounce   time.Duration
}

// NewIndexer wires a project indexer.
func NewIndexer(store Store, index vector.Index, logger *observability.Logger, cfg IndexerConfig) *Indexer {
	if logger == nil {
		logger = observability.NopLogger()
	}
	chunkLines := cfg.ChunkLines
	if chunkLines <= 0 {
		chunkLines = defaultChunkLines
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Indexer{
		store:      store,
		index:      index,
		logger:     logger,
		chunkLines: chunkLines,
		debounce:   debounce,
	}
}

// IndexProject walks the project root and brings the chunk store and
// vector index up to date with it. Unchanged files (same content hash)
// are skipped; changed files are re-chunked; chunks of deleted files
// are dropped.
func (ix *Indexer) IndexProject(ctx context.Context, projectID, root string) (*IndexStats, error) {
	const op = "memory.index"
	ns := chunkNamespace(projectID)

	known, err := ix.store.ChunkHashes(ctx, ns)
	if err != nil {
		return nil, err
	}

	stats := &IndexStats{}
	seen := make(map[string]bool)

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && skipDirName(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > maxIndexFileSize {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		data, err := os.ReadFile(path)
		if err != nil {
			ix.logger.Warn(ctx, "skipping unreadable file", "path", rel, "error", err)
			return nil
		}
		if bytes.IndexByte(data, 0) >= 0 {
			return nil
		}

		seen[rel] = true
		stats.FilesScanned++

		hash := contentHash(data)
		if known[rel] == hash {
			return nil
		}
		if err := ix.reindexFile(ctx, ns, rel, string(data), hash, stats); err != nil {
			return err
		}
		return nil
	})
	if walkErr != nil {
		return nil, types.WrapError(types.ClassifyError(walkErr), op, walkErr)
	}

	for path := range known {
		if seen[path] {
			continue
		}
		if err := ix.removeFile(ctx, ns, path); err != nil {
			return nil, err
		}
		stats.FilesRemoved++
	}

	ix.logger.Info(ctx, "project indexed",
		"project_id", projectID,
		"scanned", stats.FilesScanned,
		"indexed", stats.FilesIndexed,
		"removed", stats.FilesRemoved,
		"chunks", stats.Chunks)
	return stats, nil
}

func (ix *Indexer) reindexFile(ctx context.Context, ns, path, content, hash string, stats *IndexStats) error {
	if err := ix.removeFile(ctx, ns, path); err != nil {
		return err
	}

	chunks := chunkFile(ns, path, content, hash, ix.chunkLines)
	if len(chunks) == 0 {
		return nil
	}
	if err := ix.store.UpsertChunks(ctx, chunks); err != nil {
		return err
	}
	if ix.index != nil {
		docs := make([]vector.Document, len(chunks))
		for i, c := range chunks {
			docs[i] = vector.Document{
				ID:      c.ID,
				Content: c.Text,
				Payload: map[string]string{"path": c.Path, "line_range": c.LineRange},
			}
		}
		if err := ix.index.Upsert(ctx, ns, docs); err != nil {
			return err
		}
	}
	stats.FilesIndexed++
	stats.Chunks += len(chunks)
	return nil
}

func (ix *Indexer) removeFile(ctx context.Context, ns, path string) error {
	ids, err := ix.store.DeleteChunks(ctx, ns, path)
	if err != nil {
		return err
	}
	if len(ids) > 0 && ix.index != nil {
		if err := ix.index.Delete(ctx, ns, ids...); err != nil {
			return err
		}
	}
	return nil
}

// chunkFile splits file content into chunks of at most chunkLines
// lines. Chunk ids derive from (path, line range, content hash), so an
// unchanged file always produces the same ids.
func chunkFile(ns, path, content, hash string, chunkLines int) []*types.Chunk {
	lines := strings.Split(content, "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}

	var chunks []*types.Chunk
	for start := 0; start < len(lines); start += chunkLines {
		end := start + chunkLines
		if end > len(lines) {
			end = len(lines)
		}
		text := strings.Join(lines[start:end], "\n")
		if strings.TrimSpace(text) == "" {
			continue
		}
		lineRange := fmt.Sprintf("%d-%d", start+1, end)
		id := chunkID(path, lineRange, hash)
		chunks = append(chunks, &types.Chunk{
			ID:           id,
			Namespace:    ns,
			Path:         path,
			LineRange:    lineRange,
			Text:         text,
			EmbeddingRef: id,
			ContentHash:  hash,
		})
	}
	return chunks
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func chunkID(path, lineRange, contentHash string) string {
	h := sha256.New()
	h.Write([]byte(path))
	h.Write([]byte{0x1f})
	h.Write([]byte(lineRange))
	h.Write([]byte{0x1f})
	h.Write([]byte(contentHash))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func skipDirName(name string) bool {
	return strings.HasPrefix(name, ".") || name == "node_modules" || name == "vendor"
}

// Watch re-indexes the project whenever files under root change,
// coalescing bursts of notifications into one pass per debounce window.
// It blocks until ctx is cancelled.
func (ix *Indexer) Watch(ctx context.Context, projectID, root string) error {
	const op = "memory.watch"

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return types.WrapError(types.ClassifyError(err), op, err)
	}
	defer watcher.Close()

	if err := ix.watchDirs(watcher, root); err != nil {
		return types.WrapError(types.ClassifyError(err), op, err)
	}
	ix.logger.Info(ctx, "watching project", "project_id", projectID, "root", root)

	// Parked until the first event.
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&fsnotify.Chmod == fsnotify.Chmod {
				continue
			}
			if watchExcluded(root, ev.Name) {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := ix.watchDirs(watcher, ev.Name); err != nil {
						ix.logger.Warn(ctx, "failed to watch new directory", "path", ev.Name, "error", err)
					}
				}
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(ix.debounce)

		case <-timer.C:
			if _, err := ix.IndexProject(ctx, projectID, root); err != nil {
				ix.logger.Error(ctx, "re-index failed", "project_id", projectID, "error", err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			ix.logger.Warn(ctx, "watcher error", "project_id", projectID, "error", err)
		}
	}
}

func (ix *Indexer) watchDirs(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && skipDirName(d.Name()) {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}

func watchExcluded(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return true
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if part != "." && part != ".." && skipDirName(part) {
			return true
		}
	}
	return false
}
