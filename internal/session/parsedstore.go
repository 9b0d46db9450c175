package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/motec-viewer/backend/internal/parser"
	"github.com/sirupsen/logrus"
)

// shortID safely truncates an ID for logging (handles short IDs gracefully)
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// PersistentParsedStore keeps the sample database of each parsed LD file on
// disk, keyed by file ID, so reopening a file skips loading its samples again.
type PersistentParsedStore struct {
	parsedDir string
	mu        sync.RWMutex
	// cache tracks which file IDs have been parsed (fileID -> dbPath)
	cache map[string]string
	log   logrus.FieldLogger
}

// NewPersistentParsedStore creates a persistent parsed store in parsedDir and
// picks up databases left by earlier runs.
func NewPersistentParsedStore(parsedDir string, log logrus.FieldLogger) (*PersistentParsedStore, error) {
	if err := os.MkdirAll(parsedDir, 0755); err != nil {
		return nil, fmt.Errorf("creating parsed directory: %w", err)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	store := &PersistentParsedStore{
		parsedDir: parsedDir,
		cache:     make(map[string]string),
		log:       log.WithField("component", "parsed-store"),
	}
	store.scanExisting()

	return store, nil
}

// scanExisting scans the parsed directory for existing databases on startup.
func (pps *PersistentParsedStore) scanExisting() {
	entries, err := os.ReadDir(pps.parsedDir)
	if err != nil {
		pps.log.WithError(err).Warn("failed to scan parsed directory")
		return
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		// file_<id>.duckdb
		name := entry.Name()
		if strings.HasPrefix(name, "file_") && filepath.Ext(name) == ".duckdb" {
			fileID := strings.TrimSuffix(strings.TrimPrefix(name, "file_"), ".duckdb")
			if fileID == "" {
				continue
			}
			pps.cache[fileID] = filepath.Join(pps.parsedDir, name)
		}
	}

	pps.log.WithField("count", len(pps.cache)).Debug("scanned existing parsed databases")
}

// GetDBPath returns the path where a parsed DB would be stored for a file ID.
func (pps *PersistentParsedStore) GetDBPath(fileID string) string {
	return filepath.Join(pps.parsedDir, fmt.Sprintf("file_%s.duckdb", fileID))
}

// IsParsed checks if a file has already been parsed and stored.
func (pps *PersistentParsedStore) IsParsed(fileID string) bool {
	pps.mu.RLock()
	_, ok := pps.cache[fileID]
	pps.mu.RUnlock()
	return ok
}

// Open opens the stored samples of a file. It returns nil, nil when the file
// has not been parsed yet.
func (pps *PersistentParsedStore) Open(fileID string) (*parser.SampleStore, error) {
	pps.mu.RLock()
	dbPath, ok := pps.cache[fileID]
	pps.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	if _, err := os.Stat(dbPath); err != nil {
		pps.mu.Lock()
		delete(pps.cache, fileID)
		pps.mu.Unlock()
		return nil, nil
	}

	store, err := parser.OpenSampleStore(dbPath, pps.log)
	if err != nil {
		return nil, fmt.Errorf("failed to open parsed DB: %w", err)
	}

	pps.log.WithField("file", shortID(fileID)).Debug("reusing parsed DB")
	return store, nil
}

// CreateForFile creates an empty sample store at the persistent location,
// replacing any earlier one. Call MarkComplete once it is loaded.
func (pps *PersistentParsedStore) CreateForFile(fileID string) (*parser.SampleStore, error) {
	dbPath := pps.GetDBPath(fileID)

	pps.mu.Lock()
	delete(pps.cache, fileID)
	pps.mu.Unlock()
	os.Remove(dbPath)
	os.Remove(dbPath + ".wal")

	store, err := parser.NewSampleStoreAtPath(dbPath, pps.log)
	if err != nil {
		return nil, fmt.Errorf("failed to create parsed DB: %w", err)
	}

	return store, nil
}

// MarkComplete keeps store on disk and records it for reuse.
func (pps *PersistentParsedStore) MarkComplete(fileID string, store *parser.SampleStore) {
	store.Keep()

	pps.mu.Lock()
	pps.cache[fileID] = store.Path()
	pps.mu.Unlock()
	pps.log.WithField("file", shortID(fileID)).Debug("parsed DB ready for reuse")
}

// Delete removes the parsed DB for a file.
func (pps *PersistentParsedStore) Delete(fileID string) error {
	pps.mu.Lock()
	delete(pps.cache, fileID)
	pps.mu.Unlock()

	dbPath := pps.GetDBPath(fileID)
	os.Remove(dbPath + ".wal")
	if err := os.Remove(dbPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete parsed DB: %w", err)
	}

	return nil
}

// List returns all file IDs that have been parsed.
func (pps *PersistentParsedStore) List() []string {
	pps.mu.RLock()
	defer pps.mu.RUnlock()

	fileIDs := make([]string, 0, len(pps.cache))
	for id := range pps.cache {
		fileIDs = append(fileIDs, id)
	}
	return fileIDs
}

// Stats returns statistics about the parsed store.
func (pps *PersistentParsedStore) Stats() map[string]interface{} {
	pps.mu.Lock()
	defer pps.mu.Unlock()

	var totalSize int64
	for fileID, dbPath := range pps.cache {
		if info, err := os.Stat(dbPath); err == nil {
			totalSize += info.Size()
		} else {
			delete(pps.cache, fileID)
		}
	}

	return map[string]interface{}{
		"parsedCount": len(pps.cache),
		"totalSize":   totalSize,
		"parsedDir":   pps.parsedDir,
	}
}

// CleanupOrphaned removes parsed DBs whose file ID is not in rawFileIDs.
func (pps *PersistentParsedStore) CleanupOrphaned(rawFileIDs []string) int {
	validIDs := make(map[string]bool, len(rawFileIDs))
	for _, id := range rawFileIDs {
		validIDs[id] = true
	}

	pps.mu.Lock()
	defer pps.mu.Unlock()

	removed := 0
	for fileID, dbPath := range pps.cache {
		if validIDs[fileID] {
			continue
		}
		os.Remove(dbPath)
		os.Remove(dbPath + ".wal")
		delete(pps.cache, fileID)
		removed++
	}

	if removed > 0 {
		pps.log.WithField("removed", removed).Info("cleaned up orphaned parsed databases")
	}
	return removed
}
