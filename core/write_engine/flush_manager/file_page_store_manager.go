package flushmanager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	pagemanager "github.com/sushant-115/gojopage/core/write_engine/page_manager"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type storeKey struct {
	groupID     int32
	partitionID int
}

// FilePageStoreManager owns the page files of every open partition. Page
// memory and the checkpointer address it by FullPageID only; the file layout
// stays private to this package.
type FilePageStoreManager struct {
	dir      string
	pageSize int
	logger   *zap.Logger

	mu     sync.RWMutex
	stores map[storeKey]*FilePageStore
	closed bool
}

// NewFilePageStoreManager creates the manager rooted at dir.
func NewFilePageStoreManager(dir string, pageSize int, logger *zap.Logger) (*FilePageStoreManager, error) {
	if pageSize < pagemanager.PageHeaderSize*2 {
		return nil, fmt.Errorf("page size %d is too small", pageSize)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: creating store directory %s: %v", ErrIO, dir, err)
	}
	return &FilePageStoreManager{
		dir:      dir,
		pageSize: pageSize,
		logger:   logger.Named("file_page_store"),
		stores:   make(map[storeKey]*FilePageStore),
	}, nil
}

func (m *FilePageStoreManager) PageSize() int { return m.pageSize }

func (m *FilePageStoreManager) groupDir(groupID int32) string {
	return filepath.Join(m.dir, fmt.Sprintf("group-%d", groupID))
}

func (m *FilePageStoreManager) paths(groupID int32, partitionID int) (string, string) {
	dir := m.groupDir(groupID)
	return filepath.Join(dir, fmt.Sprintf("part-%d.bin", partitionID)), filepath.Join(dir, fmt.Sprintf("part-%d.delta", partitionID))
}

// Open opens (or creates) the page store of a partition. Opening twice returns
// the same store.
func (m *FilePageStoreManager) Open(groupID int32, partitionID int) (*FilePageStore, error) {
	if partitionID < 0 || partitionID > pagemanager.MaxPartitionID {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPartitionID, partitionID)
	}
	key := storeKey{groupID, partitionID}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	if s, ok := m.stores[key]; ok {
		return s, nil
	}
	if err := os.MkdirAll(m.groupDir(groupID), 0755); err != nil {
		return nil, fmt.Errorf("%w: creating group directory: %v", ErrIO, err)
	}
	path, deltaPath := m.paths(groupID, partitionID)
	s, err := openFilePageStore(path, deltaPath, groupID, partitionID, m.pageSize, m.logger)
	if err != nil {
		return nil, err
	}
	m.stores[key] = s
	m.logger.Debug("Opened partition page store",
		zap.Int32("groupID", groupID), zap.Int("partitionID", partitionID), zap.String("path", path))
	return s, nil
}

// Store returns an already opened store.
func (m *FilePageStoreManager) Store(groupID int32, partitionID int) (*FilePageStore, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stores[storeKey{groupID, partitionID}]
	return s, ok
}

func (m *FilePageStoreManager) storeFor(id pagemanager.FullPageID) (*FilePageStore, error) {
	if s, ok := m.Store(id.GroupID, id.PartitionID()); ok {
		return s, nil
	}
	return m.Open(id.GroupID, id.PartitionID())
}

// ReadPage reads a page of any open (or openable) partition.
func (m *FilePageStoreManager) ReadPage(id pagemanager.FullPageID, buf []byte) error {
	s, err := m.storeFor(id)
	if err != nil {
		return newStorageError("read page", id, err)
	}
	return s.ReadPage(id.PageID, buf)
}

// WritePage writes a page in place.
func (m *FilePageStoreManager) WritePage(id pagemanager.FullPageID, buf []byte) error {
	s, err := m.storeFor(id)
	if err != nil {
		return newStorageError("write page", id, err)
	}
	return s.WritePage(id.PageID, buf)
}

// WriteDeltaPage writes a page out of band into the partition's delta file.
func (m *FilePageStoreManager) WriteDeltaPage(id pagemanager.FullPageID, buf []byte) error {
	s, err := m.storeFor(id)
	if err != nil {
		return newStorageError("write delta page", id, err)
	}
	return s.WriteDeltaPage(id.PageID, buf)
}

func (m *FilePageStoreManager) snapshotStores() []*FilePageStore {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stores := make([]*FilePageStore, 0, len(m.stores))
	for _, s := range m.stores {
		stores = append(stores, s)
	}
	return stores
}

// PartitionFile locates the main file of an open partition. RelPath is
// relative to the store directory.
type PartitionFile struct {
	GroupID     int32
	PartitionID int
	Path        string
	RelPath     string
}

// PartitionFiles lists the main files of the open partitions ordered by group
// and partition.
func (m *FilePageStoreManager) PartitionFiles() []PartitionFile {
	stores := m.snapshotStores()
	files := make([]PartitionFile, 0, len(stores))
	for _, s := range stores {
		path, _ := m.paths(s.groupID, s.partitionID)
		rel, err := filepath.Rel(m.dir, path)
		if err != nil {
			rel = filepath.Base(path)
		}
		files = append(files, PartitionFile{GroupID: s.groupID, PartitionID: s.partitionID, Path: path, RelPath: rel})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].GroupID != files[j].GroupID {
			return files[i].GroupID < files[j].GroupID
		}
		return files[i].PartitionID < files[j].PartitionID
	})
	return files
}

// MergeDeltaFiles folds every delta file into its main file.
func (m *FilePageStoreManager) MergeDeltaFiles(ctx context.Context, limiter *rate.Limiter) (int, error) {
	total := 0
	var errs error
	for _, s := range m.snapshotStores() {
		n, err := s.MergeDelta(ctx, limiter)
		total += n
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("merge delta of group %d partition %d: %w", s.groupID, s.partitionID, err))
		}
	}
	if total > 0 {
		m.logger.Debug("Merged delta pages", zap.Int("pages", total))
	}
	return total, errs
}

// Sync syncs every open store.
func (m *FilePageStoreManager) Sync() error {
	var errs error
	for _, s := range m.snapshotStores() {
		errs = multierr.Append(errs, s.Sync())
	}
	return errs
}

// Destroy closes and removes the files of a partition.
func (m *FilePageStoreManager) Destroy(groupID int32, partitionID int) error {
	key := storeKey{groupID, partitionID}
	m.mu.Lock()
	s, ok := m.stores[key]
	delete(m.stores, key)
	m.mu.Unlock()

	var errs error
	if ok {
		errs = multierr.Append(errs, s.Close())
	}
	path, deltaPath := m.paths(groupID, partitionID)
	for _, p := range []string{path, deltaPath} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			errs = multierr.Append(errs, fmt.Errorf("%w: removing %s: %v", ErrIO, p, err))
		}
	}
	return errs
}

// Close closes every store. Later calls fail with ErrStoreClosed.
func (m *FilePageStoreManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	var errs error
	for key, s := range m.stores {
		errs = multierr.Append(errs, s.Close())
		delete(m.stores, key)
	}
	return errs
}
