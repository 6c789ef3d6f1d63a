package partitionmeta

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	flushmanager "github.com/sushant-115/gojopage/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojopage/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// PageStore is the part of the file page store the manager needs.
type PageStore interface {
	ReadPage(id pagemanager.FullPageID, buf []byte) error
	WritePage(id pagemanager.FullPageID, buf []byte) error
}

// Key identifies a partition.
type Key struct {
	GroupID     int32
	PartitionID int
}

func (k Key) String() string { return fmt.Sprintf("%d:%d", k.GroupID, k.PartitionID) }

// Manager keeps the meta of every open partition and moves it between memory
// and the partition meta pages.
type Manager struct {
	store    PageStore
	pageSize int
	logger   *zap.Logger

	mu    sync.RWMutex
	metas map[Key]*PartitionMeta
}

// NewManager creates a manager on top of store.
func NewManager(store PageStore, pageSize int, logger *zap.Logger) *Manager {
	return &Manager{
		store:    store,
		pageSize: pageSize,
		logger:   logger.Named("partition_meta_manager"),
		metas:    make(map[Key]*PartitionMeta),
	}
}

// ReadOrCreateMeta returns the registered meta of a partition, loading it from
// its meta page or creating a zeroed one if the page was never written.
func (m *Manager) ReadOrCreateMeta(groupID int32, partitionID int) (*PartitionMeta, error) {
	if partitionID < 0 || partitionID > pagemanager.MaxPartitionID {
		return nil, fmt.Errorf("%w: %d", flushmanager.ErrInvalidPartitionID, partitionID)
	}
	key := Key{groupID, partitionID}
	if meta, ok := m.Meta(key); ok {
		return meta, nil
	}

	metaPageID := pagemanager.NewFullPageID(groupID, pagemanager.PartitionMetaPageID(uint16(partitionID)))
	buf := make([]byte, m.pageSize)
	var meta *PartitionMeta
	err := m.store.ReadPage(metaPageID, buf)
	switch {
	case errors.Is(err, flushmanager.ErrPageNotFound) || (err == nil && pagemanager.IsZeroPage(buf)):
		meta = NewPartitionMeta(groupID, partitionID, NoCheckpoint, pagemanager.InvalidPageID, pagemanager.InvalidPageID, 0)
		m.logger.Debug("Created partition meta", zap.Stringer("partition", key))
	case err != nil:
		return nil, fmt.Errorf("failed to read partition meta page: %w", err)
	default:
		snap, err := ReadSnapshot(groupID, uint16(partitionID), buf)
		if err != nil {
			return nil, err
		}
		meta = NewPartitionMeta(groupID, partitionID, NoCheckpoint, snap.TreeRootPageID, snap.ReuseListRootPageID, snap.PageCount)
		m.logger.Debug("Loaded partition meta", zap.Stringer("partition", key),
			zap.Uint64("treeRootPageID", uint64(snap.TreeRootPageID)),
			zap.Uint64("reuseListRootPageID", uint64(snap.ReuseListRootPageID)),
			zap.Int32("pageCount", snap.PageCount))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.metas[key]; ok {
		return existing, nil
	}
	m.metas[key] = meta
	return meta, nil
}

// AddMeta registers meta, replacing any previous one.
func (m *Manager) AddMeta(meta *PartitionMeta) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metas[Key{meta.GroupID(), meta.PartitionID()}] = meta
}

// Meta returns the registered meta of a partition.
func (m *Manager) Meta(key Key) (*PartitionMeta, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.metas[key]
	return meta, ok
}

// RemoveMeta forgets a partition, e.g. when it is destroyed.
func (m *Manager) RemoveMeta(key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.metas, key)
}

// Metas returns all registered metas ordered by group and partition.
func (m *Manager) Metas() []*PartitionMeta {
	m.mu.RLock()
	metas := make([]*PartitionMeta, 0, len(m.metas))
	for _, meta := range m.metas {
		metas = append(metas, meta)
	}
	m.mu.RUnlock()
	sort.Slice(metas, func(i, j int) bool {
		if metas[i].GroupID() != metas[j].GroupID() {
			return metas[i].GroupID() < metas[j].GroupID()
		}
		return metas[i].PartitionID() < metas[j].PartitionID()
	})
	return metas
}

// WriteMeta persists the snapshot of meta for checkpointID into its meta page.
func (m *Manager) WriteMeta(meta *PartitionMeta, checkpointID uuid.UUID) (Snapshot, error) {
	snap := meta.MetaSnapshot(checkpointID)
	buf := make([]byte, m.pageSize)
	WriteSnapshot(buf, uint16(meta.PartitionID()), snap)
	id := pagemanager.NewFullPageID(meta.GroupID(), pagemanager.PartitionMetaPageID(uint16(meta.PartitionID())))
	if err := m.store.WritePage(id, buf); err != nil {
		return snap, fmt.Errorf("failed to write partition meta page: %w", err)
	}
	return snap, nil
}
