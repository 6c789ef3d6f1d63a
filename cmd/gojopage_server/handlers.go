package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	pagestore "github.com/sushant-115/gojopage/core/storage_engine/page_store"
	flushmanager "github.com/sushant-115/gojopage/core/write_engine/flush_manager"
	"go.uber.org/zap"
)

// PartitionStatus describes one open partition.
type PartitionStatus struct {
	GroupID        int32  `json:"group_id"`
	PartitionID    int    `json:"partition_id"`
	PageCount      int32  `json:"page_count"`
	FreePages      int    `json:"free_pages"`
	TreeRootPageID string `json:"tree_root_page_id"`
	Quarantined    string `json:"quarantined,omitempty"`
}

// CheckpointStatus describes the latest checkpoint.
type CheckpointStatus struct {
	ID           string `json:"id"`
	Reason       string `json:"reason"`
	Pages        int    `json:"pages"`
	Metas        int    `json:"metas"`
	MergedDeltas int    `json:"merged_deltas"`
	DurationMs   int64  `json:"duration_ms"`
}

// Status is the body of GET /status.
type Status struct {
	Region         string            `json:"region"`
	RegionState    string            `json:"region_state"`
	PageSize       int               `json:"page_size"`
	Capacity       int               `json:"capacity_pages"`
	LoadedPages    int               `json:"loaded_pages"`
	DirtyPages     int               `json:"dirty_pages"`
	CheckpointPool int               `json:"checkpoint_buffer_pages"`
	LastCheckpoint *CheckpointStatus `json:"last_checkpoint,omitempty"`
	Partitions     []PartitionStatus `json:"partitions"`
}

type adminHandler struct {
	engine *pagestore.Engine
	logger *zap.Logger
}

func newMux(engine *pagestore.Engine, logger *zap.Logger) *http.ServeMux {
	h := &adminHandler{engine: engine, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/status", h.handleStatus)
	mux.HandleFunc("/checkpoint", h.handleCheckpoint)
	mux.HandleFunc("/backup", h.handleBackup)
	return mux
}

func (h *adminHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *adminHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	region := h.engine.Region()
	status := Status{
		Region:      region.Config().Name,
		RegionState: region.State().String(),
		PageSize:    h.engine.PageSize(),
		Partitions:  []PartitionStatus{},
	}
	if pm, err := region.PageMemory(); err == nil {
		status.Capacity = pm.Capacity()
		status.LoadedPages = pm.LoadedPages()
		status.DirtyPages = pm.DirtyPages()
		status.CheckpointPool = pm.CheckpointBufferSize()
	}
	if res, ok := h.engine.LastCheckpoint(); ok {
		status.LastCheckpoint = &CheckpointStatus{
			ID:           res.ID.String(),
			Reason:       res.Reason,
			Pages:        res.Pages,
			Metas:        res.Metas,
			MergedDeltas: res.MergedDeltas,
			DurationMs:   res.Duration.Milliseconds(),
		}
	}
	for _, p := range h.engine.Partitions() {
		ps := PartitionStatus{
			GroupID:        p.GroupID(),
			PartitionID:    p.PartitionID(),
			PageCount:      p.Meta().PageCount(),
			FreePages:      p.FreePages(),
			TreeRootPageID: p.Meta().TreeRootPageID().String(),
		}
		if c, ok := p.Quarantined(); ok {
			ps.Quarantined = c.Error()
		}
		status.Partitions = append(status.Partitions, ps)
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *adminHandler) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	start := time.Now()
	err := h.engine.Checkpoint(r.Context(), "admin request")
	switch {
	case errors.Is(err, flushmanager.ErrCheckpointLockTimeout):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	case errors.Is(err, flushmanager.ErrCheckpointerStopped), errors.Is(err, flushmanager.ErrStoreClosed):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		h.logger.Error("Requested checkpoint failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.logger.Info("Requested checkpoint finished", zap.Duration("elapsed", time.Since(start)))
	res, _ := h.engine.LastCheckpoint()
	writeJSON(w, http.StatusOK, CheckpointStatus{
		ID:           res.ID.String(),
		Reason:       res.Reason,
		Pages:        res.Pages,
		Metas:        res.Metas,
		MergedDeltas: res.MergedDeltas,
		DurationMs:   res.Duration.Milliseconds(),
	})
}

// handleBackup copies the partition files into the directory named by the dir
// query parameter and returns the manifest.
func (h *adminHandler) handleBackup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	dir := r.URL.Query().Get("dir")
	if dir == "" {
		http.Error(w, "missing dir parameter", http.StatusBadRequest)
		return
	}
	manifest, err := h.engine.Backup(r.Context(), dir)
	if err != nil {
		h.logger.Error("Requested backup failed", zap.String("dir", dir), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, manifest)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
