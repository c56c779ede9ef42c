// Package storage persists work orders and run artifacts as JSON files
// under the data directory:
//
//	<dataDir>/work-orders/<id>.json
//	<dataDir>/runs/<runId>/run.json
//	<dataDir>/runs/<runId>/<kind>-<n>.json
//
// Writes go through an atomic temp-file rename so a crash never leaves
// a half-written record. Reads of individual corrupt files surface a
// corrupt-record error; directory scans skip corrupt entries so one bad
// file cannot take down listing.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	gateerrors "github.com/agentgate/agentgate/internal/errors"
	"github.com/agentgate/agentgate/internal/order"
	"github.com/agentgate/agentgate/internal/util"
)

const (
	// WorkOrdersDir is the subdirectory holding work-order records.
	WorkOrdersDir = "work-orders"
	// RunsDir is the subdirectory holding run artifacts.
	RunsDir = "runs"
)

// Store is a file-backed work-order store. All mutation goes through
// the store mutex so read-modify-write sequences are serialized.
type Store struct {
	mu      sync.Mutex
	dataDir string
}

// NewStore opens (creating if needed) a store rooted at dataDir.
func NewStore(dataDir string) (*Store, error) {
	for _, dir := range []string{
		filepath.Join(dataDir, WorkOrdersDir),
		filepath.Join(dataDir, RunsDir),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return &Store{dataDir: dataDir}, nil
}

// DataDir returns the store root.
func (s *Store) DataDir() string { return s.dataDir }

func (s *Store) orderPath(id string) string {
	return filepath.Join(s.dataDir, WorkOrdersDir, id+".json")
}

// Save writes a work order to disk atomically.
func (s *Store) Save(wo *order.WorkOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(wo)
}

func (s *Store) saveLocked(wo *order.WorkOrder) error {
	data, err := json.MarshalIndent(wo, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal work order %s: %w", wo.ID, err)
	}
	if err := util.AtomicWriteFile(s.orderPath(wo.ID), data, 0o644); err != nil {
		return fmt.Errorf("write work order %s: %w", wo.ID, err)
	}
	return nil
}

// Load reads a work order by ID.
func (s *Store) Load(id string) (*order.WorkOrder, error) {
	data, err := os.ReadFile(s.orderPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, gateerrors.ErrWorkOrderNotFound(id)
		}
		return nil, fmt.Errorf("read work order %s: %w", id, err)
	}

	var wo order.WorkOrder
	if err := json.Unmarshal(data, &wo); err != nil {
		return nil, gateerrors.ErrCorruptRecord(id, err)
	}
	return &wo, nil
}

// Exists reports whether a work-order record exists on disk.
func (s *Store) Exists(id string) bool {
	_, err := os.Stat(s.orderPath(id))
	return err == nil
}

// Update applies fn to the stored work order under the store lock and
// persists the result. fn returning an error aborts without writing.
func (s *Store) Update(id string, fn func(*order.WorkOrder) error) (*order.WorkOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wo, err := s.Load(id)
	if err != nil {
		return nil, err
	}
	if err := fn(wo); err != nil {
		return nil, err
	}
	if err := s.saveLocked(wo); err != nil {
		return nil, err
	}
	return wo, nil
}

// TouchActivity updates the work order's last-activity timestamp.
func (s *Store) TouchActivity(id string) error {
	_, err := s.Update(id, func(wo *order.WorkOrder) error {
		wo.Touch()
		return nil
	})
	return err
}

// Delete removes a work-order record. Active orders are protected.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wo, err := s.Load(id)
	if err != nil {
		return err
	}
	if wo.Status == order.StatusPreparing || wo.Status == order.StatusRunning {
		return gateerrors.ErrWorkOrderActive(id, string(wo.Status))
	}
	return os.Remove(s.orderPath(id))
}

// Filter narrows List results.
type Filter struct {
	// Statuses keeps only orders in one of these statuses. Empty
	// means all.
	Statuses []order.Status
	// Limit bounds the page size; 0 means no limit.
	Limit int
	// Offset skips that many results after sorting.
	Offset int
}

func (f Filter) matches(wo *order.WorkOrder) bool {
	if len(f.Statuses) == 0 {
		return true
	}
	for _, st := range f.Statuses {
		if wo.Status == st {
			return true
		}
	}
	return false
}

// List returns matching work orders sorted newest-first, plus the total
// match count before pagination. Corrupt records are skipped.
func (s *Store) List(f Filter) ([]*order.WorkOrder, int, error) {
	all, err := s.loadAll()
	if err != nil {
		return nil, 0, err
	}

	var matched []*order.WorkOrder
	for _, wo := range all {
		if f.matches(wo) {
			matched = append(matched, wo)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[f.Offset:]
		}
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, total, nil
}

// CountByStatus returns the number of stored orders per status.
func (s *Store) CountByStatus() (map[order.Status]int, error) {
	all, err := s.loadAll()
	if err != nil {
		return nil, err
	}
	counts := make(map[order.Status]int)
	for _, wo := range all {
		counts[wo.Status]++
	}
	return counts, nil
}

// AllIDs returns every work-order ID present on disk, including ones
// whose records are corrupt.
func (s *Store) AllIDs() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dataDir, WorkOrdersDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read work-orders directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(entry.Name(), ".json"))
	}
	return ids, nil
}

func (s *Store) loadAll() ([]*order.WorkOrder, error) {
	ids, err := s.AllIDs()
	if err != nil {
		return nil, err
	}

	var orders []*order.WorkOrder
	for _, id := range ids {
		wo, err := s.Load(id)
		if err != nil {
			continue
		}
		orders = append(orders, wo)
	}
	return orders, nil
}

// ResetInFlight moves orders stuck in preparing or running back to
// pending. Called once at startup; any order that claims to be active
// from a previous process cannot actually be.
func (s *Store) ResetInFlight(now time.Time) ([]string, error) {
	ids, err := s.AllIDs()
	if err != nil {
		return nil, err
	}

	var reset []string
	for _, id := range ids {
		wo, err := s.Load(id)
		if err != nil {
			continue
		}
		if wo.Status != order.StatusPreparing && wo.Status != order.StatusRunning {
			continue
		}
		_, err = s.Update(id, func(w *order.WorkOrder) error {
			w.Status = order.StatusPending
			w.LastActivityAt = now
			return nil
		})
		if err != nil {
			return reset, err
		}
		reset = append(reset, id)
	}
	return reset, nil
}
