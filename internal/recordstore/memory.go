package recordstore

import (
	"context"
	"maps"
	"sync"

	"github.com/sells-group/catalog-cli/internal/model"
)

// MemoryAdapter keeps records in process memory. It backs offline runs and
// tests.
type MemoryAdapter struct {
	name string

	mu   sync.RWMutex
	data map[string]map[int]map[string]string
}

// NewMemory returns an empty in-memory store reporting name.
func NewMemory(name string) *MemoryAdapter {
	return &MemoryAdapter{name: name, data: make(map[string]map[int]map[string]string)}
}

func (m *MemoryAdapter) Name() string { return m.name }

func (m *MemoryAdapter) Get(_ context.Context, collection string, row int) (*model.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fields, ok := m.data[collection][row]
	if !ok {
		return nil, nil
	}
	rec := model.NewRecord(collection, row, fields)
	return &rec, nil
}

func (m *MemoryAdapter) ListAll(_ context.Context, collection string) (map[int]model.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int]model.Record, len(m.data[collection]))
	for row, fields := range m.data[collection] {
		out[row] = model.NewRecord(collection, row, fields)
	}
	return out, nil
}

func (m *MemoryAdapter) UpsertFields(_ context.Context, collection string, row int, fields map[string]string, overwrite bool) (bool, error) {
	if err := checkRow(row); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.rows(collection)
	next, changed := mergeFields(rows[row], fields, overwrite)
	if len(changed) == 0 {
		return false, nil
	}
	rows[row] = next
	return true, nil
}

func (m *MemoryAdapter) Append(_ context.Context, collection string, fields map[string]string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.rows(collection)
	row := FirstDataRow
	for r := range rows {
		row = max(row, r+1)
	}
	rows[row] = nonEmpty(fields)
	return row, nil
}

func (m *MemoryAdapter) Delete(_ context.Context, collection string, row int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[collection][row]; !ok {
		return false, nil
	}
	delete(m.data[collection], row)
	return true, nil
}

// Put replaces a record wholesale. Used to seed fixtures.
func (m *MemoryAdapter) Put(collection string, row int, fields map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows(collection)[row] = maps.Clone(fields)
}

func (m *MemoryAdapter) rows(collection string) map[int]map[string]string {
	rows, ok := m.data[collection]
	if !ok {
		rows = make(map[int]map[string]string)
		m.data[collection] = rows
	}
	return rows
}
