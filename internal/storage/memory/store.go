// Package memory содержит in-memory реализацию kv.Store для тестов и
// локального запуска. Линеаризуемость в пределах ключа обеспечивается
// одним мьютексом на всё хранилище.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/orderflow/internal/storage/kv"
)

// Store — потокобезопасное in-memory хранилище записей.
type Store struct {
	mu     sync.RWMutex
	tables map[string]map[kv.Key]kv.Item
	// now подменяется в тестах для проверки TTL-семантики.
	now func() time.Time
}

var _ kv.Store = (*Store)(nil)
var _ kv.ExpiredSweeper = (*Store)(nil)

// NewStore создаёт пустое хранилище.
func NewStore() *Store {
	return &Store{
		tables: make(map[string]map[kv.Key]kv.Item),
		now:    time.Now,
	}
}

func (s *Store) table(name string) map[kv.Key]kv.Item {
	t, ok := s.tables[name]
	if !ok {
		t = make(map[kv.Key]kv.Item)
		s.tables[name] = t
	}
	return t
}

// live возвращает живую запись или nil, если её нет либо срок истёк.
func (s *Store) live(table string, key kv.Key) kv.Item {
	item, ok := s.tables[table][key]
	if !ok || kv.ExpiredAt(item, s.now().UTC()) {
		return nil
	}
	return item
}

// Get возвращает копию записи или kv.ErrNotFound.
func (s *Store) Get(_ context.Context, table string, key kv.Key) (kv.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item := s.live(table, key)
	if item == nil {
		return nil, kv.ErrNotFound
	}
	return cloneItem(item), nil
}

// Put безусловно записывает item.
func (s *Store) Put(_ context.Context, table string, key kv.Key, item kv.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.table(table)[key] = cloneItem(item)
	return nil
}

// PutIfAbsent записывает item, только если живой записи нет.
func (s *Store) PutIfAbsent(_ context.Context, table string, key kv.Key, item kv.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.live(table, key) != nil {
		return kv.ErrPreconditionFailed
	}
	s.table(table)[key] = cloneItem(item)
	return nil
}

// PutIfVersion записывает item, только если текущая версия равна expected.
func (s *Store) PutIfVersion(_ context.Context, table string, key kv.Key, item kv.Item, expected int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.live(table, key)
	if current == nil {
		return kv.ErrPreconditionFailed
	}
	version, ok := kv.AsInt64(current[kv.AttrVersion])
	if !ok || version != expected {
		return kv.ErrPreconditionFailed
	}
	s.table(table)[key] = cloneItem(item)
	return nil
}

// UpdateUnderPredicate атомарно применяет дельты, если все условия истинны.
func (s *Store) UpdateUnderPredicate(_ context.Context, table string, key kv.Key, deltas []kv.Delta, conds []kv.Condition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.live(table, key)
	if current == nil {
		return kv.ErrNotFound
	}

	for _, cond := range conds {
		value, ok := kv.AsInt64(current[cond.Attr])
		if !ok {
			return kv.ErrPreconditionFailed
		}
		switch cond.Cmp {
		case kv.CmpGTE:
			if value < cond.Value {
				return kv.ErrPreconditionFailed
			}
		case kv.CmpEQ:
			if value != cond.Value {
				return kv.ErrPreconditionFailed
			}
		}
	}

	for _, delta := range deltas {
		value, _ := kv.AsInt64(current[delta.Attr])
		current[delta.Attr] = value + delta.Add
	}
	return nil
}

// Delete удаляет запись; отсутствие записи не является ошибкой.
func (s *Store) Delete(_ context.Context, table string, key kv.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tables[table], key)
	return nil
}

// QueryPrefix возвращает живые записи раздела в порядке возрастания Sort.
func (s *Store) QueryPrefix(_ context.Context, table string, partition, prefix string) ([]kv.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now().UTC()
	var result []kv.Item
	var keys []kv.Key
	for key, item := range s.tables[table] {
		if key.Partition != partition {
			continue
		}
		if len(key.Sort) < len(prefix) || key.Sort[:len(prefix)] != prefix {
			continue
		}
		if kv.ExpiredAt(item, now) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Sort < keys[j].Sort })
	for _, key := range keys {
		result = append(result, cloneItem(s.tables[table][key]))
	}
	return result, nil
}

// SetExpiry назначает записи абсолютное время жизни.
func (s *Store) SetExpiry(_ context.Context, table string, key kv.Key, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.tables[table][key]
	if !ok {
		return kv.ErrNotFound
	}
	item[kv.AttrExpiresAt] = at.UTC().Format(time.RFC3339Nano)
	return nil
}

// DeleteExpired физически удаляет до limit истёкших записей таблицы.
func (s *Store) DeleteExpired(_ context.Context, table string, before time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for key, item := range s.tables[table] {
		if limit > 0 && deleted >= limit {
			break
		}
		raw, ok := item[kv.AttrExpiresAt].(string)
		if !ok || raw == "" {
			continue
		}
		at, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			continue
		}
		if at.Before(before) {
			delete(s.tables[table], key)
			deleted++
		}
	}
	return deleted, nil
}

// cloneItem делает глубокую копию записи, чтобы вызывающие не разделяли
// состояние с хранилищем.
func cloneItem(item kv.Item) kv.Item {
	clone := make(kv.Item, len(item))
	for attr, value := range item {
		clone[attr] = cloneValue(value)
	}
	return clone
}

func cloneValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		m := make(map[string]any, len(v))
		for k, inner := range v {
			m[k] = cloneValue(inner)
		}
		return m
	case []any:
		s := make([]any, len(v))
		for i, inner := range v {
			s[i] = cloneValue(inner)
		}
		return s
	default:
		return v
	}
}
