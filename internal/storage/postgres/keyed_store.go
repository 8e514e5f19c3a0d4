package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/orderflow/internal/storage/kv"
)

const opTimeout = 5 * time.Second

// attrNamePattern ограничивает имена атрибутов, попадающие в текст SQL.
// Имена приходят только из кода репозиториев, но подстановка в запрос всё
// равно валидируется.
var attrNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

var _ kv.Store = (*Store)(nil)
var _ kv.ExpiredSweeper = (*Store)(nil)

// Get возвращает живую запись или kv.ErrNotFound.
func (s *Store) Get(ctx context.Context, table string, key kv.Key) (kv.Item, error) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var raw []byte
	err := s.db.QueryRowContext(opCtx, `
		SELECT attrs
		FROM kv_items
		WHERE tbl = $1 AND pk = $2 AND sk = $3
		  AND (expires_at IS NULL OR expires_at > NOW())
	`, table, key.Partition, key.Sort).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get kv item: %w", err)
	}

	return decodeAttrs(raw)
}

// Put безусловно записывает item (last-writer-wins).
func (s *Store) Put(ctx context.Context, table string, key kv.Key, item kv.Item) error {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, expiresAt, err := encodeAttrs(item)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(opCtx, `
		INSERT INTO kv_items (tbl, pk, sk, attrs, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tbl, pk, sk)
		DO UPDATE SET attrs = EXCLUDED.attrs, expires_at = EXCLUDED.expires_at
	`, table, key.Partition, key.Sort, raw, expiresAt)
	if err != nil {
		return fmt.Errorf("put kv item: %w", err)
	}
	return nil
}

// PutIfAbsent записывает item, только если живой записи нет.
// Истёкшая запись перезаписывается: семантически её не существует.
func (s *Store) PutIfAbsent(ctx context.Context, table string, key kv.Key, item kv.Item) error {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, expiresAt, err := encodeAttrs(item)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(opCtx, `
		INSERT INTO kv_items (tbl, pk, sk, attrs, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tbl, pk, sk)
		DO UPDATE SET attrs = EXCLUDED.attrs, expires_at = EXCLUDED.expires_at
		WHERE kv_items.expires_at IS NOT NULL AND kv_items.expires_at <= NOW()
	`, table, key.Partition, key.Sort, raw, expiresAt)
	if err != nil {
		return fmt.Errorf("put-if-absent kv item: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("put-if-absent rows affected: %w", err)
	}
	if affected == 0 {
		return kv.ErrPreconditionFailed
	}
	return nil
}

// PutIfVersion записывает item, только если текущий version равен expected.
func (s *Store) PutIfVersion(ctx context.Context, table string, key kv.Key, item kv.Item, expected int64) error {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, expiresAt, err := encodeAttrs(item)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(opCtx, `
		UPDATE kv_items
		SET attrs = $4, expires_at = $5
		WHERE tbl = $1 AND pk = $2 AND sk = $3
		  AND (expires_at IS NULL OR expires_at > NOW())
		  AND (attrs->>'version')::bigint = $6
	`, table, key.Partition, key.Sort, raw, expiresAt, expected)
	if err != nil {
		return fmt.Errorf("put-if-version kv item: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("put-if-version rows affected: %w", err)
	}
	if affected == 0 {
		return kv.ErrPreconditionFailed
	}
	return nil
}

// UpdateUnderPredicate атомарно применяет дельты одним UPDATE; предикаты
// входят в WHERE, поэтому конкурирующие декременты сериализует сама база.
func (s *Store) UpdateUnderPredicate(ctx context.Context, table string, key kv.Key, deltas []kv.Delta, conds []kv.Condition) error {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	setExpr := "attrs"
	args := []any{table, key.Partition, key.Sort}
	for _, delta := range deltas {
		if !attrNamePattern.MatchString(delta.Attr) {
			return fmt.Errorf("invalid attribute name %q", delta.Attr)
		}
		args = append(args, delta.Add)
		setExpr = fmt.Sprintf(
			"jsonb_set(%s, '{%s}', to_jsonb(COALESCE((attrs->>'%s')::bigint, 0) + $%d))",
			setExpr, delta.Attr, delta.Attr, len(args))
	}

	var where strings.Builder
	for _, cond := range conds {
		if !attrNamePattern.MatchString(cond.Attr) {
			return fmt.Errorf("invalid attribute name %q", cond.Attr)
		}
		op := ">="
		if cond.Cmp == kv.CmpEQ {
			op = "="
		}
		args = append(args, cond.Value)
		fmt.Fprintf(&where, " AND COALESCE((attrs->>'%s')::bigint, 0) %s $%d", cond.Attr, op, len(args))
	}

	query := fmt.Sprintf(`
		UPDATE kv_items
		SET attrs = %s
		WHERE tbl = $1 AND pk = $2 AND sk = $3
		  AND (expires_at IS NULL OR expires_at > NOW())%s
	`, setExpr, where.String())

	res, err := s.db.ExecContext(opCtx, query, args...)
	if err != nil {
		return fmt.Errorf("update under predicate: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update under predicate rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}

	// Запись не изменилась: различаем отсутствие и нарушенный предикат.
	if _, err := s.Get(ctx, table, key); errors.Is(err, kv.ErrNotFound) {
		return kv.ErrNotFound
	} else if err != nil {
		return err
	}
	return kv.ErrPreconditionFailed
}

// Delete удаляет запись; отсутствие записи не является ошибкой.
func (s *Store) Delete(ctx context.Context, table string, key kv.Key) error {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := s.db.ExecContext(opCtx, `
		DELETE FROM kv_items WHERE tbl = $1 AND pk = $2 AND sk = $3
	`, table, key.Partition, key.Sort)
	if err != nil {
		return fmt.Errorf("delete kv item: %w", err)
	}
	return nil
}

// QueryPrefix возвращает живые записи раздела в порядке возрастания sk.
func (s *Store) QueryPrefix(ctx context.Context, table string, partition, prefix string) ([]kv.Item, error) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(opCtx, `
		SELECT attrs
		FROM kv_items
		WHERE tbl = $1 AND pk = $2
		  AND left(sk, length($3::text)) = $3
		  AND (expires_at IS NULL OR expires_at > NOW())
		ORDER BY sk ASC
	`, table, partition, prefix)
	if err != nil {
		return nil, fmt.Errorf("query kv prefix: %w", err)
	}
	defer rows.Close()

	var items []kv.Item
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan kv item: %w", err)
		}
		item, err := decodeAttrs(raw)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate kv items: %w", err)
	}
	return items, nil
}

// SetExpiry назначает записи абсолютное время жизни.
func (s *Store) SetExpiry(ctx context.Context, table string, key kv.Key, at time.Time) error {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	stamp := at.UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(opCtx, `
		UPDATE kv_items
		SET expires_at = $4,
		    attrs = jsonb_set(attrs, '{expires_at}', to_jsonb($5::text))
		WHERE tbl = $1 AND pk = $2 AND sk = $3
	`, table, key.Partition, key.Sort, at.UTC(), stamp)
	if err != nil {
		return fmt.Errorf("set kv expiry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set kv expiry rows affected: %w", err)
	}
	if affected == 0 {
		return kv.ErrNotFound
	}
	return nil
}

// DeleteExpired физически удаляет до limit истёкших записей таблицы.
func (s *Store) DeleteExpired(ctx context.Context, table string, before time.Time, limit int) (int, error) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := s.db.ExecContext(opCtx, `
		DELETE FROM kv_items
		WHERE ctid IN (
			SELECT ctid FROM kv_items
			WHERE tbl = $1 AND expires_at IS NOT NULL AND expires_at < $2
			LIMIT $3
		)
	`, table, before.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("delete expired kv items: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired rows affected: %w", err)
	}
	return int(affected), nil
}

// encodeAttrs сериализует атрибуты в JSONB и извлекает expires_at для
// зеркальной колонки.
func encodeAttrs(item kv.Item) ([]byte, sql.NullTime, error) {
	raw, err := json.Marshal(item)
	if err != nil {
		return nil, sql.NullTime{}, fmt.Errorf("marshal kv attrs: %w", err)
	}

	var expiresAt sql.NullTime
	if stamp := kv.AsString(item[kv.AttrExpiresAt]); stamp != "" {
		at, err := time.Parse(time.RFC3339Nano, stamp)
		if err != nil {
			return nil, sql.NullTime{}, fmt.Errorf("parse expires_at %q: %w", stamp, err)
		}
		expiresAt = sql.NullTime{Time: at.UTC(), Valid: true}
	}
	return raw, expiresAt, nil
}

func decodeAttrs(raw []byte) (kv.Item, error) {
	var item kv.Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("unmarshal kv attrs: %w", err)
	}
	return item, nil
}
