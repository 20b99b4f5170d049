package rollback

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/annel0/blockedit/internal/changeset"
	"github.com/annel0/blockedit/internal/logging"
	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
)

// MariaStore журнал отката в MariaDB/MySQL.
// Таблица rollback_records хранит заголовок в колонках (для индекса и
// пространственного фильтра) и полный бинарный набор в body.
type MariaStore struct {
	db  *sql.DB
	log *logging.Logger
}

// NewMariaStore подключается к базе и создаёт таблицу, если её нет.
//
// Параметры:
//
//	dsn - строка подключения к базе данных (user:pass@tcp(host:port)/dbname)
func NewMariaStore(dsn string, log *logging.Logger) (*MariaStore, error) {
	if log == nil {
		log = logging.NewNop()
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("не удалось подключиться к MariaDB: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("не удалось проверить соединение с MariaDB: %w", err)
	}

	s := &MariaStore{db: db, log: log}
	if err := s.createTable(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *MariaStore) createTable() error {
	query := `
		CREATE TABLE IF NOT EXISTS rollback_records (
			id          BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
			actor       BINARY(16)      NOT NULL,
			world       VARCHAR(255)    NOT NULL,
			start_ms    BIGINT          NOT NULL,
			end_ms      BIGINT          NOT NULL,
			min_x       INT             NOT NULL,
			min_y       SMALLINT        NOT NULL,
			min_z       INT             NOT NULL,
			max_x       INT             NOT NULL,
			max_y       SMALLINT        NOT NULL,
			max_z       INT             NOT NULL,
			entry_count INT UNSIGNED    NOT NULL,
			header      VARBINARY(1024) NOT NULL,
			body        LONGBLOB        NOT NULL,
			INDEX idx_actor_world_start (actor, world, start_ms, id)
		) ENGINE=InnoDB
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("ошибка создания таблицы rollback_records: %w", err)
	}
	return nil
}

// Append сохраняет набор одной строкой
func (s *MariaStore) Append(ctx context.Context, cs *changeset.ChangeSet) (*Record, error) {
	body, err := changeset.Encode(cs)
	if err != nil {
		return nil, err
	}
	h := cs.Header()
	head, err := changeset.EncodeHeader(h)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO rollback_records
			(actor, world, start_ms, end_ms, min_x, min_y, min_z, max_x, max_y, max_z, entry_count, header, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	res, err := s.db.ExecContext(ctx, query,
		h.Actor[:], h.World, h.Start.UnixMilli(), h.End.UnixMilli(),
		h.Bounds.Min.X, h.Bounds.Min.Y, h.Bounds.Min.Z,
		h.Bounds.Max.X, h.Bounds.Max.Y, h.Bounds.Max.Z,
		h.EntryCount, head, body,
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка записи набора в журнал: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("ошибка получения индекса записи: %w", err)
	}

	rec := &Record{Index: uint64(id), Header: h}
	rec.load = s.loader(rec.Index)
	return rec, nil
}

func (s *MariaStore) loader(id uint64) func(context.Context) ([]byte, error) {
	return func(ctx context.Context) ([]byte, error) {
		var body []byte
		err := s.db.QueryRowContext(ctx, `SELECT body FROM rollback_records WHERE id = ?`, id).Scan(&body)
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("запись %d удалена", id)
		}
		return body, err
	}
}

// Delete удаляет одну строку; InnoDB блокирует только её
func (s *MariaStore) Delete(ctx context.Context, rec *Record) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM rollback_records WHERE id = ?`, rec.Index); err != nil {
		return fmt.Errorf("ошибка удаления записи %s: %w", rec.ID(), err)
	}
	return nil
}

// buildPageQuery строит запрос страницы с keyset-пагинацией по (start_ms, id)
func buildPageQuery(q Query, after []byte) (string, []any) {
	var (
		where []string
		args  []any
	)
	if q.Actor != uuid.Nil {
		where = append(where, "actor = ?")
		args = append(args, q.Actor[:])
	}
	if q.World != "" {
		where = append(where, "world = ?")
		args = append(args, q.World)
	}
	if !q.After.IsZero() {
		where = append(where, "start_ms > ?")
		args = append(args, q.After.UnixMilli())
	}
	if b := q.Bounds; b != nil {
		where = append(where, "max_x >= ? AND min_x <= ? AND max_y >= ? AND min_y <= ? AND max_z >= ? AND min_z <= ?")
		args = append(args, b.Min.X, b.Max.X, b.Min.Y, b.Max.Y, b.Min.Z, b.Max.Z)
	}

	order, cmp := "ASC", ">"
	if q.Descending {
		order, cmp = "DESC", "<"
	}
	if len(after) == 16 {
		startMs := int64(binary.BigEndian.Uint64(after[:8]))
		id := binary.BigEndian.Uint64(after[8:])
		where = append(where, fmt.Sprintf("(start_ms %s ? OR (start_ms = ? AND id %s ?))", cmp, cmp))
		args = append(args, startMs, startMs, id)
	}

	var sb strings.Builder
	sb.WriteString("SELECT id, start_ms, header FROM rollback_records")
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	fmt.Fprintf(&sb, " ORDER BY start_ms %s, id %s LIMIT ?", order, order)
	args = append(args, q.pageSize()+1)
	return sb.String(), args
}

func pageKey(startMs int64, id uint64) []byte {
	k := binary.BigEndian.AppendUint64(nil, uint64(startMs))
	return binary.BigEndian.AppendUint64(k, id)
}

// Query курсор с keyset-пагинацией
func (s *MariaStore) Query(ctx context.Context, q Query) Cursor {
	return newPageCursor(ctx, func(ctx context.Context, after []byte) ([]*Record, []byte, bool, error) {
		query, args := buildPageQuery(q, after)
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, nil, false, fmt.Errorf("ошибка чтения журнала: %w", err)
		}
		defer rows.Close()

		var (
			recs []*Record
			last []byte
			more bool
		)
		for scanned := 0; rows.Next(); scanned++ {
			if scanned == q.pageSize() {
				more = true
				break
			}
			var (
				id      uint64
				startMs int64
				head    []byte
			)
			if err := rows.Scan(&id, &startMs, &head); err != nil {
				return nil, nil, false, fmt.Errorf("ошибка чтения строки журнала: %w", err)
			}
			last = pageKey(startMs, id)
			h, err := changeset.DecodeHeader(head)
			if err != nil {
				s.log.Warn("⚠️ Пропущен повреждённый заголовок записи %d: %v", id, err)
				continue
			}
			rec := &Record{Index: id, Header: h}
			rec.load = s.loader(id)
			recs = append(recs, rec)
		}
		if err := rows.Err(); err != nil {
			return nil, nil, false, err
		}
		return recs, last, more, nil
	})
}

// Close закрывает соединение с базой данных
func (s *MariaStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
