package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

const lastRolloverKey = "last_rollover"

// PGStore keeps the snapshot in the tables created by migrations/001_inventory.sql.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const medicineCols = `id, name, origin, spec, stock, warning_threshold, last_usage,
	usage_history, is_warning, warning_time, response_time`

func scanMedicine(row pgx.Row) (MedicineRecord, error) {
	var m MedicineRecord
	var history []int32
	err := row.Scan(&m.ID, &m.Name, &m.Origin, &m.Spec, &m.Stock, &m.Threshold, &m.LastUsage,
		&history, &m.IsWarning, &m.WarningTime, &m.ResponseTime)
	if err != nil {
		return m, err
	}
	for i := 0; i < len(history) && i < HistoryDays; i++ {
		m.UsageHistory[i] = int(history[i])
	}
	return m, nil
}

func (s *PGStore) Load(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	var err error
	if snap.Records, err = s.loadMedicines(ctx, s.pool); err != nil {
		return Snapshot{}, err
	}
	if snap.Inbound, err = s.loadInbound(ctx, s.pool); err != nil {
		return Snapshot{}, err
	}
	if snap.Outbound, err = s.loadOutbound(ctx, s.pool); err != nil {
		return Snapshot{}, err
	}
	err = s.pool.QueryRow(ctx, `SELECT value FROM inventory_state WHERE key = $1`, lastRolloverKey).Scan(&snap.LastRollover)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("load state: %w", err)
	}
	return snap, nil
}

func (s *PGStore) loadMedicines(ctx context.Context, q queryable) ([]MedicineRecord, error) {
	rows, err := q.Query(ctx, `SELECT `+medicineCols+` FROM medicines ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("select medicines: %w", err)
	}
	defer rows.Close()
	var out []MedicineRecord
	for rows.Next() {
		m, err := scanMedicine(rows)
		if err != nil {
			return nil, fmt.Errorf("scan medicine: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PGStore) loadInbound(ctx context.Context, q queryable) ([]InboundOrder, error) {
	rows, err := q.Query(ctx, `SELECT id, medicine_id, quantity, operator, created_at, order_date
		FROM inbound_orders ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("select inbound orders: %w", err)
	}
	defer rows.Close()
	var out []InboundOrder
	for rows.Next() {
		var o InboundOrder
		if err := rows.Scan(&o.ID, &o.MedicineID, &o.Quantity, &o.Operator, &o.CreatedAt, &o.Date); err != nil {
			return nil, fmt.Errorf("scan inbound order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *PGStore) loadOutbound(ctx context.Context, q queryable) ([]OutboundOrder, error) {
	rows, err := q.Query(ctx, `SELECT id, medicine_id, quantity, prescription_no, patient, dispensed_at, order_date
		FROM outbound_orders ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("select outbound orders: %w", err)
	}
	defer rows.Close()
	var out []OutboundOrder
	for rows.Next() {
		var o OutboundOrder
		if err := rows.Scan(&o.ID, &o.MedicineID, &o.Quantity, &o.PrescriptionNo, &o.Patient, &o.DispensedAt, &o.Date); err != nil {
			return nil, fmt.Errorf("scan outbound order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Save rewrites all inventory tables inside one transaction.
func (s *PGStore) Save(ctx context.Context, snap Snapshot) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, table := range []string{"medicines", "inbound_orders", "outbound_orders"} {
		if _, err := tx.Exec(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	_, err = tx.CopyFrom(ctx, pgx.Identifier{"medicines"},
		[]string{"id", "name", "origin", "spec", "stock", "warning_threshold", "last_usage",
			"usage_history", "is_warning", "warning_time", "response_time"},
		pgx.CopyFromSlice(len(snap.Records), func(i int) ([]any, error) {
			m := snap.Records[i]
			history := make([]int32, HistoryDays)
			for j, v := range m.UsageHistory {
				history[j] = int32(v)
			}
			return []any{m.ID, m.Name, m.Origin, m.Spec, m.Stock, m.Threshold, m.LastUsage,
				history, m.IsWarning, m.WarningTime, m.ResponseTime}, nil
		}))
	if err != nil {
		return fmt.Errorf("copy medicines: %w", err)
	}

	_, err = tx.CopyFrom(ctx, pgx.Identifier{"inbound_orders"},
		[]string{"id", "position", "medicine_id", "quantity", "operator", "created_at", "order_date"},
		pgx.CopyFromSlice(len(snap.Inbound), func(i int) ([]any, error) {
			o := snap.Inbound[i]
			return []any{o.ID, i, o.MedicineID, o.Quantity, o.Operator, o.CreatedAt, o.Date}, nil
		}))
	if err != nil {
		return fmt.Errorf("copy inbound orders: %w", err)
	}

	_, err = tx.CopyFrom(ctx, pgx.Identifier{"outbound_orders"},
		[]string{"id", "position", "medicine_id", "quantity", "prescription_no", "patient", "dispensed_at", "order_date"},
		pgx.CopyFromSlice(len(snap.Outbound), func(i int) ([]any, error) {
			o := snap.Outbound[i]
			return []any{o.ID, i, o.MedicineID, o.Quantity, o.PrescriptionNo, o.Patient, o.DispensedAt, o.Date}, nil
		}))
	if err != nil {
		return fmt.Errorf("copy outbound orders: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO inventory_state (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		lastRolloverKey, snap.LastRollover); err != nil {
		return fmt.Errorf("save state: %w", err)
	}

	return tx.Commit(ctx)
}

// Ping reports whether the database is reachable.
func (s *PGStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}
