package inventory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // pure go sqlite driver
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS medicines (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		origin TEXT NOT NULL,
		spec TEXT NOT NULL,
		stock INTEGER NOT NULL DEFAULT 0,
		warning_threshold INTEGER NOT NULL DEFAULT 0,
		last_usage INTEGER NOT NULL DEFAULT 0,
		usage_history TEXT NOT NULL DEFAULT '[0,0,0,0,0,0,0]',
		is_warning INTEGER NOT NULL DEFAULT 0,
		warning_time TEXT,
		response_time TEXT
	);`,
	`CREATE TABLE IF NOT EXISTS inbound_orders (
		id TEXT PRIMARY KEY,
		position INTEGER NOT NULL,
		medicine_id INTEGER NOT NULL,
		quantity INTEGER NOT NULL,
		operator TEXT NOT NULL,
		created_at TEXT NOT NULL,
		order_date TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS outbound_orders (
		id TEXT PRIMARY KEY,
		position INTEGER NOT NULL,
		medicine_id INTEGER NOT NULL,
		quantity INTEGER NOT NULL,
		prescription_no TEXT NOT NULL,
		patient TEXT NOT NULL DEFAULT '',
		dispensed_at TEXT NOT NULL,
		order_date TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_outbound_orders_position ON outbound_orders (position);`,
	`CREATE TABLE IF NOT EXISTS inventory_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);`,
}

// SQLiteStore keeps the snapshot in a local SQLite file.
type SQLiteStore struct {
	db   *sqlx.DB
	path string
}

// OpenSQLiteStore opens (creating if needed) the database at path and
// applies the schema.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = "medstock.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

type medicineRow struct {
	ID           int            `db:"id"`
	Name         string         `db:"name"`
	Origin       string         `db:"origin"`
	Spec         string         `db:"spec"`
	Stock        int            `db:"stock"`
	Threshold    int            `db:"warning_threshold"`
	LastUsage    int            `db:"last_usage"`
	UsageHistory string         `db:"usage_history"`
	IsWarning    bool           `db:"is_warning"`
	WarningTime  sql.NullString `db:"warning_time"`
	ResponseTime sql.NullString `db:"response_time"`
}

type inboundRow struct {
	ID         string `db:"id"`
	Position   int    `db:"position"`
	MedicineID int    `db:"medicine_id"`
	Quantity   int    `db:"quantity"`
	Operator   string `db:"operator"`
	CreatedAt  string `db:"created_at"`
	Date       string `db:"order_date"`
}

type outboundRow struct {
	ID             string `db:"id"`
	Position       int    `db:"position"`
	MedicineID     int    `db:"medicine_id"`
	Quantity       int    `db:"quantity"`
	PrescriptionNo string `db:"prescription_no"`
	Patient        string `db:"patient"`
	DispensedAt    string `db:"dispensed_at"`
	Date           string `db:"order_date"`
}

func (s *SQLiteStore) Load(ctx context.Context) (Snapshot, error) {
	var snap Snapshot

	var meds []medicineRow
	if err := s.db.SelectContext(ctx, &meds, `SELECT * FROM medicines ORDER BY id`); err != nil {
		return Snapshot{}, fmt.Errorf("select medicines: %w", err)
	}
	for _, row := range meds {
		rec, err := row.record()
		if err != nil {
			return Snapshot{}, err
		}
		snap.Records = append(snap.Records, rec)
	}

	var in []inboundRow
	if err := s.db.SelectContext(ctx, &in, `SELECT * FROM inbound_orders ORDER BY position`); err != nil {
		return Snapshot{}, fmt.Errorf("select inbound orders: %w", err)
	}
	for _, row := range in {
		id, err := uuid.Parse(row.ID)
		if err != nil {
			return Snapshot{}, fmt.Errorf("decode inbound order id: %w", err)
		}
		created, err := time.Parse(time.RFC3339Nano, row.CreatedAt)
		if err != nil {
			return Snapshot{}, fmt.Errorf("decode inbound order time: %w", err)
		}
		snap.Inbound = append(snap.Inbound, InboundOrder{
			ID: id, MedicineID: row.MedicineID, Quantity: row.Quantity,
			Operator: row.Operator, CreatedAt: created, Date: row.Date,
		})
	}

	var out []outboundRow
	if err := s.db.SelectContext(ctx, &out, `SELECT * FROM outbound_orders ORDER BY position DESC`); err != nil {
		return Snapshot{}, fmt.Errorf("select outbound orders: %w", err)
	}
	for _, row := range out {
		id, err := uuid.Parse(row.ID)
		if err != nil {
			return Snapshot{}, fmt.Errorf("decode outbound order id: %w", err)
		}
		at, err := time.Parse(time.RFC3339Nano, row.DispensedAt)
		if err != nil {
			return Snapshot{}, fmt.Errorf("decode outbound order time: %w", err)
		}
		snap.Outbound = append(snap.Outbound, OutboundOrder{
			ID: id, MedicineID: row.MedicineID, Quantity: row.Quantity,
			PrescriptionNo: row.PrescriptionNo, Patient: row.Patient, DispensedAt: at, Date: row.Date,
		})
	}

	err := s.db.GetContext(ctx, &snap.LastRollover, `SELECT value FROM inventory_state WHERE key = ?`, lastRolloverKey)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("load state: %w", err)
	}
	return snap, nil
}

// Save rewrites the registry and the inbound queue inside one transaction.
// The ledger is written incrementally by saveLedger.
func (s *SQLiteStore) Save(ctx context.Context, snap Snapshot) (retErr error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	for _, table := range []string{"medicines", "inbound_orders"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	for _, rec := range snap.Records {
		row, err := newMedicineRow(rec)
		if err != nil {
			return err
		}
		if _, err := tx.NamedExecContext(ctx, `INSERT INTO medicines
			(id, name, origin, spec, stock, warning_threshold, last_usage, usage_history, is_warning, warning_time, response_time)
			VALUES (:id, :name, :origin, :spec, :stock, :warning_threshold, :last_usage, :usage_history, :is_warning, :warning_time, :response_time)`,
			row); err != nil {
			return fmt.Errorf("insert medicine %d: %w", rec.ID, err)
		}
	}
	for i, o := range snap.Inbound {
		row := inboundRow{
			ID: o.ID.String(), Position: i, MedicineID: o.MedicineID, Quantity: o.Quantity,
			Operator: o.Operator, CreatedAt: o.CreatedAt.Format(time.RFC3339Nano), Date: o.Date,
		}
		if _, err := tx.NamedExecContext(ctx, `INSERT INTO inbound_orders
			(id, position, medicine_id, quantity, operator, created_at, order_date)
			VALUES (:id, :position, :medicine_id, :quantity, :operator, :created_at, :order_date)`, row); err != nil {
			return fmt.Errorf("insert inbound order: %w", err)
		}
	}
	if err := saveLedger(ctx, tx, snap.Outbound); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO inventory_state(key, value) VALUES(?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, lastRolloverKey, snap.LastRollover); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return tx.Commit()
}

// saveLedger brings outbound_orders in line with ledger (newest first).
// Rows are keyed by depth, the oldest order at position 0. Orders are
// immutable and only the top of the stack changes, so a stored row whose ID
// matches the ledger at the same depth vouches for every row beneath it. Only
// the rows above the deepest match are rewritten.
func saveLedger(ctx context.Context, tx *sqlx.Tx, ledger []OutboundOrder) error {
	n := len(ledger)
	atDepth := func(depth int) OutboundOrder { return ledger[n-1-depth] }

	var stored int
	if err := tx.GetContext(ctx, &stored, `SELECT COUNT(*) FROM outbound_orders`); err != nil {
		return fmt.Errorf("count outbound orders: %w", err)
	}
	keep := min(stored, n)
	for keep > 0 {
		var id string
		err := tx.GetContext(ctx, &id, `SELECT id FROM outbound_orders WHERE position = ?`, keep-1)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read outbound order %d: %w", keep-1, err)
		}
		if id == atDepth(keep-1).ID.String() {
			break
		}
		keep--
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM outbound_orders WHERE position >= ?`, keep); err != nil {
		return fmt.Errorf("trim outbound orders: %w", err)
	}
	for depth := keep; depth < n; depth++ {
		o := atDepth(depth)
		row := outboundRow{
			ID: o.ID.String(), Position: depth, MedicineID: o.MedicineID, Quantity: o.Quantity,
			PrescriptionNo: o.PrescriptionNo, Patient: o.Patient,
			DispensedAt: o.DispensedAt.Format(time.RFC3339Nano), Date: o.Date,
		}
		if _, err := tx.NamedExecContext(ctx, `INSERT INTO outbound_orders
			(id, position, medicine_id, quantity, prescription_no, patient, dispensed_at, order_date)
			VALUES (:id, :position, :medicine_id, :quantity, :prescription_no, :patient, :dispensed_at, :order_date)`, row); err != nil {
			return fmt.Errorf("insert outbound order: %w", err)
		}
	}
	return nil
}

// Ping reports whether the database file is usable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func newMedicineRow(rec MedicineRecord) (medicineRow, error) {
	history, err := json.Marshal(rec.UsageHistory)
	if err != nil {
		return medicineRow{}, fmt.Errorf("encode usage history: %w", err)
	}
	return medicineRow{
		ID:           rec.ID,
		Name:         rec.Name,
		Origin:       rec.Origin,
		Spec:         rec.Spec,
		Stock:        rec.Stock,
		Threshold:    rec.Threshold,
		LastUsage:    rec.LastUsage,
		UsageHistory: string(history),
		IsWarning:    rec.IsWarning,
		WarningTime:  nullTime(rec.WarningTime),
		ResponseTime: nullTime(rec.ResponseTime),
	}, nil
}

func (row medicineRow) record() (MedicineRecord, error) {
	rec := MedicineRecord{
		ID:        row.ID,
		Name:      row.Name,
		Origin:    row.Origin,
		Spec:      row.Spec,
		Stock:     row.Stock,
		Threshold: row.Threshold,
		LastUsage: row.LastUsage,
		IsWarning: row.IsWarning,
	}
	if err := json.Unmarshal([]byte(row.UsageHistory), &rec.UsageHistory); err != nil {
		return MedicineRecord{}, fmt.Errorf("decode usage history of %d: %w", row.ID, err)
	}
	var err error
	if rec.WarningTime, err = parseNullTime(row.WarningTime); err != nil {
		return MedicineRecord{}, fmt.Errorf("decode warning time of %d: %w", row.ID, err)
	}
	if rec.ResponseTime, err = parseNullTime(row.ResponseTime); err != nil {
		return MedicineRecord{}, fmt.Errorf("decode response time of %d: %w", row.ID, err)
	}
	return rec, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(time.RFC3339Nano), Valid: true}
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
