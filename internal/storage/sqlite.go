package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"dosekeeper/internal/eventbus"
	"dosekeeper/internal/therapy"
	logx "dosekeeper/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Store wraps the SQLite database. All mutation methods publish a
// data-changed event on the bus (when one is attached) so the refresh
// coordinator picks up external edits without polling.
type Store struct {
	db  *sql.DB
	log logx.Logger
	bus eventbus.Bus

	opCount    atomic.Uint64
	pruneEvery uint64
}

// Open opens (or creates) the database and applies the schema.
func Open(cfg Config, log logx.Logger, bus eventbus.Bus) (*Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &Store{db: db, log: log, bus: bus, pruneEvery: 500}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) changed(entity string) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Kind: eventbus.KindDataChanged, Entity: entity})
	}
}

// ---- therapies ----

type doseJSON struct {
	OffsetMS int64   `json:"offset_ms"`
	Amount   float64 `json:"amount"`
}

func encodeDoses(doses []therapy.DoseSpec) (string, error) {
	out := make([]doseJSON, len(doses))
	for i, d := range doses {
		out[i] = doseJSON{OffsetMS: d.Offset.Milliseconds(), Amount: d.Amount}
	}
	b, err := json.Marshal(out)
	return string(b), err
}

func decodeDoses(raw string) []therapy.DoseSpec {
	var in []doseJSON
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return nil
	}
	out := make([]therapy.DoseSpec, len(in))
	for i, d := range in {
		out[i] = therapy.DoseSpec{Offset: time.Duration(d.OffsetMS) * time.Millisecond, Amount: d.Amount}
	}
	return out
}

func (s *Store) SaveTherapy(ctx context.Context, t therapy.Snapshot) error {
	doses, err := encodeDoses(t.Doses)
	if err != nil {
		return fmt.Errorf("encoding doses: %w", err)
	}
	var clinical any
	if t.Clinical != nil {
		b, err := json.Marshal(t.Clinical)
		if err != nil {
			return fmt.Errorf("encoding clinical rules: %w", err)
		}
		clinical = string(b)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO therapies(id, medicine_id, package_id, person, rrule, start_date, doses, auto_intake, clinical)
		 VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   medicine_id=excluded.medicine_id, package_id=excluded.package_id,
		   person=excluded.person, rrule=excluded.rrule, start_date=excluded.start_date,
		   doses=excluded.doses, auto_intake=excluded.auto_intake, clinical=excluded.clinical`,
		t.ID, t.MedicineID, t.PackageID, t.Person, t.RRule,
		t.StartDate.UnixMilli(), doses, boolInt(t.AutoIntake), clinical,
	)
	if err != nil {
		return err
	}
	s.changed("therapy")
	return nil
}

func (s *Store) DeleteTherapy(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM therapies WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.changed("therapy")
	}
	return nil
}

// Therapies returns all therapy snapshots, stable-ordered by id.
func (s *Store) Therapies(ctx context.Context) ([]therapy.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, medicine_id, package_id, person, rrule, start_date, doses, auto_intake, clinical
		 FROM therapies ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []therapy.Snapshot
	for rows.Next() {
		var t therapy.Snapshot
		var startMS int64
		var doses string
		var autoIntake int
		var clinical sql.NullString
		if err := rows.Scan(&t.ID, &t.MedicineID, &t.PackageID, &t.Person, &t.RRule,
			&startMS, &doses, &autoIntake, &clinical); err != nil {
			return nil, err
		}
		t.StartDate = time.UnixMilli(startMS)
		t.Doses = decodeDoses(doses)
		t.AutoIntake = autoIntake != 0
		if clinical.Valid && clinical.String != "" {
			var cr therapy.ClinicalRules
			if err := json.Unmarshal([]byte(clinical.String), &cr); err == nil {
				t.Clinical = &cr
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TherapiesByMedicine filters Therapies to one medicine.
func (s *Store) TherapiesByMedicine(ctx context.Context, medicineID string) ([]therapy.Snapshot, error) {
	all, err := s.Therapies(ctx)
	if err != nil {
		return nil, err
	}
	var out []therapy.Snapshot
	for _, t := range all {
		if t.MedicineID == medicineID {
			out = append(out, t)
		}
	}
	return out, nil
}

// ---- medicines ----

func (s *Store) SaveMedicine(ctx context.Context, m therapy.Medicine) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO medicines(id, name, person, leftover, auto_intake) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, person=excluded.person,
		   leftover=excluded.leftover, auto_intake=excluded.auto_intake`,
		m.ID, m.Name, m.Person, m.Leftover, boolInt(m.AutoIntake),
	)
	if err != nil {
		return err
	}
	s.changed("medicine")
	return nil
}

func (s *Store) Medicines(ctx context.Context) ([]therapy.Medicine, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, person, leftover, auto_intake FROM medicines ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []therapy.Medicine
	for rows.Next() {
		var m therapy.Medicine
		var autoIntake int
		if err := rows.Scan(&m.ID, &m.Name, &m.Person, &m.Leftover, &autoIntake); err != nil {
			return nil, err
		}
		m.AutoIntake = autoIntake != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) Medicine(ctx context.Context, id string) (therapy.Medicine, error) {
	var m therapy.Medicine
	var autoIntake int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, person, leftover, auto_intake FROM medicines WHERE id = ?`, id).
		Scan(&m.ID, &m.Name, &m.Person, &m.Leftover, &autoIntake)
	if errors.Is(err, sql.ErrNoRows) {
		return therapy.Medicine{}, ErrNotFound
	}
	if err != nil {
		return therapy.Medicine{}, err
	}
	m.AutoIntake = autoIntake != 0
	return m, nil
}

// ---- intake logs ----

// AppendIntakes writes a batch of intake logs in one transaction.
// Records whose id already exists are ignored, which makes replays of the
// same reconciliation pass harmless. Returns how many rows were inserted.
func (s *Store) AppendIntakes(ctx context.Context, logs []therapy.IntakeLog) (int, error) {
	if len(logs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	inserted := 0
	for _, l := range logs {
		recorded := l.RecordedAt
		if recorded.IsZero() {
			recorded = time.Now()
		}
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO intake_logs(id, therapy_id, medicine_id, taken_at, amount, automatic, recorded_at)
			 VALUES(?,?,?,?,?,?,?)`,
			l.ID, l.TherapyID, l.MedicineID, l.TakenAt.UnixMilli(), l.Amount,
			boolInt(l.Automatic), recorded.UnixMilli(),
		)
		if err != nil {
			return 0, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if inserted > 0 {
		s.changed("intake")
	}
	return inserted, nil
}

// IntakesBetween returns logs with taken_at inside [from, to], ascending.
func (s *Store) IntakesBetween(ctx context.Context, from, to time.Time) ([]therapy.IntakeLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, therapy_id, medicine_id, taken_at, amount, automatic, recorded_at
		 FROM intake_logs WHERE taken_at >= ? AND taken_at <= ? ORDER BY taken_at`,
		from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []therapy.IntakeLog
	for rows.Next() {
		var l therapy.IntakeLog
		var takenMS, recordedMS int64
		var automatic int
		if err := rows.Scan(&l.ID, &l.TherapyID, &l.MedicineID, &takenMS, &l.Amount, &automatic, &recordedMS); err != nil {
			return nil, err
		}
		l.TakenAt = time.UnixMilli(takenMS)
		l.RecordedAt = time.UnixMilli(recordedMS)
		l.Automatic = automatic != 0
		out = append(out, l)
	}
	return out, rows.Err()
}

// ---- keyed maps ----

func (s *Store) GetKV(ctx context.Context, bucket, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE bucket = ? AND key = ?`, bucket, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *Store) PutKV(ctx context.Context, bucket, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv(bucket, key, value) VALUES(?,?,?)
		 ON CONFLICT(bucket, key) DO UPDATE SET value=excluded.value`,
		bucket, key, value)
	return err
}

func (s *Store) DeleteKV(ctx context.Context, bucket, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE bucket = ? AND key = ?`, bucket, key)
	return err
}

// ---- idempotent operation ids ----

// GetOperationID returns the cached id for key, treating expired entries as
// missing.
func (s *Store) GetOperationID(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, nil
	}
	var id string
	var expires int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, expires FROM opids WHERE key = ?`, key).Scan(&id, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if time.UnixMilli(expires).Before(time.Now()) {
		return "", false, nil
	}
	return id, true, nil
}

// PutOperationID stores the minted id for key until `expires`. Expired rows
// are pruned lazily every few hundred writes.
func (s *Store) PutOperationID(ctx context.Context, key, id string, expires time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO opids(key, id, expires) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET id=excluded.id, expires=excluded.expires`,
		key, id, expires.UnixMilli())
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return err
}

func (s *Store) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM opids WHERE expires < ?`, time.Now().UnixMilli())
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
