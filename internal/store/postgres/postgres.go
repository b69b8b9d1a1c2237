// Package postgres implements the store on PostgreSQL using pgx, with native
// transaction-scoped advisory locks.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"slotkeeper/internal/model"
	"slotkeeper/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	q querier
	// forUpdate is set inside transactions so reads of a row that is about
	// to be rewritten hold its lock until commit.
	forUpdate bool
}

// Pool is the Postgres-backed store.
type Pool struct {
	queries
	pool   *pgxpool.Pool
	logger *zerolog.Logger
}

var _ store.Store = (*Pool)(nil)

// Open connects to databaseURL and applies the schema.
func Open(ctx context.Context, databaseURL string, logger *zerolog.Logger) (*Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	p := &Pool{queries: queries{q: pool}, pool: pool, logger: logger}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info().Msg("postgres store initialized")
	return p, nil
}

func (p *Pool) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS services (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			duration_min INTEGER NOT NULL,
			buffer_min INTEGER NOT NULL DEFAULT 0,
			price BIGINT NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			sort_order INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS clients (
			chat_id BIGINT PRIMARY KEY,
			username TEXT NOT NULL DEFAULT '',
			full_name TEXT NOT NULL DEFAULT '',
			phone TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS appointments (
			id BIGSERIAL PRIMARY KEY,
			client_id BIGINT NOT NULL,
			service_id BIGINT NOT NULL REFERENCES services(id),
			start_at TIMESTAMPTZ NOT NULL,
			end_at TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL,
			hold_expires_at TIMESTAMPTZ,
			proposed_alt_start TIMESTAMPTZ,
			price_override BIGINT,
			client_comment TEXT NOT NULL DEFAULT '',
			admin_comment TEXT NOT NULL DEFAULT '',
			reminder_48h_sent BOOLEAN NOT NULL DEFAULT FALSE,
			reminder_3h_sent BOOLEAN NOT NULL DEFAULT FALSE,
			visit_confirmed BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			CHECK (end_at > start_at)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_appointments_status_start ON appointments(status, start_at)`,
		`CREATE INDEX IF NOT EXISTS idx_appointments_hold_expiry ON appointments(status, hold_expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_appointments_client ON appointments(client_id, start_at)`,
		`CREATE TABLE IF NOT EXISTS blocked_intervals (
			id BIGSERIAL PRIMARY KEY,
			start_at TIMESTAMPTZ NOT NULL,
			end_at TIMESTAMPTZ NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_by BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			CHECK (end_at > start_at)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_blocked_start ON blocked_intervals(start_at)`,
	}
	for _, s := range stmts {
		if _, err := p.pool.Exec(ctx, s); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

func (p *Pool) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

func (p *Pool) Close() error {
	p.pool.Close()
	return nil
}

// WithinTx runs fn in a read-committed transaction.
func (p *Pool) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	pgTx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(ctx, &tx{queries: queries{q: pgTx, forUpdate: true}, pgTx: pgTx}); err != nil {
		if rbErr := pgTx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			p.logger.Error().Err(rbErr).Msg("rollback failed")
		}
		return err
	}
	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type tx struct {
	queries
	pgTx pgx.Tx
}

// LockKeys takes pg_advisory_xact_lock for each key; Postgres releases them at commit or rollback.
func (t *tx) LockKeys(ctx context.Context, keys []uint64) error {
	for _, k := range keys {
		if _, err := t.pgTx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(k)); err != nil {
			return fmt.Errorf("advisory lock %d: %w", k, err)
		}
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func (q *queries) ListSettings(ctx context.Context) (map[string]string, error) {
	rows, err := q.q.Query(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (q *queries) SeedSettings(ctx context.Context, rows map[string]string) (int, error) {
	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	added := 0
	for _, k := range keys {
		tag, err := q.q.Exec(ctx,
			`INSERT INTO settings (key, value) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`, k, rows[k])
		if err != nil {
			return added, fmt.Errorf("seed %s: %w", k, err)
		}
		added += int(tag.RowsAffected())
	}
	return added, nil
}

func (q *queries) SetSetting(ctx context.Context, key, value string) error {
	_, err := q.q.Exec(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		key, value)
	return err
}

const serviceColumns = `id, name, duration_min, buffer_min, price, is_active, sort_order`

func scanService(row pgx.Row) (*model.Service, error) {
	var (
		s                   model.Service
		durationMin, bufMin int32
	)
	if err := row.Scan(&s.ID, &s.Name, &durationMin, &bufMin, &s.Price, &s.Active, &s.SortOrder); err != nil {
		return nil, err
	}
	s.Duration = time.Duration(durationMin) * time.Minute
	s.Buffer = time.Duration(bufMin) * time.Minute
	return &s, nil
}

func (q *queries) GetService(ctx context.Context, id int64) (*model.Service, error) {
	s, err := scanService(q.q.QueryRow(ctx, `SELECT `+serviceColumns+` FROM services WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("service %d: %w", id, store.ErrNotFound)
	}
	return s, err
}

func (q *queries) ListActiveServices(ctx context.Context) ([]model.Service, error) {
	rows, err := q.q.Query(ctx, `SELECT `+serviceColumns+` FROM services WHERE is_active ORDER BY sort_order, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Service
	for rows.Next() {
		s, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (q *queries) EnsureServices(ctx context.Context, defaults []model.Service) (int, error) {
	var count int64
	if err := q.q.QueryRow(ctx, `SELECT COUNT(*) FROM services`).Scan(&count); err != nil {
		return 0, err
	}
	if count > 0 {
		return 0, nil
	}
	for i := range defaults {
		s := &defaults[i]
		err := q.q.QueryRow(ctx,
			`INSERT INTO services (name, duration_min, buffer_min, price, is_active, sort_order)
			 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
			s.Name, int32(s.Duration/time.Minute), int32(s.Buffer/time.Minute), s.Price, s.Active, s.SortOrder,
		).Scan(&s.ID)
		if err != nil {
			return i, fmt.Errorf("insert service %q: %w", s.Name, err)
		}
	}
	return len(defaults), nil
}

func (q *queries) UpsertClient(ctx context.Context, c *model.Client) error {
	now := time.Now().UTC()
	_, err := q.q.Exec(ctx,
		`INSERT INTO clients (chat_id, username, full_name, phone, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 ON CONFLICT (chat_id) DO UPDATE SET
			username = EXCLUDED.username,
			full_name = EXCLUDED.full_name,
			phone = CASE WHEN EXCLUDED.phone <> '' THEN EXCLUDED.phone ELSE clients.phone END,
			updated_at = EXCLUDED.updated_at`,
		c.ChatID, c.Username, c.FullName, c.Phone, now)
	if err != nil {
		return err
	}
	c.UpdatedAt = now
	return nil
}

func (q *queries) GetClient(ctx context.Context, chatID int64) (*model.Client, error) {
	var c model.Client
	err := q.q.QueryRow(ctx,
		`SELECT chat_id, username, full_name, phone, created_at, updated_at FROM clients WHERE chat_id = $1`,
		chatID,
	).Scan(&c.ChatID, &c.Username, &c.FullName, &c.Phone, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("client %d: %w", chatID, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	c.CreatedAt, c.UpdatedAt = c.CreatedAt.UTC(), c.UpdatedAt.UTC()
	return &c, nil
}

const appointmentColumns = `id, client_id, service_id, start_at, end_at, status, hold_expires_at,
	proposed_alt_start, price_override, client_comment, admin_comment,
	reminder_48h_sent, reminder_3h_sent, visit_confirmed, created_at, updated_at`

func scanAppointment(row pgx.Row) (*model.Appointment, error) {
	var (
		a      model.Appointment
		status string
	)
	err := row.Scan(&a.ID, &a.ClientID, &a.ServiceID, &a.Start, &a.End, &status, &a.HoldExpiresAt,
		&a.ProposedAltStart, &a.PriceOverride, &a.ClientComment, &a.AdminComment,
		&a.Reminder48hSent, &a.Reminder3hSent, &a.VisitConfirmed, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Status = model.Status(status)
	a.Start, a.End = a.Start.UTC(), a.End.UTC()
	a.HoldExpiresAt = utcPtr(a.HoldExpiresAt)
	a.ProposedAltStart = utcPtr(a.ProposedAltStart)
	a.CreatedAt, a.UpdatedAt = a.CreatedAt.UTC(), a.UpdatedAt.UTC()
	return &a, nil
}

func collectAppointments(rows pgx.Rows, err error) ([]model.Appointment, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (q *queries) GetAppointment(ctx context.Context, id int64) (*model.Appointment, error) {
	query := `SELECT ` + appointmentColumns + ` FROM appointments WHERE id = $1`
	if q.forUpdate {
		query += ` FOR UPDATE`
	}
	a, err := scanAppointment(q.q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("appointment %d: %w", id, store.ErrNotFound)
	}
	return a, err
}

func (q *queries) InsertAppointment(ctx context.Context, a *model.Appointment) error {
	err := q.q.QueryRow(ctx,
		`INSERT INTO appointments (client_id, service_id, start_at, end_at, status, hold_expires_at,
			proposed_alt_start, price_override, client_comment, admin_comment,
			reminder_48h_sent, reminder_3h_sent, visit_confirmed, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 RETURNING id`,
		a.ClientID, a.ServiceID, a.Start, a.End, string(a.Status), a.HoldExpiresAt,
		a.ProposedAltStart, a.PriceOverride, a.ClientComment, a.AdminComment,
		a.Reminder48hSent, a.Reminder3hSent, a.VisitConfirmed, a.CreatedAt, a.UpdatedAt,
	).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func (q *queries) UpdateAppointment(ctx context.Context, a *model.Appointment) error {
	tag, err := q.q.Exec(ctx,
		`UPDATE appointments SET start_at = $1, end_at = $2, status = $3, hold_expires_at = $4,
			proposed_alt_start = $5, price_override = $6, client_comment = $7, admin_comment = $8,
			reminder_48h_sent = $9, reminder_3h_sent = $10, visit_confirmed = $11, updated_at = $12
		 WHERE id = $13`,
		a.Start, a.End, string(a.Status), a.HoldExpiresAt,
		a.ProposedAltStart, a.PriceOverride, a.ClientComment, a.AdminComment,
		a.Reminder48hSent, a.Reminder3hSent, a.VisitConfirmed, a.UpdatedAt, a.ID)
	if err != nil {
		return fmt.Errorf("update appointment %d: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("appointment %d: %w", a.ID, store.ErrNotFound)
	}
	return nil
}

func (q *queries) RejectExpiredHold(ctx context.Context, id int64, at time.Time) (bool, error) {
	tag, err := q.q.Exec(ctx,
		`UPDATE appointments SET status = $1, hold_expires_at = NULL, updated_at = $2
		 WHERE id = $3 AND status = $4`,
		string(model.StatusRejected), at, id, string(model.StatusHold))
	if err != nil {
		return false, fmt.Errorf("reject hold %d: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (q *queries) ListActiveOverlapping(ctx context.Context, start, end time.Time, excludeID int64) ([]model.Appointment, error) {
	return collectAppointments(q.q.Query(ctx,
		`SELECT `+appointmentColumns+` FROM appointments
		 WHERE status IN ($1, $2) AND start_at < $3 AND end_at > $4 AND id <> $5
		 ORDER BY start_at`,
		string(model.StatusHold), string(model.StatusBooked), end, start, excludeID))
}

func (q *queries) ListExpiredHolds(ctx context.Context, now time.Time) ([]model.Appointment, error) {
	return collectAppointments(q.q.Query(ctx,
		`SELECT `+appointmentColumns+` FROM appointments
		 WHERE status = $1 AND hold_expires_at IS NOT NULL AND hold_expires_at <= $2
		 ORDER BY hold_expires_at, id`,
		string(model.StatusHold), now))
}

func (q *queries) ListAppointments(ctx context.Context, f store.AppointmentFilter) ([]model.Appointment, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		where = append(where, "status = ANY("+arg(statuses)+")")
	}
	if f.ClientID != nil {
		where = append(where, "client_id = "+arg(*f.ClientID))
	}
	if f.StartFrom != nil {
		where = append(where, "start_at >= "+arg(*f.StartFrom))
	}
	if f.StartBefore != nil {
		where = append(where, "start_at < "+arg(*f.StartBefore))
	}
	if f.EndBefore != nil {
		where = append(where, "end_at <= "+arg(*f.EndBefore))
	}
	if f.Without48h {
		where = append(where, "NOT reminder_48h_sent")
	}
	if f.Without3h {
		where = append(where, "NOT reminder_3h_sent")
	}

	query := `SELECT ` + appointmentColumns + ` FROM appointments`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if f.Desc {
		query += " ORDER BY start_at DESC, id DESC"
	} else {
		query += " ORDER BY start_at, id"
	}
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}

	return collectAppointments(q.q.Query(ctx, query, args...))
}

func (q *queries) InsertBlocked(ctx context.Context, b *model.BlockedInterval) error {
	err := q.q.QueryRow(ctx,
		`INSERT INTO blocked_intervals (start_at, end_at, reason, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		b.Start, b.End, b.Reason, b.CreatedBy, b.CreatedAt,
	).Scan(&b.ID)
	if err != nil {
		return fmt.Errorf("insert blocked interval: %w", err)
	}
	return nil
}

func (q *queries) DeleteBlocked(ctx context.Context, id int64) (bool, error) {
	tag, err := q.q.Exec(ctx, `DELETE FROM blocked_intervals WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (q *queries) ListBlockedOverlapping(ctx context.Context, start, end time.Time) ([]model.BlockedInterval, error) {
	rows, err := q.q.Query(ctx,
		`SELECT id, start_at, end_at, reason, created_by, created_at FROM blocked_intervals
		 WHERE start_at < $1 AND end_at > $2
		 ORDER BY start_at, id`,
		end, start)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.BlockedInterval
	for rows.Next() {
		var b model.BlockedInterval
		if err := rows.Scan(&b.ID, &b.Start, &b.End, &b.Reason, &b.CreatedBy, &b.CreatedAt); err != nil {
			return nil, err
		}
		b.Start, b.End, b.CreatedAt = b.Start.UTC(), b.End.UTC(), b.CreatedAt.UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

func (q *queries) ListBusy(ctx context.Context, from, to time.Time) ([]model.Interval, error) {
	rows, err := q.q.Query(ctx,
		`SELECT start_at, end_at FROM appointments
		 WHERE status IN ($1, $2) AND start_at < $3 AND end_at > $4
		 UNION ALL
		 SELECT start_at, end_at FROM blocked_intervals
		 WHERE start_at < $3 AND end_at > $4
		 ORDER BY 1`,
		string(model.StatusHold), string(model.StatusBooked), to, from)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Interval
	for rows.Next() {
		var i model.Interval
		if err := rows.Scan(&i.Start, &i.End); err != nil {
			return nil, err
		}
		i.Start, i.End = i.Start.UTC(), i.End.UTC()
		out = append(out, i)
	}
	return out, rows.Err()
}
