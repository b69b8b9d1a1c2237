package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"slotkeeper/internal/model"
	"slotkeeper/internal/store"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	q querier
}

// Times are stored as unix milliseconds so ordering and range checks stay numeric.
func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func nullMS(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: ms(*t), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMS(v.Int64)
	return &t
}

func (q *queries) ListSettings(ctx context.Context) (map[string]string, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT key, value FROM settings`)
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

	now := ms(time.Now())
	added := 0
	for _, k := range keys {
		res, err := q.q.ExecContext(ctx,
			`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?) ON CONFLICT(key) DO NOTHING`,
			k, rows[k], now)
		if err != nil {
			return added, fmt.Errorf("seed %s: %w", k, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}
	return added, nil
}

func (q *queries) SetSetting(ctx context.Context, key, value string) error {
	_, err := q.q.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, ms(time.Now()))
	return err
}

const serviceColumns = `id, name, duration_min, buffer_min, price, is_active, sort_order`

func scanService(sc interface{ Scan(...any) error }) (*model.Service, error) {
	var (
		s                   model.Service
		durationMin, bufMin int64
	)
	if err := sc.Scan(&s.ID, &s.Name, &durationMin, &bufMin, &s.Price, &s.Active, &s.SortOrder); err != nil {
		return nil, err
	}
	s.Duration = time.Duration(durationMin) * time.Minute
	s.Buffer = time.Duration(bufMin) * time.Minute
	return &s, nil
}

func (q *queries) GetService(ctx context.Context, id int64) (*model.Service, error) {
	s, err := scanService(q.q.QueryRowContext(ctx,
		`SELECT `+serviceColumns+` FROM services WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("service %d: %w", id, store.ErrNotFound)
	}
	return s, err
}

func (q *queries) ListActiveServices(ctx context.Context) ([]model.Service, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+serviceColumns+` FROM services WHERE is_active = 1 ORDER BY sort_order, id`)
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
	var count int
	if err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM services`).Scan(&count); err != nil {
		return 0, err
	}
	if count > 0 {
		return 0, nil
	}
	for i := range defaults {
		s := &defaults[i]
		res, err := q.q.ExecContext(ctx,
			`INSERT INTO services (name, duration_min, buffer_min, price, is_active, sort_order) VALUES (?, ?, ?, ?, ?, ?)`,
			s.Name, int64(s.Duration/time.Minute), int64(s.Buffer/time.Minute), s.Price, s.Active, s.SortOrder)
		if err != nil {
			return i, fmt.Errorf("insert service %q: %w", s.Name, err)
		}
		s.ID, _ = res.LastInsertId()
	}
	return len(defaults), nil
}

func (q *queries) UpsertClient(ctx context.Context, c *model.Client) error {
	now := time.Now().UTC()
	_, err := q.q.ExecContext(ctx,
		`INSERT INTO clients (chat_id, username, full_name, phone, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(chat_id) DO UPDATE SET
			username = excluded.username,
			full_name = excluded.full_name,
			phone = CASE WHEN excluded.phone <> '' THEN excluded.phone ELSE clients.phone END,
			updated_at = excluded.updated_at`,
		c.ChatID, c.Username, c.FullName, c.Phone, ms(now), ms(now))
	if err != nil {
		return err
	}
	c.UpdatedAt = now
	return nil
}

func (q *queries) GetClient(ctx context.Context, chatID int64) (*model.Client, error) {
	var (
		c                model.Client
		created, updated int64
	)
	err := q.q.QueryRowContext(ctx,
		`SELECT chat_id, username, full_name, phone, created_at, updated_at FROM clients WHERE chat_id = ?`,
		chatID,
	).Scan(&c.ChatID, &c.Username, &c.FullName, &c.Phone, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("client %d: %w", chatID, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	c.CreatedAt, c.UpdatedAt = fromMS(created), fromMS(updated)
	return &c, nil
}

const appointmentColumns = `id, client_id, service_id, start_at, end_at, status, hold_expires_at,
	proposed_alt_start, price_override, client_comment, admin_comment,
	reminder_48h_sent, reminder_3h_sent, visit_confirmed, created_at, updated_at`

func scanAppointment(sc interface{ Scan(...any) error }) (*model.Appointment, error) {
	var (
		a                        model.Appointment
		start, end, created, upd int64
		status                   string
		holdExp, altStart, price sql.NullInt64
	)
	err := sc.Scan(&a.ID, &a.ClientID, &a.ServiceID, &start, &end, &status, &holdExp,
		&altStart, &price, &a.ClientComment, &a.AdminComment,
		&a.Reminder48hSent, &a.Reminder3hSent, &a.VisitConfirmed, &created, &upd)
	if err != nil {
		return nil, err
	}
	a.Start, a.End = fromMS(start), fromMS(end)
	a.Status = model.Status(status)
	a.HoldExpiresAt = timePtr(holdExp)
	a.ProposedAltStart = timePtr(altStart)
	if price.Valid {
		p := price.Int64
		a.PriceOverride = &p
	}
	a.CreatedAt, a.UpdatedAt = fromMS(created), fromMS(upd)
	return &a, nil
}

func scanAppointments(rows *sql.Rows) ([]model.Appointment, error) {
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

func nullPrice(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func (q *queries) GetAppointment(ctx context.Context, id int64) (*model.Appointment, error) {
	a, err := scanAppointment(q.q.QueryRowContext(ctx,
		`SELECT `+appointmentColumns+` FROM appointments WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("appointment %d: %w", id, store.ErrNotFound)
	}
	return a, err
}

func (q *queries) InsertAppointment(ctx context.Context, a *model.Appointment) error {
	res, err := q.q.ExecContext(ctx,
		`INSERT INTO appointments (client_id, service_id, start_at, end_at, status, hold_expires_at,
			proposed_alt_start, price_override, client_comment, admin_comment,
			reminder_48h_sent, reminder_3h_sent, visit_confirmed, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ClientID, a.ServiceID, ms(a.Start), ms(a.End), string(a.Status), nullMS(a.HoldExpiresAt),
		nullMS(a.ProposedAltStart), nullPrice(a.PriceOverride), a.ClientComment, a.AdminComment,
		a.Reminder48hSent, a.Reminder3hSent, a.VisitConfirmed, ms(a.CreatedAt), ms(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	a.ID, err = res.LastInsertId()
	return err
}

func (q *queries) UpdateAppointment(ctx context.Context, a *model.Appointment) error {
	res, err := q.q.ExecContext(ctx,
		`UPDATE appointments SET start_at = ?, end_at = ?, status = ?, hold_expires_at = ?,
			proposed_alt_start = ?, price_override = ?, client_comment = ?, admin_comment = ?,
			reminder_48h_sent = ?, reminder_3h_sent = ?, visit_confirmed = ?, updated_at = ?
		 WHERE id = ?`,
		ms(a.Start), ms(a.End), string(a.Status), nullMS(a.HoldExpiresAt),
		nullMS(a.ProposedAltStart), nullPrice(a.PriceOverride), a.ClientComment, a.AdminComment,
		a.Reminder48hSent, a.Reminder3hSent, a.VisitConfirmed, ms(a.UpdatedAt), a.ID)
	if err != nil {
		return fmt.Errorf("update appointment %d: %w", a.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("appointment %d: %w", a.ID, store.ErrNotFound)
	}
	return nil
}

func (q *queries) RejectExpiredHold(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := q.q.ExecContext(ctx,
		`UPDATE appointments SET status = ?, hold_expires_at = NULL, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(model.StatusRejected), ms(at), id, string(model.StatusHold))
	if err != nil {
		return false, fmt.Errorf("reject hold %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (q *queries) ListActiveOverlapping(ctx context.Context, start, end time.Time, excludeID int64) ([]model.Appointment, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+appointmentColumns+` FROM appointments
		 WHERE status IN (?, ?) AND start_at < ? AND end_at > ? AND id <> ?
		 ORDER BY start_at`,
		string(model.StatusHold), string(model.StatusBooked), ms(end), ms(start), excludeID)
	if err != nil {
		return nil, err
	}
	return scanAppointments(rows)
}

func (q *queries) ListExpiredHolds(ctx context.Context, now time.Time) ([]model.Appointment, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+appointmentColumns+` FROM appointments
		 WHERE status = ? AND hold_expires_at IS NOT NULL AND hold_expires_at <= ?
		 ORDER BY hold_expires_at, id`,
		string(model.StatusHold), ms(now))
	if err != nil {
		return nil, err
	}
	return scanAppointments(rows)
}

func (q *queries) ListAppointments(ctx context.Context, f store.AppointmentFilter) ([]model.Appointment, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if f.ClientID != nil {
		where = append(where, "client_id = ?")
		args = append(args, *f.ClientID)
	}
	if f.StartFrom != nil {
		where = append(where, "start_at >= ?")
		args = append(args, ms(*f.StartFrom))
	}
	if f.StartBefore != nil {
		where = append(where, "start_at < ?")
		args = append(args, ms(*f.StartBefore))
	}
	if f.EndBefore != nil {
		where = append(where, "end_at <= ?")
		args = append(args, ms(*f.EndBefore))
	}
	if f.Without48h {
		where = append(where, "reminder_48h_sent = 0")
	}
	if f.Without3h {
		where = append(where, "reminder_3h_sent = 0")
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
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanAppointments(rows)
}

func (q *queries) InsertBlocked(ctx context.Context, b *model.BlockedInterval) error {
	res, err := q.q.ExecContext(ctx,
		`INSERT INTO blocked_intervals (start_at, end_at, reason, created_by, created_at) VALUES (?, ?, ?, ?, ?)`,
		ms(b.Start), ms(b.End), b.Reason, b.CreatedBy, ms(b.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert blocked interval: %w", err)
	}
	b.ID, err = res.LastInsertId()
	return err
}

func (q *queries) DeleteBlocked(ctx context.Context, id int64) (bool, error) {
	res, err := q.q.ExecContext(ctx, `DELETE FROM blocked_intervals WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (q *queries) ListBlockedOverlapping(ctx context.Context, start, end time.Time) ([]model.BlockedInterval, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT id, start_at, end_at, reason, created_by, created_at FROM blocked_intervals
		 WHERE start_at < ? AND end_at > ?
		 ORDER BY start_at, id`,
		ms(end), ms(start))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.BlockedInterval
	for rows.Next() {
		var (
			b             model.BlockedInterval
			s, e, created int64
		)
		if err := rows.Scan(&b.ID, &s, &e, &b.Reason, &b.CreatedBy, &created); err != nil {
			return nil, err
		}
		b.Start, b.End, b.CreatedAt = fromMS(s), fromMS(e), fromMS(created)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (q *queries) ListBusy(ctx context.Context, from, to time.Time) ([]model.Interval, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT start_at, end_at FROM appointments
		 WHERE status IN (?, ?) AND start_at < ? AND end_at > ?
		 UNION ALL
		 SELECT start_at, end_at FROM blocked_intervals
		 WHERE start_at < ? AND end_at > ?
		 ORDER BY 1`,
		string(model.StatusHold), string(model.StatusBooked), ms(to), ms(from), ms(to), ms(from))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Interval
	for rows.Next() {
		var s, e int64
		if err := rows.Scan(&s, &e); err != nil {
			return nil, err
		}
		out = append(out, model.Interval{Start: fromMS(s), End: fromMS(e)})
	}
	return out, rows.Err()
}
