package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// sqlStore carries the queries shared by the SQLite and PostgreSQL stores.
// Queries are written with "?" placeholders and rebound for PostgreSQL.
type sqlStore struct {
	db       *sql.DB
	postgres bool
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *sqlStore) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func affected(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// --- API tokens ---

const tokenColumns = `id, token_hash, name, user_id, is_active, created_at, expires_at, last_used_at,
	daily_image_limit, today_image_count, last_reset_date`

func scanToken(sc rowScanner) (*APIToken, error) {
	var (
		t         APIToken
		userID    sql.NullString
		resetDate sql.NullString
		expiresAt sql.NullTime
		lastUsed  sql.NullTime
	)
	err := sc.Scan(&t.ID, &t.TokenHash, &t.Name, &userID, &t.IsActive, &t.CreatedAt, &expiresAt, &lastUsed,
		&t.DailyImageLimit, &t.TodayImageCount, &resetDate)
	if err != nil {
		return nil, err
	}
	t.UserID = userID.String
	t.LastResetDate = resetDate.String
	t.ExpiresAt = timePtr(expiresAt)
	t.LastUsedAt = timePtr(lastUsed)
	return &t, nil
}

func (s *sqlStore) listTokens(ctx context.Context, query string, args ...any) ([]APIToken, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []APIToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *sqlStore) CreateToken(ctx context.Context, tok *APIToken) error {
	_, err := s.exec(ctx,
		`INSERT INTO api_tokens (`+tokenColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tok.ID, tok.TokenHash, tok.Name, nullString(tok.UserID), tok.IsActive, tok.CreatedAt.UTC(),
		nullTime(tok.ExpiresAt), nullTime(tok.LastUsedAt), tok.DailyImageLimit, tok.TodayImageCount,
		nullString(tok.LastResetDate),
	)
	return err
}

func (s *sqlStore) GetToken(ctx context.Context, id string) (*APIToken, error) {
	t, err := scanToken(s.queryRow(ctx, `SELECT `+tokenColumns+` FROM api_tokens WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

func (s *sqlStore) ListActiveTokens(ctx context.Context) ([]APIToken, error) {
	return s.listTokens(ctx, `SELECT `+tokenColumns+` FROM api_tokens WHERE is_active = ? ORDER BY created_at`, true)
}

func (s *sqlStore) ListTokensByUser(ctx context.Context, userID string) ([]APIToken, error) {
	return s.listTokens(ctx,
		`SELECT `+tokenColumns+` FROM api_tokens WHERE user_id = ? ORDER BY created_at DESC`, userID)
}

func (s *sqlStore) TouchToken(ctx context.Context, id string, usedAt time.Time) error {
	_, err := s.exec(ctx, `UPDATE api_tokens SET last_used_at = ? WHERE id = ?`, usedAt.UTC(), id)
	return err
}

func (s *sqlStore) DeactivateToken(ctx context.Context, id, userID string) (bool, error) {
	return affected(s.exec(ctx,
		`UPDATE api_tokens SET is_active = ? WHERE id = ? AND user_id = ? AND is_active = ?`,
		false, id, userID, true))
}

// ResetImageCount zeroes the counter when the stored reset date is older than day.
func (s *sqlStore) ResetImageCount(ctx context.Context, id, day string) error {
	_, err := s.exec(ctx,
		`UPDATE api_tokens SET today_image_count = 0, last_reset_date = ?
		 WHERE id = ? AND (last_reset_date IS NULL OR last_reset_date < ?)`,
		day, id, day)
	return err
}

// IncrementImageCount bumps the counter only while it is below the daily limit.
func (s *sqlStore) IncrementImageCount(ctx context.Context, id string) (bool, error) {
	return affected(s.exec(ctx,
		`UPDATE api_tokens SET today_image_count = today_image_count + 1
		 WHERE id = ? AND today_image_count < daily_image_limit`, id))
}

// --- Image tasks ---

const taskColumns = `id, prompt, size, quality, style, status, image_data, image_url, revised_prompt,
	error_message, email, user_id, job_id, created_at, updated_at, completed_at, email_sent`

func scanTask(sc rowScanner) (*ImageTask, error) {
	var t ImageTask
	var size, quality, style sql.NullString
	var imageData, imageURL, revised, errMsg sql.NullString
	var email, userID, jobID sql.NullString
	var updatedAt, completedAt sql.NullTime
	var status string
	err := sc.Scan(&t.ID, &t.Prompt, &size, &quality, &style, &status, &imageData, &imageURL, &revised,
		&errMsg, &email, &userID, &jobID, &t.CreatedAt, &updatedAt, &completedAt, &t.EmailSent)
	if err != nil {
		return nil, err
	}
	t.Size, t.Quality, t.Style = size.String, quality.String, style.String
	t.Status = TaskStatus(status)
	t.ImageData, t.ImageURL, t.RevisedPrompt, t.ErrorMessage = imageData.String, imageURL.String, revised.String, errMsg.String
	t.Email, t.UserID, t.JobID = email.String, userID.String, jobID.String
	t.UpdatedAt = timePtr(updatedAt)
	t.CompletedAt = timePtr(completedAt)
	return &t, nil
}

func (s *sqlStore) listTasks(ctx context.Context, query string, args ...any) ([]ImageTask, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ImageTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *sqlStore) CreateImageTask(ctx context.Context, task *ImageTask) error {
	_, err := s.exec(ctx,
		`INSERT INTO image_tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Prompt, nullString(task.Size), nullString(task.Quality), nullString(task.Style),
		string(task.Status), nullString(task.ImageData), nullString(task.ImageURL), nullString(task.RevisedPrompt),
		nullString(task.ErrorMessage), nullString(task.Email), nullString(task.UserID), nullString(task.JobID),
		task.CreatedAt.UTC(), nullTime(task.UpdatedAt), nullTime(task.CompletedAt), task.EmailSent,
	)
	return err
}

func (s *sqlStore) GetImageTask(ctx context.Context, id string) (*ImageTask, error) {
	t, err := scanTask(s.queryRow(ctx, `SELECT `+taskColumns+` FROM image_tasks WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// TransitionImageTask applies t only when the task is in a state that may
// move to t.To. It reports whether the row changed.
func (s *sqlStore) TransitionImageTask(ctx context.Context, id string, t TaskTransition) (bool, error) {
	from := AllowedFrom(t.To)
	if len(from) == 0 {
		return false, fmt.Errorf("no transition into %q", t.To)
	}

	var (
		set  string
		args []any
	)
	at := t.At.UTC()
	switch t.To {
	case TaskProcessing:
		set = `status = ?, job_id = COALESCE(?, job_id), updated_at = ?`
		args = []any{string(t.To), nullString(t.JobID), at}
	case TaskCompleted:
		set = `status = ?, image_data = ?, image_url = ?, revised_prompt = ?, error_message = NULL,
			updated_at = ?, completed_at = ?`
		args = []any{string(t.To), nullString(t.ImageData), nullString(t.ImageURL), nullString(t.RevisedPrompt), at, at}
	case TaskFailed:
		set = `status = ?, error_message = ?, image_data = NULL, image_url = NULL, updated_at = ?`
		args = []any{string(t.To), t.ErrorMessage, at}
	case TaskCancelled:
		set = `status = ?, updated_at = ?`
		args = []any{string(t.To), at}
	}

	args = append(args, id)
	for _, st := range from {
		args = append(args, string(st))
	}
	return affected(s.exec(ctx,
		`UPDATE image_tasks SET `+set+` WHERE id = ? AND status IN (`+placeholders(len(from))+`)`, args...))
}

func (s *sqlStore) MarkImageTaskEmailSent(ctx context.Context, id string, at time.Time) error {
	_, err := s.exec(ctx, `UPDATE image_tasks SET email_sent = ?, updated_at = ? WHERE id = ?`, true, at.UTC(), id)
	return err
}

func (s *sqlStore) ListImageTasksByStatus(ctx context.Context, status TaskStatus) ([]ImageTask, error) {
	return s.listTasks(ctx,
		`SELECT `+taskColumns+` FROM image_tasks WHERE status = ? ORDER BY created_at`, string(status))
}

func (s *sqlStore) ListImageTasksByUser(ctx context.Context, userID string, limit int) ([]ImageTask, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.listTasks(ctx,
		`SELECT `+taskColumns+` FROM image_tasks WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit)
}

// --- Devices ---

const deviceColumns = `id, mac_address, owner_user_id, status, metadata, created_at, updated_at, last_seen_at`

func scanDevice(sc rowScanner) (*Device, error) {
	var (
		d                   Device
		owner, metadata     sql.NullString
		updatedAt, lastSeen sql.NullTime
		status              int
	)
	if err := sc.Scan(&d.ID, &d.MACAddress, &owner, &status, &metadata, &d.CreatedAt, &updatedAt, &lastSeen); err != nil {
		return nil, err
	}
	d.OwnerUserID = owner.String
	d.Metadata = metadata.String
	d.Status = DeviceStatus(status)
	d.UpdatedAt = timePtr(updatedAt)
	d.LastSeenAt = timePtr(lastSeen)
	return &d, nil
}

func (s *sqlStore) CreateDevice(ctx context.Context, d *Device) error {
	_, err := s.exec(ctx,
		`INSERT INTO devices (`+deviceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.MACAddress, nullString(d.OwnerUserID), int(d.Status), nullString(d.Metadata),
		d.CreatedAt.UTC(), nullTime(d.UpdatedAt), nullTime(d.LastSeenAt),
	)
	return err
}

func (s *sqlStore) GetDevice(ctx context.Context, id string) (*Device, error) {
	d, err := scanDevice(s.queryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

func (s *sqlStore) GetDeviceByMAC(ctx context.Context, mac string) (*Device, error) {
	d, err := scanDevice(s.queryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE mac_address = ?`, mac))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

// UpdateDeviceRegistration writes owner, status, metadata and timestamps.
func (s *sqlStore) UpdateDeviceRegistration(ctx context.Context, d *Device) error {
	_, err := s.exec(ctx,
		`UPDATE devices SET owner_user_id = ?, status = ?, metadata = ?, updated_at = ?, last_seen_at = ? WHERE id = ?`,
		nullString(d.OwnerUserID), int(d.Status), nullString(d.Metadata), nullTime(d.UpdatedAt), nullTime(d.LastSeenAt), d.ID,
	)
	return err
}

func (s *sqlStore) SetDeviceStatus(ctx context.Context, id string, status DeviceStatus, at time.Time) error {
	_, err := s.exec(ctx,
		`UPDATE devices SET status = ?, last_seen_at = ?, updated_at = ? WHERE id = ?`,
		int(status), at.UTC(), at.UTC(), id)
	return err
}

func (s *sqlStore) TouchDevice(ctx context.Context, id string, at time.Time) error {
	_, err := s.exec(ctx, `UPDATE devices SET last_seen_at = ?, updated_at = ? WHERE id = ?`, at.UTC(), at.UTC(), id)
	return err
}

func (s *sqlStore) ListDevicesByOwner(ctx context.Context, userID string) ([]Device, error) {
	rows, err := s.query(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE owner_user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// DeleteDevice removes an owned device together with its connection rows.
func (s *sqlStore) DeleteDevice(ctx context.Context, id, ownerID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM devices WHERE id = ? AND owner_user_id = ?`), id, ownerID)
	ok, err := affected(res, err)
	if err != nil || !ok {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM device_connections WHERE device_id = ?`), id); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// --- Device connections ---

const connColumns = `connection_id, device_id, user_id, connected_at, last_heartbeat_at`

func scanConn(sc rowScanner) (*DeviceConnection, error) {
	var (
		c         DeviceConnection
		userID    sql.NullString
		heartbeat sql.NullTime
	)
	if err := sc.Scan(&c.ConnectionID, &c.DeviceID, &userID, &c.ConnectedAt, &heartbeat); err != nil {
		return nil, err
	}
	c.UserID = userID.String
	c.LastHeartbeatAt = timePtr(heartbeat)
	return &c, nil
}

func (s *sqlStore) UpsertDeviceConnection(ctx context.Context, c *DeviceConnection) error {
	_, err := s.exec(ctx,
		`INSERT INTO device_connections (`+connColumns+`) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(connection_id) DO UPDATE SET
			device_id = excluded.device_id,
			user_id = excluded.user_id,
			last_heartbeat_at = excluded.last_heartbeat_at`,
		c.ConnectionID, c.DeviceID, nullString(c.UserID), c.ConnectedAt.UTC(), nullTime(c.LastHeartbeatAt),
	)
	return err
}

func (s *sqlStore) GetDeviceConnection(ctx context.Context, connID string) (*DeviceConnection, error) {
	c, err := scanConn(s.queryRow(ctx, `SELECT `+connColumns+` FROM device_connections WHERE connection_id = ?`, connID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func (s *sqlStore) TouchDeviceConnection(ctx context.Context, connID string, at time.Time) (bool, error) {
	return affected(s.exec(ctx,
		`UPDATE device_connections SET last_heartbeat_at = ? WHERE connection_id = ?`, at.UTC(), connID))
}

func (s *sqlStore) DeleteDeviceConnection(ctx context.Context, connID string) (bool, error) {
	return affected(s.exec(ctx, `DELETE FROM device_connections WHERE connection_id = ?`, connID))
}

func (s *sqlStore) ListDeviceConnections(ctx context.Context, deviceID string) ([]DeviceConnection, error) {
	rows, err := s.query(ctx,
		`SELECT `+connColumns+` FROM device_connections WHERE device_id = ? ORDER BY connected_at`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeviceConnection
	for rows.Next() {
		c, err := scanConn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *sqlStore) CountDeviceConnections(ctx context.Context, deviceID string) (int, error) {
	var n int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM device_connections WHERE device_id = ?`, deviceID).Scan(&n)
	return n, err
}

// ResetDeviceConnections drops every connection row and marks the affected
// devices Offline. Used at startup, when no transport session can be live.
func (s *sqlStore) ResetDeviceConnections(ctx context.Context, at time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.rebind(
		`UPDATE devices SET status = ?, updated_at = ?
		 WHERE id IN (SELECT device_id FROM device_connections)`), int(DeviceOffline), at.UTC()); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM device_connections`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

// --- Audit ---

func (s *sqlStore) LogAuditEvent(ctx context.Context, e *AuditEvent) error {
	detail := string(e.Detail)
	if detail == "" {
		detail = "{}"
	}
	_, err := s.exec(ctx,
		`INSERT INTO audit_events (id, action, user_id, target_id, detail, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Action, e.UserID, e.TargetID, detail, e.CreatedAt.UTC(),
	)
	return err
}

func (s *sqlStore) ListAuditEvents(ctx context.Context, f AuditFilter) ([]AuditEvent, error) {
	query := `SELECT id, action, user_id, target_id, detail, created_at FROM audit_events WHERE 1=1`
	var args []any
	if f.Action != "" {
		query += ` AND action = ?`
		args = append(args, f.Action)
	}
	if f.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEvent
	for rows.Next() {
		var (
			e      AuditEvent
			detail string
		)
		if err := rows.Scan(&e.ID, &e.Action, &e.UserID, &e.TargetID, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Detail = []byte(detail)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqlStore) PurgeAuditEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM audit_events WHERE created_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
