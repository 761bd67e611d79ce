package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fx-cost-desk/internal/rates"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("storage: not found")
)

const (
	insertRateSQL = `INSERT INTO usdt_ngn_rates (rate, source) VALUES ($1, $2);`

	latestRateSQL = `SELECT id, rate::text, source, created_at
    FROM usdt_ngn_rates
    ORDER BY created_at DESC, id DESC
    LIMIT 1;`

	insertMarginSQL = `INSERT INTO margin_settings (usd_margin, other_currencies_margin) VALUES ($1, $2);`

	latestMarginSQL = `SELECT id, usd_margin::text, other_currencies_margin::text, created_at
    FROM margin_settings
    ORDER BY created_at DESC, id DESC
    LIMIT 1;`

	upsertCurrencyRateSQL = `INSERT INTO currency_rates (
        currency_code,
        rate,
        is_active,
        source,
        updated_at
    ) VALUES (
        $1,$2,TRUE,$3,NOW()
    )
    ON CONFLICT (currency_code) DO UPDATE
    SET
        rate       = EXCLUDED.rate,
        is_active  = TRUE,
        source     = EXCLUDED.source,
        updated_at = EXCLUDED.updated_at;`

	listActiveCurrencyRatesSQL = `SELECT currency_code, rate::text, is_active, source, updated_at
    FROM currency_rates
    WHERE is_active
    ORDER BY currency_code;`

	insertSnapshotSQL = `INSERT INTO historical_rates (
        usdt_ngn_rate,
        margin_usd,
        margin_others,
        reference_rates,
        cost_prices,
        source,
        recorded_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    );`

	snapshotColumns = `usdt_ngn_rate::text,
        margin_usd::text,
        margin_others::text,
        reference_rates,
        cost_prices,
        source,
        recorded_at`

	listRecentSnapshotsSQL = `SELECT ` + snapshotColumns + `
    FROM historical_rates
    ORDER BY recorded_at DESC
    LIMIT $1;`

	listSnapshotsBetweenSQL = `SELECT ` + snapshotColumns + `
    FROM historical_rates
    WHERE recorded_at >= $1
      AND recorded_at < $2
    ORDER BY recorded_at;`

	insertNotificationSQL = `INSERT INTO notifications (
        id,
        user_id,
        title,
        description,
        type,
        read,
        created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (id) DO NOTHING;`

	listNotificationsSQL = `SELECT id::text, user_id, title, description, type, read, created_at
    FROM notifications
    WHERE user_id = $1
    ORDER BY created_at DESC
    LIMIT $2;`

	markNotificationReadSQL = `UPDATE notifications SET read = TRUE WHERE id = $1;`

	deleteNotificationsSQL = `DELETE FROM notifications WHERE user_id = $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`

	putValueSQL = `INSERT INTO app_state (key, value, expires_at, updated_at)
    VALUES ($1, $2, $3, NOW())
    ON CONFLICT (key) DO UPDATE SET
        value = EXCLUDED.value,
        expires_at = EXCLUDED.expires_at,
        updated_at = NOW();`

	getValueSQL = `SELECT value FROM app_state
    WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW());`
)

// RateStore persists USDT/NGN observations.
type RateStore interface {
	InsertRate(ctx context.Context, rate decimal.Decimal, source string) error
	LatestRate(ctx context.Context) (RateRecord, error)
}

// MarginStore persists margin settings.
type MarginStore interface {
	InsertMarginSettings(ctx context.Context, usd, other decimal.Decimal) error
	LatestMarginSettings(ctx context.Context) (MarginRecord, error)
}

// CurrencyRateStore keeps the last good reference rate per currency.
type CurrencyRateStore interface {
	UpsertCurrencyRates(ctx context.Context, ref rates.ReferenceRates, source string) error
	ListActiveCurrencyRates(ctx context.Context) ([]CurrencyRateRecord, error)
}

// SnapshotStore appends and reads historical snapshots.
type SnapshotStore interface {
	InsertHistoricalSnapshot(ctx context.Context, snap rates.HistoricalSnapshot) error
	ListRecentSnapshots(ctx context.Context, limit int) ([]rates.HistoricalSnapshot, error)
	ListSnapshotsBetween(ctx context.Context, from, to time.Time) ([]rates.HistoricalSnapshot, error)
}

// ValueStore keeps small keyed values that expire.
type ValueStore interface {
	PutValue(ctx context.Context, key, value string, expiresAt time.Time) error
	GetValue(ctx context.Context, key string) (string, error)
}

// NotificationStore persists session notifications.
type NotificationStore interface {
	InsertNotification(ctx context.Context, rec NotificationRecord) error
	ListNotifications(ctx context.Context, userID string, limit int) ([]NotificationRecord, error)
	MarkNotificationRead(ctx context.Context, id string) error
	DeleteNotifications(ctx context.Context, userID string) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Repository is everything the service persists.
type Repository interface {
	RateStore
	MarginStore
	CurrencyRateStore
	SnapshotStore
	ValueStore
}

// Store is the pgx-backed implementation of every store interface.
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, logger: zerolog.Nop()}
}

// SetLogger attaches the logger used for failures that have no caller to return to.
func (s *Store) SetLogger(logger zerolog.Logger) {
	s.logger = logger.With().Str("component", "storage").Logger()
}

// Pool exposes the underlying pool for the realtime listener and migrations.
func (s *Store) Pool() *pgxpool.Pool {
	if s == nil {
		return nil
	}
	return s.pool
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		releaseAdvisoryLock(conn, key, s.logger)
	}
	return unlock, true, nil
}

// lockConn is the part of a pooled connection an advisory lock holds on to.
type lockConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Release()
}

func releaseAdvisoryLock(conn lockConn, key int64, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := conn.Exec(ctx, advisoryUnlockSQL, key); err != nil {
		logger.Error().Err(err).Int64("key", key).Msg("advisory unlock failed")
	}
	conn.Release()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertRate appends a USDT/NGN observation.
func (s *Store) InsertRate(ctx context.Context, rate decimal.Decimal, source string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, insertRateSQL, rate.String(), source); err != nil {
		return fmt.Errorf("insert rate: %w", err)
	}
	return nil
}

// LatestRate returns the newest USDT/NGN observation.
func (s *Store) LatestRate(ctx context.Context) (RateRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return RateRecord{}, err
	}

	var (
		rec     RateRecord
		rateStr string
	)
	if err := pool.QueryRow(ctx, latestRateSQL).Scan(&rec.ID, &rateStr, &rec.Source, &rec.CreatedAt); err != nil {
		return RateRecord{}, notFound("latest rate", err)
	}
	if rec.Rate, err = decimal.NewFromString(rateStr); err != nil {
		return RateRecord{}, fmt.Errorf("parse rate: %w", err)
	}
	return rec, nil
}

// InsertMarginSettings appends a margin row; the newest row is current.
func (s *Store) InsertMarginSettings(ctx context.Context, usd, other decimal.Decimal) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, insertMarginSQL, usd.String(), other.String()); err != nil {
		return fmt.Errorf("insert margin settings: %w", err)
	}
	return nil
}

// LatestMarginSettings returns the current margin row.
func (s *Store) LatestMarginSettings(ctx context.Context) (MarginRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return MarginRecord{}, err
	}

	var (
		rec         MarginRecord
		usd, others string
	)
	if err := pool.QueryRow(ctx, latestMarginSQL).Scan(&rec.ID, &usd, &others, &rec.CreatedAt); err != nil {
		return MarginRecord{}, notFound("latest margin settings", err)
	}
	if rec.USDMargin, err = decimal.NewFromString(usd); err != nil {
		return MarginRecord{}, fmt.Errorf("parse usd margin: %w", err)
	}
	if rec.OtherCurrenciesMargin, err = decimal.NewFromString(others); err != nil {
		return MarginRecord{}, fmt.Errorf("parse other margin: %w", err)
	}
	return rec, nil
}

// PutValue upserts a keyed value. A zero expiresAt never expires.
func (s *Store) PutValue(ctx context.Context, key, value string, expiresAt time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	var expires *time.Time
	if !expiresAt.IsZero() {
		expires = &expiresAt
	}
	if _, err := pool.Exec(ctx, putValueSQL, key, value, expires); err != nil {
		return fmt.Errorf("put value %s: %w", key, err)
	}
	return nil
}

// GetValue returns a keyed value that has not expired.
func (s *Store) GetValue(ctx context.Context, key string) (string, error) {
	pool, err := s.getPool()
	if err != nil {
		return "", err
	}
	var value string
	if err := pool.QueryRow(ctx, getValueSQL, key).Scan(&value); err != nil {
		return "", notFound("value "+key, err)
	}
	return value, nil
}

// UpsertCurrencyRates stores each non-USD reference rate in one transaction.
func (s *Store) UpsertCurrencyRates(ctx context.Context, ref rates.ReferenceRates, source string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin currency rates tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for code, v := range ref {
		if code == rates.Base || !v.IsPositive() {
			continue
		}
		batch.Queue(upsertCurrencyRateSQL, code, v.String(), source)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert currency rates: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit currency rates: %w", err)
	}
	return nil
}

// ListActiveCurrencyRates returns every active reference rate.
func (s *Store) ListActiveCurrencyRates(ctx context.Context) ([]CurrencyRateRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listActiveCurrencyRatesSQL)
	if err != nil {
		return nil, fmt.Errorf("list currency rates: %w", err)
	}
	defer rows.Close()

	out := make([]CurrencyRateRecord, 0)
	for rows.Next() {
		var (
			rec     CurrencyRateRecord
			rateStr string
		)
		if err := rows.Scan(&rec.CurrencyCode, &rateStr, &rec.IsActive, &rec.Source, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		if rec.Rate, err = decimal.NewFromString(rateStr); err != nil {
			return nil, fmt.Errorf("parse currency rate %s: %w", rec.CurrencyCode, err)
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// InsertHistoricalSnapshot appends an immutable snapshot.
func (s *Store) InsertHistoricalSnapshot(ctx context.Context, snap rates.HistoricalSnapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	refJSON, err := json.Marshal(snap.ReferenceRates)
	if err != nil {
		return fmt.Errorf("marshal reference rates: %w", err)
	}
	costJSON, err := json.Marshal(snap.CostPrices)
	if err != nil {
		return fmt.Errorf("marshal cost prices: %w", err)
	}

	recorded := snap.Timestamp
	if recorded.IsZero() {
		recorded = time.Now().UTC()
	}

	if _, err := pool.Exec(ctx, insertSnapshotSQL,
		snap.USDTNGNRate.String(),
		snap.USDMargin.String(),
		snap.OtherCurrenciesMargin.String(),
		refJSON,
		costJSON,
		string(snap.Source),
		recorded,
	); err != nil {
		return fmt.Errorf("insert historical snapshot: %w", err)
	}
	return nil
}

// ListRecentSnapshots lists the newest snapshots first.
func (s *Store) ListRecentSnapshots(ctx context.Context, limit int) ([]rates.HistoricalSnapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listRecentSnapshotsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent snapshots: %w", err)
	}
	defer rows.Close()
	return collectSnapshots(rows, limit)
}

// ListSnapshotsBetween lists snapshots within [from, to) in time order.
func (s *Store) ListSnapshotsBetween(ctx context.Context, from, to time.Time) ([]rates.HistoricalSnapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listSnapshotsBetweenSQL, from, to)
	if err != nil {
		return nil, fmt.Errorf("list snapshots between: %w", err)
	}
	defer rows.Close()
	return collectSnapshots(rows, 0)
}

// InsertNotification stores a notification; a duplicate id is ignored.
func (s *Store) InsertNotification(ctx context.Context, rec NotificationRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var desc interface{}
	if rec.Description != nil {
		desc = *rec.Description
	}
	if _, err := pool.Exec(ctx, insertNotificationSQL,
		rec.ID,
		rec.UserID,
		rec.Title,
		desc,
		rec.Type,
		rec.Read,
		rec.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// ListNotifications lists a user's notifications, newest first.
func (s *Store) ListNotifications(ctx context.Context, userID string, limit int) ([]NotificationRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listNotificationsSQL, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	out := make([]NotificationRecord, 0, limit)
	for rows.Next() {
		var rec NotificationRecord
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Title, &rec.Description, &rec.Type, &rec.Read, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// MarkNotificationRead flags one notification as read.
func (s *Store) MarkNotificationRead(ctx context.Context, id string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, markNotificationReadSQL, id)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteNotifications removes every notification owned by userID.
func (s *Store) DeleteNotifications(ctx context.Context, userID string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, deleteNotificationsSQL, userID); err != nil {
		return fmt.Errorf("delete notifications: %w", err)
	}
	return nil
}

func collectSnapshots(rows pgx.Rows, capHint int) ([]rates.HistoricalSnapshot, error) {
	out := make([]rates.HistoricalSnapshot, 0, capHint)
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func scanSnapshot(rows pgx.Rows) (rates.HistoricalSnapshot, error) {
	var (
		rateStr, usdStr, othersStr string
		refJSON, costJSON          []byte
		source                     string
		recorded                   time.Time
	)
	if err := rows.Scan(&rateStr, &usdStr, &othersStr, &refJSON, &costJSON, &source, &recorded); err != nil {
		return rates.HistoricalSnapshot{}, err
	}

	snap := rates.HistoricalSnapshot{Source: rates.SnapshotSource(source), Timestamp: recorded}
	var err error
	if snap.USDTNGNRate, err = decimal.NewFromString(rateStr); err != nil {
		return rates.HistoricalSnapshot{}, fmt.Errorf("parse snapshot rate: %w", err)
	}
	if snap.USDMargin, err = decimal.NewFromString(usdStr); err != nil {
		return rates.HistoricalSnapshot{}, fmt.Errorf("parse snapshot usd margin: %w", err)
	}
	if snap.OtherCurrenciesMargin, err = decimal.NewFromString(othersStr); err != nil {
		return rates.HistoricalSnapshot{}, fmt.Errorf("parse snapshot other margin: %w", err)
	}
	if len(refJSON) > 0 {
		if err := json.Unmarshal(refJSON, &snap.ReferenceRates); err != nil {
			return rates.HistoricalSnapshot{}, fmt.Errorf("decode reference rates: %w", err)
		}
	}
	if len(costJSON) > 0 {
		if err := json.Unmarshal(costJSON, &snap.CostPrices); err != nil {
			return rates.HistoricalSnapshot{}, fmt.Errorf("decode cost prices: %w", err)
		}
	}
	return snap, nil
}

func notFound(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

var (
	_ Repository        = (*Store)(nil)
	_ NotificationStore = (*Store)(nil)
	_ AdvisoryLocker    = (*Store)(nil)
)
