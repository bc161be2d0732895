package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"pricewatch/internal/model"
)

const (
	itemColumns = `id, user_id, name, lookup_key, shop_name, image_url,
        regular_price::text, initial_price::text, latest_price::text, threshold_price::text,
        flag_kind, flag_value::text, in_stock, latest_stock_count, priority,
        flag_reached, restock_notify, low_stock_threshold, active, created_at, updated_at`

	insertItemSQL = `INSERT INTO tracked_items (
        user_id, name, lookup_key, shop_name, image_url,
        regular_price, initial_price, latest_price, threshold_price,
        flag_kind, flag_value, in_stock, latest_stock_count, priority,
        flag_reached, restock_notify, low_stock_threshold, active
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,TRUE
    )
    RETURNING ` + itemColumns + `;`

	getItemSQL = `SELECT ` + itemColumns + ` FROM tracked_items WHERE id = $1;`

	listActiveItemsSQL = `SELECT ` + itemColumns + ` FROM tracked_items WHERE active ORDER BY id;`

	updateItemStateSQL = `UPDATE tracked_items
    SET latest_price       = $2,
        in_stock           = $3,
        latest_stock_count = $4,
        flag_reached       = $5,
        updated_at         = $6
    WHERE id = $1;`

	deactivateItemSQL = `UPDATE tracked_items SET active = FALSE, updated_at = NOW() WHERE id = $1;`

	appendObservationSQL = `INSERT INTO observations (item_id, price, stock_count, in_stock, captured_at)
    SELECT $1,$2,$3,$4,$5
    WHERE NOT EXISTS (
        SELECT 1 FROM observations WHERE item_id = $1 AND captured_at > $5
    );`

	latestObservationSQL = `SELECT id, item_id, price::text, stock_count, in_stock, captured_at
    FROM observations
    WHERE item_id = $1
    ORDER BY captured_at DESC, id DESC
    LIMIT 1;`

	observationsSinceSQL = `SELECT id, item_id, price::text, stock_count, in_stock, captured_at
    FROM observations
    WHERE item_id = $1
      AND captured_at >= $2
    ORDER BY captured_at, id;`

	observationSummarySQL = `SELECT COUNT(*), COALESCE(MIN(price), 0)::text FROM observations WHERE item_id = $1;`

	eventLockSQL = `SELECT pg_advisory_xact_lock($1);`

	eventWithinWindowSQL = `SELECT EXISTS (
        SELECT 1 FROM notification_events
        WHERE user_id = $1 AND item_id = $2 AND kind = $3 AND occurred_at > $4
    );`

	insertEventSQL = `INSERT INTO notification_events (
        user_id, item_id, kind, message, price, dedup_key, occurred_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (user_id, item_id, kind, dedup_key) DO NOTHING;`

	eventColumns = `id, user_id, item_id, kind, message, price::text, dedup_key, occurred_at, sent, sent_at`

	listUnsentEventsSQL = `SELECT ` + eventColumns + `
    FROM notification_events
    WHERE user_id = $1 AND NOT sent
    ORDER BY occurred_at, id;`

	listUsersWithUnsentSQL = `SELECT DISTINCT user_id FROM notification_events WHERE NOT sent ORDER BY user_id;`

	markEventsSentSQL = `UPDATE notification_events
    SET sent = TRUE, sent_at = $2
    WHERE id = ANY($1) AND NOT sent;`

	listRecentEventsSQL = `SELECT ` + eventColumns + `
    FROM notification_events
    ORDER BY occurred_at DESC, id DESC
    LIMIT $1;`

	deleteSentEventsBeforeSQL = `DELETE FROM notification_events WHERE sent AND occurred_at < $1;`

	ensurePreferenceSQL = `INSERT INTO notification_preferences (user_id, enabled, mode, hour, minute, destination)
    VALUES ($1,$2,$3,$4,$5,'')
    ON CONFLICT (user_id) DO NOTHING;`

	getPreferenceSQL = `SELECT user_id, enabled, mode, hour, minute, destination, last_digest_at, updated_at
    FROM notification_preferences
    WHERE user_id = $1;`

	upsertPreferenceSQL = `INSERT INTO notification_preferences (user_id, enabled, mode, hour, minute, destination, updated_at)
    VALUES ($1,$2,$3,$4,$5,$6,NOW())
    ON CONFLICT (user_id) DO UPDATE
    SET enabled     = EXCLUDED.enabled,
        mode        = EXCLUDED.mode,
        hour        = EXCLUDED.hour,
        minute      = EXCLUDED.minute,
        destination = EXCLUDED.destination,
        updated_at  = NOW();`

	recordDigestSQL = `UPDATE notification_preferences SET last_digest_at = $2 WHERE user_id = $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Store implements Repository on top of PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
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
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// CreateItem inserts a new tracked item.
func (s *Store) CreateItem(ctx context.Context, item model.TrackedItem) (model.TrackedItem, error) {
	pool, err := s.getPool()
	if err != nil {
		return model.TrackedItem{}, err
	}

	row := pool.QueryRow(ctx, insertItemSQL,
		item.UserID,
		item.Name,
		item.LookupKey,
		item.ShopName,
		item.ImageURL,
		nullableDecimal(item.RegularPrice),
		nullableDecimal(item.InitialPrice),
		nullableDecimal(item.LatestPrice),
		nullableDecimal(item.ThresholdPrice),
		string(item.FlagKind),
		nullableDecimal(item.FlagValue),
		item.InStock,
		nullableInt(item.LatestStockCount),
		string(item.Priority),
		item.FlagReached,
		item.RestockNotifyEnabled,
		item.EffectiveLowStockThreshold(),
	)
	created, err := scanItem(row)
	if err != nil {
		return model.TrackedItem{}, wrapErr("create item", err)
	}
	return created, nil
}

// GetItem loads an item by id, including deactivated ones.
func (s *Store) GetItem(ctx context.Context, id int64) (model.TrackedItem, error) {
	pool, err := s.getPool()
	if err != nil {
		return model.TrackedItem{}, err
	}
	item, err := scanItem(pool.QueryRow(ctx, getItemSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.TrackedItem{}, ErrNotFound
	}
	if err != nil {
		return model.TrackedItem{}, wrapErr("get item", err)
	}
	return item, nil
}

// ListActiveItems lists every item that has not been deactivated.
func (s *Store) ListActiveItems(ctx context.Context) ([]model.TrackedItem, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listActiveItemsSQL)
	if queryErr != nil {
		return nil, wrapErr("list active items", queryErr)
	}
	defer rows.Close()

	items := make([]model.TrackedItem, 0)
	for rows.Next() {
		item, scanErr := scanItem(rows)
		if scanErr != nil {
			return nil, wrapErr("scan item", scanErr)
		}
		items = append(items, item)
	}
	if rows.Err() != nil {
		return nil, wrapErr("list active items", rows.Err())
	}
	return items, nil
}

// UpdateItemState rewrites the polled fields of an item.
func (s *Store) UpdateItemState(ctx context.Context, id int64, state model.ItemState) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, updateItemStateSQL,
		id,
		state.LatestPrice.String(),
		state.InStock,
		nullableInt(state.LatestStockCount),
		state.FlagReached,
		state.UpdatedAt,
	)
	if execErr != nil {
		return wrapErr("update item state", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateItem soft-deletes an item; its history stays in place.
func (s *Store) DeactivateItem(ctx context.Context, id int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, deactivateItemSQL, id)
	if execErr != nil {
		return wrapErr("deactivate item", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendObservation inserts a reading unless a later one already exists.
func (s *Store) AppendObservation(ctx context.Context, obs model.Observation) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, appendObservationSQL,
		obs.ItemID,
		obs.Price.String(),
		nullableInt(obs.StockCount),
		obs.InStock,
		obs.CapturedAt,
	)
	if execErr != nil {
		return wrapErr("append observation", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return wrapErr("append observation", ErrOutOfOrder)
	}
	return nil
}

// LatestObservation returns the newest reading, or nil when none exist.
func (s *Store) LatestObservation(ctx context.Context, itemID int64) (*model.Observation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	obs, err := scanObservation(pool.QueryRow(ctx, latestObservationSQL, itemID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("latest observation", err)
	}
	return &obs, nil
}

// ObservationsSince lists readings captured at or after since, oldest first.
func (s *Store) ObservationsSince(ctx context.Context, itemID int64, since time.Time) ([]model.Observation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, observationsSinceSQL, itemID, since)
	if queryErr != nil {
		return nil, wrapErr("observations since", queryErr)
	}
	defer rows.Close()

	out := make([]model.Observation, 0)
	for rows.Next() {
		obs, scanErr := scanObservation(rows)
		if scanErr != nil {
			return nil, wrapErr("scan observation", scanErr)
		}
		out = append(out, obs)
	}
	if rows.Err() != nil {
		return nil, wrapErr("observations since", rows.Err())
	}
	return out, nil
}

// ObservationSummary counts readings and reports the lowest price seen.
func (s *Store) ObservationSummary(ctx context.Context, itemID int64) (model.HistorySummary, error) {
	pool, err := s.getPool()
	if err != nil {
		return model.HistorySummary{}, err
	}
	var (
		count  int64
		lowStr string
	)
	if scanErr := pool.QueryRow(ctx, observationSummarySQL, itemID).Scan(&count, &lowStr); scanErr != nil {
		return model.HistorySummary{}, wrapErr("observation summary", scanErr)
	}
	low, convErr := decimal.NewFromString(lowStr)
	if convErr != nil {
		return model.HistorySummary{}, fmt.Errorf("parse low price: %w", convErr)
	}
	return model.HistorySummary{Count: int(count), Low: low}, nil
}

// InsertEventIfAbsent admits an event under a transaction-scoped advisory
// lock keyed by (user, item, kind), so the window check and the insert
// cannot interleave with a concurrent admission.
func (s *Store) InsertEventIfAbsent(ctx context.Context, ev model.NotificationEvent, since *time.Time) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return false, wrapErr("begin admission", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	key := LockKey(strconv.FormatInt(ev.UserID, 10), strconv.FormatInt(ev.ItemID, 10), string(ev.Kind))
	if _, err := tx.Exec(ctx, eventLockSQL, key); err != nil {
		return false, wrapErr("lock admission", err)
	}

	if since != nil {
		var exists bool
		if err := tx.QueryRow(ctx, eventWithinWindowSQL, ev.UserID, ev.ItemID, string(ev.Kind), *since).Scan(&exists); err != nil {
			return false, wrapErr("check dedup window", err)
		}
		if exists {
			return false, nil
		}
	}

	cmdTag, err := tx.Exec(ctx, insertEventSQL,
		ev.UserID,
		ev.ItemID,
		string(ev.Kind),
		ev.Message,
		ev.Price.String(),
		ev.DedupKey,
		ev.OccurredAt,
	)
	if err != nil {
		return false, wrapErr("insert event", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, wrapErr("commit admission", err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

// ListUnsentEvents returns a user's pending events, oldest first.
func (s *Store) ListUnsentEvents(ctx context.Context, userID int64) ([]model.NotificationEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listUnsentEventsSQL, userID)
	if queryErr != nil {
		return nil, wrapErr("list unsent events", queryErr)
	}
	return collectEvents(rows)
}

// ListUsersWithUnsentEvents lists users that have at least one pending event.
func (s *Store) ListUsersWithUnsentEvents(ctx context.Context) ([]int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listUsersWithUnsentSQL)
	if queryErr != nil {
		return nil, wrapErr("list users with unsent events", queryErr)
	}
	defer rows.Close()

	users := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, wrapErr("scan user id", err)
		}
		users = append(users, id)
	}
	if rows.Err() != nil {
		return nil, wrapErr("list users with unsent events", rows.Err())
	}
	return users, nil
}

// MarkEventsSent flags exactly the given events as delivered.
func (s *Store) MarkEventsSent(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, markEventsSentSQL, ids, at); execErr != nil {
		return wrapErr("mark events sent", execErr)
	}
	return nil
}

// ListRecentEvents lists the newest journal entries.
func (s *Store) ListRecentEvents(ctx context.Context, limit int) ([]model.NotificationEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listRecentEventsSQL, limit)
	if queryErr != nil {
		return nil, wrapErr("list recent events", queryErr)
	}
	return collectEvents(rows)
}

// DeleteSentEventsBefore prunes delivered events older than the cutoff.
func (s *Store) DeleteSentEventsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	cmdTag, execErr := pool.Exec(ctx, deleteSentEventsBeforeSQL, olderThan)
	if execErr != nil {
		return 0, wrapErr("delete sent events", execErr)
	}
	return cmdTag.RowsAffected(), nil
}

// GetPreference returns a user's settings, creating the defaults on first access.
func (s *Store) GetPreference(ctx context.Context, userID int64) (model.Preference, error) {
	pool, err := s.getPool()
	if err != nil {
		return model.Preference{}, err
	}

	def := model.DefaultPreference(userID)
	if _, execErr := pool.Exec(ctx, ensurePreferenceSQL, userID, def.Enabled, string(def.Mode), def.Hour, def.Minute); execErr != nil {
		return model.Preference{}, wrapErr("ensure preference", execErr)
	}

	var (
		pref       model.Preference
		mode       string
		lastDigest sql.NullTime
	)
	if scanErr := pool.QueryRow(ctx, getPreferenceSQL, userID).Scan(
		&pref.UserID,
		&pref.Enabled,
		&mode,
		&pref.Hour,
		&pref.Minute,
		&pref.Destination,
		&lastDigest,
		&pref.UpdatedAt,
	); scanErr != nil {
		return model.Preference{}, wrapErr("get preference", scanErr)
	}
	pref.Mode = model.DeliveryMode(mode)
	if lastDigest.Valid {
		at := lastDigest.Time
		pref.LastDigestAt = &at
	}
	return pref, nil
}

// UpsertPreference stores explicit user settings.
func (s *Store) UpsertPreference(ctx context.Context, pref model.Preference) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, upsertPreferenceSQL,
		pref.UserID,
		pref.Enabled,
		string(pref.Mode),
		pref.Hour,
		pref.Minute,
		pref.Destination,
	); execErr != nil {
		return wrapErr("upsert preference", execErr)
	}
	return nil
}

// RecordDigest remembers when the last digest went out to a user.
func (s *Store) RecordDigest(ctx context.Context, userID int64, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, recordDigestSQL, userID, at); execErr != nil {
		return wrapErr("record digest", execErr)
	}
	return nil
}

func collectEvents(rows pgx.Rows) ([]model.NotificationEvent, error) {
	defer rows.Close()

	events := make([]model.NotificationEvent, 0)
	for rows.Next() {
		var (
			ev       model.NotificationEvent
			kind     string
			priceStr string
			sentAt   sql.NullTime
		)
		if err := rows.Scan(
			&ev.ID,
			&ev.UserID,
			&ev.ItemID,
			&kind,
			&ev.Message,
			&priceStr,
			&ev.DedupKey,
			&ev.OccurredAt,
			&ev.Sent,
			&sentAt,
		); err != nil {
			return nil, wrapErr("scan event", err)
		}
		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			return nil, fmt.Errorf("parse event price: %w", err)
		}
		ev.Kind = model.EventKind(kind)
		ev.Price = price
		if sentAt.Valid {
			at := sentAt.Time
			ev.SentAt = &at
		}
		events = append(events, ev)
	}
	if rows.Err() != nil {
		return nil, wrapErr("list events", rows.Err())
	}
	return events, nil
}

func scanItem(row pgx.Row) (model.TrackedItem, error) {
	var (
		item                                model.TrackedItem
		regular, initial, latest, threshold sql.NullString
		flagValue                           sql.NullString
		flagKind, priority                  string
		stockCount                          sql.NullInt64
	)
	if err := row.Scan(
		&item.ID,
		&item.UserID,
		&item.Name,
		&item.LookupKey,
		&item.ShopName,
		&item.ImageURL,
		&regular,
		&initial,
		&latest,
		&threshold,
		&flagKind,
		&flagValue,
		&item.InStock,
		&stockCount,
		&priority,
		&item.FlagReached,
		&item.RestockNotifyEnabled,
		&item.LowStockThreshold,
		&item.Active,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return model.TrackedItem{}, err
	}

	var err error
	if item.RegularPrice, err = parseNullDecimal(regular); err != nil {
		return model.TrackedItem{}, fmt.Errorf("parse regular price: %w", err)
	}
	if item.InitialPrice, err = parseNullDecimal(initial); err != nil {
		return model.TrackedItem{}, fmt.Errorf("parse initial price: %w", err)
	}
	if item.LatestPrice, err = parseNullDecimal(latest); err != nil {
		return model.TrackedItem{}, fmt.Errorf("parse latest price: %w", err)
	}
	if item.ThresholdPrice, err = parseNullDecimal(threshold); err != nil {
		return model.TrackedItem{}, fmt.Errorf("parse threshold price: %w", err)
	}
	if item.FlagValue, err = parseNullDecimal(flagValue); err != nil {
		return model.TrackedItem{}, fmt.Errorf("parse flag value: %w", err)
	}
	item.FlagKind = model.FlagKind(flagKind)
	item.Priority = model.Priority(priority)
	if stockCount.Valid {
		v := int(stockCount.Int64)
		item.LatestStockCount = &v
	}
	return item, nil
}

func scanObservation(row pgx.Row) (model.Observation, error) {
	var (
		obs        model.Observation
		priceStr   string
		stockCount sql.NullInt64
	)
	if err := row.Scan(&obs.ID, &obs.ItemID, &priceStr, &stockCount, &obs.InStock, &obs.CapturedAt); err != nil {
		return model.Observation{}, err
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return model.Observation{}, fmt.Errorf("parse observation price: %w", err)
	}
	obs.Price = price
	if stockCount.Valid {
		v := int(stockCount.Int64)
		obs.StockCount = &v
	}
	return obs, nil
}

func parseNullDecimal(v sql.NullString) (*decimal.Decimal, error) {
	if !v.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(v.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func nullableDecimal(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}

func nullableInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

var (
	_ Repository     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
