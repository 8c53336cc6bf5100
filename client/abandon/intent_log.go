package abandon

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/TNZtims/bazaar-pos-sub001/models"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - release_intents, cart_state, meta
const currentSchemaVersion = 1

// Pending is a cart that was not cleared on purpose.
type Pending struct {
	StoreID string
	ActorID string
	Lines   []models.CartLine
}

// IntentLog is the durable record of cart lines that still need releasing.
// It is written before any release is attempted so a crash at any point
// leaves a log the next start can replay.
type IntentLog struct {
	db  *sql.DB
	now func() time.Time
}

// OpenIntentLog creates or opens the log at path.
func OpenIntentLog(path string) (*IntentLog, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open intent log: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to intent log: %w", err)
	}

	// SQLite has a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &IntentLog{db: db, now: time.Now}, nil
}

func (l *IntentLog) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < currentSchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}
	return nil
}

// Checkpoint replaces the logged lines of the actor's cart with lines and
// marks the cart as live.
func (l *IntentLog) Checkpoint(ctx context.Context, storeID, actorID string, lines []models.CartLine) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin checkpoint: %w", err)
	}
	defer tx.Rollback()

	now := l.now().UnixMilli()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM release_intents WHERE store_id = ? AND actor_id = ?`,
		storeID, actorID,
	); err != nil {
		return fmt.Errorf("clear intents: %w", err)
	}
	for _, line := range lines {
		if line.Quantity <= 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO release_intents (store_id, actor_id, product_id, quantity, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (store_id, actor_id, product_id)
			DO UPDATE SET quantity = quantity + excluded.quantity, updated_at = excluded.updated_at
		`, storeID, actorID, line.ProductID, line.Quantity, now); err != nil {
			return fmt.Errorf("write intent %s: %w", line.ProductID, err)
		}
	}
	if err := setCleared(ctx, tx, storeID, actorID, false, now); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkCleared records that the cart was emptied on purpose and forgets its
// lines.
func (l *IntentLog) MarkCleared(ctx context.Context, storeID, actorID string) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mark cleared: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM release_intents WHERE store_id = ? AND actor_id = ?`,
		storeID, actorID,
	); err != nil {
		return fmt.Errorf("clear intents: %w", err)
	}
	if err := setCleared(ctx, tx, storeID, actorID, true, l.now().UnixMilli()); err != nil {
		return err
	}
	return tx.Commit()
}

func setCleared(ctx context.Context, tx *sql.Tx, storeID, actorID string, cleared bool, now int64) error {
	flag := 0
	if cleared {
		flag = 1
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO cart_state (store_id, actor_id, cleared, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (store_id, actor_id)
		DO UPDATE SET cleared = excluded.cleared, updated_at = excluded.updated_at
	`, storeID, actorID, flag, now)
	if err != nil {
		return fmt.Errorf("write cart state: %w", err)
	}
	return nil
}

// Cleared reports whether the actor's cart was last emptied on purpose.
func (l *IntentLog) Cleared(ctx context.Context, storeID, actorID string) (bool, error) {
	var flag int
	err := l.db.QueryRowContext(ctx,
		`SELECT cleared FROM cart_state WHERE store_id = ? AND actor_id = ?`,
		storeID, actorID,
	).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read cart state: %w", err)
	}
	return flag == 1, nil
}

// Pending returns the logged lines of one actor's cart.
func (l *IntentLog) Pending(ctx context.Context, storeID, actorID string) ([]models.CartLine, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT product_id, quantity FROM release_intents
		WHERE store_id = ? AND actor_id = ?
		ORDER BY product_id
	`, storeID, actorID)
	if err != nil {
		return nil, fmt.Errorf("query intents: %w", err)
	}
	defer rows.Close()

	var lines []models.CartLine
	for rows.Next() {
		var line models.CartLine
		if err := rows.Scan(&line.ProductID, &line.Quantity); err != nil {
			return nil, fmt.Errorf("scan intent: %w", err)
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// PendingAll returns every cart with logged lines that was not cleared on
// purpose.
func (l *IntentLog) PendingAll(ctx context.Context) ([]Pending, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT r.store_id, r.actor_id, r.product_id, r.quantity
		FROM release_intents r
		LEFT JOIN cart_state c ON c.store_id = r.store_id AND c.actor_id = r.actor_id
		WHERE COALESCE(c.cleared, 0) = 0
		ORDER BY r.store_id, r.actor_id, r.product_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query intents: %w", err)
	}
	defer rows.Close()

	var out []Pending
	for rows.Next() {
		var storeID, actorID string
		var line models.CartLine
		if err := rows.Scan(&storeID, &actorID, &line.ProductID, &line.Quantity); err != nil {
			return nil, fmt.Errorf("scan intent: %w", err)
		}
		if n := len(out); n == 0 || out[n-1].StoreID != storeID || out[n-1].ActorID != actorID {
			out = append(out, Pending{StoreID: storeID, ActorID: actorID})
		}
		out[len(out)-1].Lines = append(out[len(out)-1].Lines, line)
	}
	return out, rows.Err()
}

// Clear forgets the lines of one product, or of the whole cart when
// productID is empty, after they were released.
func (l *IntentLog) Clear(ctx context.Context, storeID, actorID, productID string) error {
	query := `DELETE FROM release_intents WHERE store_id = ? AND actor_id = ?`
	args := []any{storeID, actorID}
	if productID != "" {
		query += ` AND product_id = ?`
		args = append(args, productID)
	}
	if _, err := l.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("clear intents: %w", err)
	}
	return nil
}

// SessionID returns the anonymous session id stored in the log, creating
// one on first use. A replay after restart must act as the same visitor.
func (l *IntentLog) SessionID(ctx context.Context) (string, error) {
	var id string
	err := l.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'session_id'`).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("read session id: %w", err)
	}
	id = uuid.NewString()
	if _, err := l.db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES ('session_id', ?) ON CONFLICT (key) DO NOTHING`, id,
	); err != nil {
		return "", fmt.Errorf("write session id: %w", err)
	}
	// Another process may have won the insert.
	if err := l.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'session_id'`).Scan(&id); err != nil {
		return "", fmt.Errorf("read session id: %w", err)
	}
	return id, nil
}
