// Package sqlite implements store.Store on a single SQLite database file.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"

	"github.com/cyp0633/davsync/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	sqlUpsertAccount = `INSERT INTO accounts
		(name, origin, username, calendar_base, contacts_base, principal_url,
		 calendar_home, contacts_home, display_name, endpoints_checked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
		 origin = excluded.origin,
		 username = excluded.username,
		 calendar_base = excluded.calendar_base,
		 contacts_base = excluded.contacts_base,
		 principal_url = excluded.principal_url,
		 calendar_home = excluded.calendar_home,
		 contacts_home = excluded.contacts_home,
		 display_name = excluded.display_name,
		 endpoints_checked_at = excluded.endpoints_checked_at
		RETURNING id`

	sqlSelectAccount = `SELECT id, name, origin, username, calendar_base,
		contacts_base, principal_url, calendar_home, contacts_home,
		display_name, endpoints_checked_at FROM accounts`

	sqlUpsertCollection = `INSERT INTO collections
		(account_id, service, url, display_name, description, color,
		 change_token, can_write, can_delete, native_id, sync_enabled,
		 mirror_enabled, unlisted, native_scanned_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, url) DO UPDATE SET
		 service = excluded.service,
		 display_name = excluded.display_name,
		 description = excluded.description,
		 color = excluded.color,
		 change_token = excluded.change_token,
		 can_write = excluded.can_write,
		 can_delete = excluded.can_delete,
		 native_id = excluded.native_id,
		 sync_enabled = excluded.sync_enabled,
		 mirror_enabled = excluded.mirror_enabled,
		 unlisted = excluded.unlisted,
		 native_scanned_at = excluded.native_scanned_at
		RETURNING id`

	sqlSelectCollection = `SELECT id, account_id, service, url, display_name,
		description, color, change_token, can_write, can_delete, native_id,
		sync_enabled, mirror_enabled, unlisted, native_scanned_at FROM collections`

	sqlUpsertItem = `INSERT INTO items
		(collection_id, uid, href, etag, body, dirty, deleted_at, native_id,
		 conflict, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(collection_id, uid) DO UPDATE SET
		 href = excluded.href,
		 etag = excluded.etag,
		 body = excluded.body,
		 dirty = excluded.dirty,
		 deleted_at = excluded.deleted_at,
		 native_id = excluded.native_id,
		 conflict = excluded.conflict,
		 updated_at = excluded.updated_at
		RETURNING id`

	sqlSelectItem = `SELECT i.id, i.collection_id, i.uid, i.href, i.etag,
		i.body, i.dirty, i.deleted_at, i.native_id, i.conflict, i.updated_at
		FROM items i`

	sqlPurgeItem = `DELETE FROM items WHERE id = ?`
)

// Store is the SQLite-backed store. It is the sole writer to its database.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies pending
// migrations.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
		path,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening database %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)

	if err := migrate(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("store opened", slog.String("db_path", path))

	return &Store{db: db, logger: logger, nowFunc: time.Now}, nil
}

func migrate(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("store: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("store: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Accounts

func (s *Store) SaveAccount(ctx context.Context, a *store.Account) error {
	err := s.db.QueryRowContext(ctx, sqlUpsertAccount,
		a.Name, a.Origin, a.Username,
		nullString(a.CalendarBase), nullString(a.ContactsBase),
		nullString(a.PrincipalURL), nullString(a.CalendarHome),
		nullString(a.ContactsHome), nullString(a.DisplayName),
		nullTime(a.EndpointsCheckedAt),
	).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("store: saving account %s: %w", a.Name, err)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id int64) (*store.Account, error) {
	return s.oneAccount(ctx, sqlSelectAccount+` WHERE id = ?`, id)
}

func (s *Store) GetAccountByName(ctx context.Context, name string) (*store.Account, error) {
	return s.oneAccount(ctx, sqlSelectAccount+` WHERE name = ?`, name)
}

func (s *Store) ListAccounts(ctx context.Context) ([]*store.Account, error) {
	rows, err := s.db.QueryContext(ctx, sqlSelectAccount+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: listing accounts: %w", err)
	}
	defer rows.Close()

	var out []*store.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating accounts: %w", err)
	}
	return out, nil
}

func (s *Store) oneAccount(ctx context.Context, query string, arg any) (*store.Account, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %v: %w", arg, store.ErrNotFound)
	}
	return a, err
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*store.Account, error) {
	var (
		a                                     store.Account
		calBase, cardBase, principal, calHome sql.NullString
		cardHome, displayName                 sql.NullString
		checkedAt                             sql.NullInt64
	)
	err := row.Scan(&a.ID, &a.Name, &a.Origin, &a.Username, &calBase, &cardBase,
		&principal, &calHome, &cardHome, &displayName, &checkedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store: scanning account: %w", err)
	}
	a.CalendarBase = calBase.String
	a.ContactsBase = cardBase.String
	a.PrincipalURL = principal.String
	a.CalendarHome = calHome.String
	a.ContactsHome = cardHome.String
	a.DisplayName = displayName.String
	a.EndpointsCheckedAt = fromNullTime(checkedAt)
	return &a, nil
}

// Collections

func (s *Store) SaveCollection(ctx context.Context, c *store.Collection) error {
	err := s.db.QueryRowContext(ctx, sqlUpsertCollection,
		c.AccountID, string(c.Service), c.URL,
		nullString(c.DisplayName), nullString(c.Description), nullString(c.Color),
		nullString(c.ChangeToken), c.CanWrite, c.CanDelete,
		nullString(c.NativeID), c.SyncEnabled, c.MirrorEnabled, c.Unlisted,
		nullTime(c.NativeScannedAt),
	).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("store: saving collection %s: %w", c.URL, classify(err))
	}
	return nil
}

func (s *Store) GetCollection(ctx context.Context, id int64) (*store.Collection, error) {
	c, err := scanCollection(s.db.QueryRowContext(ctx, sqlSelectCollection+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("collection %d: %w", id, store.ErrNotFound)
	}
	return c, err
}

func (s *Store) FindCollectionByNativeID(ctx context.Context, nativeID string) (*store.Collection, error) {
	c, err := scanCollection(s.db.QueryRowContext(ctx,
		sqlSelectCollection+` WHERE native_id = ? ORDER BY id LIMIT 1`, nativeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("collection with native id %s: %w", nativeID, store.ErrNotFound)
	}
	return c, err
}

func (s *Store) ListCollections(ctx context.Context, accountID int64) ([]*store.Collection, error) {
	rows, err := s.db.QueryContext(ctx, sqlSelectCollection+` WHERE account_id = ? ORDER BY id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("store: listing collections: %w", err)
	}
	defer rows.Close()

	var out []*store.Collection
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating collections: %w", err)
	}
	return out, nil
}

func scanCollection(row scanner) (*store.Collection, error) {
	var (
		c                                    store.Collection
		service                              string
		displayName, desc, color, token, nid sql.NullString
		scannedAt                            sql.NullInt64
	)
	err := row.Scan(&c.ID, &c.AccountID, &service, &c.URL, &displayName, &desc,
		&color, &token, &c.CanWrite, &c.CanDelete, &nid, &c.SyncEnabled,
		&c.MirrorEnabled, &c.Unlisted, &scannedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store: scanning collection: %w", err)
	}
	c.Service = store.Service(service)
	c.DisplayName = displayName.String
	c.Description = desc.String
	c.Color = color.String
	c.ChangeToken = token.String
	c.NativeID = nid.String
	c.NativeScannedAt = fromNullTime(scannedAt)
	return &c, nil
}

// Items

func (s *Store) SaveItem(ctx context.Context, it *store.Item) error {
	if it.UID == "" {
		return fmt.Errorf("store: saving item without uid")
	}
	it.UpdatedAt = s.nowFunc()

	var deletedAt sql.NullInt64
	if it.DeletedAt != nil {
		deletedAt = nullTime(*it.DeletedAt)
	}

	err := s.db.QueryRowContext(ctx, sqlUpsertItem,
		it.CollectionID, it.UID, nullString(it.Href), nullString(it.ETag),
		it.Body, it.Dirty, deletedAt, nullString(it.NativeID),
		string(it.Conflict), it.UpdatedAt.UnixNano(),
	).Scan(&it.ID)
	if err != nil {
		return fmt.Errorf("store: saving item %s: %w", it.UID, classify(err))
	}
	return nil
}

func (s *Store) GetItem(ctx context.Context, id int64) (*store.Item, error) {
	it, err := scanItem(s.db.QueryRowContext(ctx, sqlSelectItem+` WHERE i.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("item %d: %w", id, store.ErrNotFound)
	}
	return it, err
}

func (s *Store) GetItemByUID(ctx context.Context, collectionID int64, uid string) (*store.Item, error) {
	it, err := scanItem(s.db.QueryRowContext(ctx,
		sqlSelectItem+` WHERE i.collection_id = ? AND i.uid = ?`, collectionID, uid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("item %s: %w", uid, store.ErrNotFound)
	}
	return it, err
}

func (s *Store) ListItems(ctx context.Context, collectionID int64) ([]*store.Item, error) {
	return s.items(ctx, sqlSelectItem+` WHERE i.collection_id = ? ORDER BY i.id`, collectionID)
}

func (s *Store) ListDirtyItems(ctx context.Context, collectionID int64) ([]*store.Item, error) {
	return s.items(ctx, sqlSelectItem+` WHERE i.collection_id = ? AND i.dirty = 1 ORDER BY i.id`, collectionID)
}

func (s *Store) ListConflicts(ctx context.Context, accountID int64) ([]*store.Item, error) {
	if accountID == 0 {
		return s.items(ctx, sqlSelectItem+` WHERE i.conflict <> '' ORDER BY i.id`)
	}
	return s.items(ctx, sqlSelectItem+` JOIN collections c ON c.id = i.collection_id
		WHERE i.conflict <> '' AND c.account_id = ? ORDER BY i.id`, accountID)
}

func (s *Store) PurgeItem(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, sqlPurgeItem, id)
	if err != nil {
		return fmt.Errorf("store: purging item %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("item %d: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) items(ctx context.Context, query string, args ...any) ([]*store.Item, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: listing items: %w", err)
	}
	defer rows.Close()

	var out []*store.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating items: %w", err)
	}
	return out, nil
}

func scanItem(row scanner) (*store.Item, error) {
	var (
		it                   store.Item
		href, etag, nativeID sql.NullString
		conflict             string
		deletedAt            sql.NullInt64
		updatedAt            int64
	)
	err := row.Scan(&it.ID, &it.CollectionID, &it.UID, &href, &etag, &it.Body,
		&it.Dirty, &deletedAt, &nativeID, &conflict, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store: scanning item: %w", err)
	}
	it.Href = href.String
	it.ETag = etag.String
	it.NativeID = nativeID.String
	it.Conflict = store.Conflict(conflict)
	it.UpdatedAt = time.Unix(0, updatedAt)
	if deletedAt.Valid {
		t := time.Unix(0, deletedAt.Int64)
		it.DeletedAt = &t
	}
	return &it, nil
}

// classify maps uniqueness violations to store.ErrDuplicate.
func classify(err error) error {
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %v", store.ErrDuplicate, err)
	}
	return err
}

// Nullable helpers: empty string / zero time → NULL in SQLite.

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullTime(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return time.Unix(0, n.Int64)
}
