package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xwatch/xwatch-bot/internal/models"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// SQLStore implements Store on database/sql for SQLite and Postgres
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

var _ Store = (*SQLStore)(nil)

const accountColumns = `id, handle, display_name, profile_picture, description, location, url,
	followers, following, statuses_count, is_blue_verified, is_verified, active,
	last_seen_item_id, last_check_time, created_at, updated_at`

const itemColumns = `id, account_id, handle, display_name, text, lang, is_reply, created_at,
	retweets, likes, replies, quotes, views, bookmarks, media, delivered, delivery_ref`

// rebind rewrites ? placeholders into $n for Postgres
func (s *SQLStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (*models.TrackedAccount, error) {
	var (
		account   models.TrackedAccount
		lastSeen  sql.NullString
		lastCheck sql.NullTime
	)

	err := row.Scan(
		&account.ID, &account.Handle, &account.DisplayName, &account.ProfilePicture,
		&account.Description, &account.Location, &account.URL,
		&account.Followers, &account.Following, &account.StatusesCount,
		&account.IsBlueVerified, &account.IsVerified, &account.Active,
		&lastSeen, &lastCheck, &account.CreatedAt, &account.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if lastSeen.Valid {
		account.LastSeenItemID = lastSeen.String
	}
	if lastCheck.Valid {
		t := lastCheck.Time.UTC()
		account.LastCheckTime = &t
	}
	account.CreatedAt = account.CreatedAt.UTC()
	account.UpdatedAt = account.UpdatedAt.UTC()
	return &account, nil
}

func (s *SQLStore) queryAccounts(ctx context.Context, query string, args ...interface{}) ([]models.TrackedAccount, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []models.TrackedAccount
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, *account)
	}
	return accounts, rows.Err()
}

func (s *SQLStore) ListActiveAccounts(ctx context.Context) ([]models.TrackedAccount, error) {
	return s.queryAccounts(ctx, `SELECT `+accountColumns+` FROM accounts WHERE active = ? ORDER BY handle`, true)
}

func (s *SQLStore) ListAccounts(ctx context.Context) ([]models.TrackedAccount, error) {
	return s.queryAccounts(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY handle`)
}

func (s *SQLStore) GetAccountByHandle(ctx context.Context, handle string) (*models.TrackedAccount, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+accountColumns+` FROM accounts WHERE handle = ?`), strings.ToLower(handle))
	account, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account %s: %w", handle, err)
	}
	return account, nil
}

func (s *SQLStore) CreateAccount(ctx context.Context, account *models.TrackedAccount) error {
	now := s.now().UTC()
	account.Handle = strings.ToLower(account.Handle)
	account.Active = true
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now

	_, err := s.exec(ctx, `
	INSERT INTO accounts (id, handle, display_name, profile_picture, description, location, url,
		followers, following, statuses_count, is_blue_verified, is_verified, active, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(handle) DO UPDATE SET
		display_name = excluded.display_name,
		profile_picture = excluded.profile_picture,
		description = excluded.description,
		location = excluded.location,
		url = excluded.url,
		followers = excluded.followers,
		following = excluded.following,
		statuses_count = excluded.statuses_count,
		is_blue_verified = excluded.is_blue_verified,
		is_verified = excluded.is_verified,
		active = excluded.active,
		updated_at = excluded.updated_at`,
		account.ID, account.Handle, account.DisplayName, account.ProfilePicture, account.Description,
		account.Location, account.URL, account.Followers, account.Following, account.StatusesCount,
		account.IsBlueVerified, account.IsVerified, true, account.CreatedAt, account.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create account %s: %w", account.Handle, err)
	}
	return nil
}

func (s *SQLStore) SetAccountActive(ctx context.Context, accountID string, active bool) error {
	return s.updateAccount(ctx, `UPDATE accounts SET active = ?, updated_at = ? WHERE id = ?`, active, s.now().UTC(), accountID)
}

func (s *SQLStore) UpdateAccountProfile(ctx context.Context, account *models.TrackedAccount) error {
	account.UpdatedAt = s.now().UTC()
	return s.updateAccount(ctx, `
	UPDATE accounts SET display_name = ?, profile_picture = ?, description = ?, location = ?, url = ?,
		followers = ?, following = ?, statuses_count = ?, is_blue_verified = ?, is_verified = ?, updated_at = ?
	WHERE id = ?`,
		account.DisplayName, account.ProfilePicture, account.Description, account.Location, account.URL,
		account.Followers, account.Following, account.StatusesCount, account.IsBlueVerified, account.IsVerified,
		account.UpdatedAt, account.ID,
	)
}

func (s *SQLStore) UpdateAccountWatermark(ctx context.Context, accountID, itemID string) error {
	return s.updateAccount(ctx, `UPDATE accounts SET last_seen_item_id = ?, updated_at = ? WHERE id = ?`, itemID, s.now().UTC(), accountID)
}

func (s *SQLStore) ResetAccountWatermark(ctx context.Context, accountID string) error {
	return s.updateAccount(ctx, `UPDATE accounts SET last_seen_item_id = NULL, last_check_time = NULL, updated_at = ? WHERE id = ?`, s.now().UTC(), accountID)
}

func (s *SQLStore) TouchLastCheck(ctx context.Context, accountID string, at time.Time) error {
	return s.updateAccount(ctx, `UPDATE accounts SET last_check_time = ? WHERE id = ?`, at.UTC(), accountID)
}

func (s *SQLStore) updateAccount(ctx context.Context, query string, args ...interface{}) error {
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) ItemExists(ctx context.Context, itemID string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM items WHERE id = ?`), itemID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check item %s: %w", itemID, err)
	}
	return true, nil
}

func (s *SQLStore) GetItem(ctx context.Context, itemID string) (*models.Item, error) {
	var (
		item      models.Item
		mediaJSON string
		ref       sql.NullString
	)

	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+itemColumns+` FROM items WHERE id = ?`), itemID).Scan(
		&item.ID, &item.AccountID, &item.Handle, &item.DisplayName, &item.Text, &item.Lang, &item.IsReply,
		&item.CreatedAt, &item.Engagement.Retweets, &item.Engagement.Likes, &item.Engagement.Replies,
		&item.Engagement.Quotes, &item.Engagement.Views, &item.Engagement.Bookmarks,
		&mediaJSON, &item.Delivered, &ref,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item %s: %w", itemID, err)
	}

	if mediaJSON != "" {
		if err := json.Unmarshal([]byte(mediaJSON), &item.Media); err != nil {
			return nil, fmt.Errorf("failed to decode media for item %s: %w", itemID, err)
		}
	}
	item.DeliveryRef = ref.String
	item.CreatedAt = item.CreatedAt.UTC()
	return &item, nil
}

func (s *SQLStore) InsertItem(ctx context.Context, item *models.Item) error {
	media, err := json.Marshal(item.Media)
	if err != nil {
		return fmt.Errorf("failed to encode media for item %s: %w", item.ID, err)
	}

	_, err = s.exec(ctx, `
	INSERT INTO items (`+itemColumns+`, inserted_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO NOTHING`,
		item.ID, item.AccountID, item.Handle, item.DisplayName, item.Text, item.Lang, item.IsReply,
		item.CreatedAt.UTC(), item.Engagement.Retweets, item.Engagement.Likes, item.Engagement.Replies,
		item.Engagement.Quotes, item.Engagement.Views, item.Engagement.Bookmarks,
		string(media), item.Delivered, nullString(item.DeliveryRef), s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert item %s: %w", item.ID, err)
	}
	return nil
}

func (s *SQLStore) MarkItemDelivered(ctx context.Context, itemID, ref string) error {
	res, err := s.exec(ctx, `UPDATE items SET delivered = ?, delivery_ref = ? WHERE id = ?`, true, nullString(ref), itemID)
	if err != nil {
		return fmt.Errorf("failed to mark item %s delivered: %w", itemID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) CountItems(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM items`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count items: %w", err)
	}
	return count, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}
