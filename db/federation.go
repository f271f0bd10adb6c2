package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/deemkeen/stegofed/domain"
	"github.com/google/uuid"
)

// Remote account queries
const (
	sqlRemoteAccountColumns = `id, username, domain, actor_uri, display_name, summary, inbox_uri, shared_inbox_uri, outbox_uri, followers_uri, following_uri, public_key_pem, avatar_url, banner_url, last_fetched_at`
	sqlUpsertRemoteAccount  = `INSERT INTO remote_accounts(` + sqlRemoteAccountColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(actor_uri) DO UPDATE SET
			username = excluded.username,
			domain = excluded.domain,
			display_name = excluded.display_name,
			summary = excluded.summary,
			inbox_uri = excluded.inbox_uri,
			shared_inbox_uri = excluded.shared_inbox_uri,
			outbox_uri = excluded.outbox_uri,
			followers_uri = excluded.followers_uri,
			following_uri = excluded.following_uri,
			public_key_pem = excluded.public_key_pem,
			avatar_url = excluded.avatar_url,
			banner_url = excluded.banner_url,
			last_fetched_at = excluded.last_fetched_at`
	sqlSelectRemoteAccountByURI = `SELECT ` + sqlRemoteAccountColumns + ` FROM remote_accounts WHERE actor_uri = ?`
	sqlSelectRemoteAccountById  = `SELECT ` + sqlRemoteAccountColumns + ` FROM remote_accounts WHERE id = ?`
	sqlDeleteRemoteAccount      = `DELETE FROM remote_accounts WHERE id = ?`
	sqlCountRemoteAccounts      = `SELECT COUNT(*) FROM remote_accounts`
)

// UpsertRemoteAccount inserts the account or refreshes the stored copy with
// the same actor URI. The returned record carries the stable local id.
func (db *DB) UpsertRemoteAccount(ctx context.Context, acc *domain.RemoteAccount) (*domain.RemoteAccount, error) {
	if acc.Id == uuid.Nil {
		acc.Id = uuid.New()
	}
	if acc.LastFetchedAt.IsZero() {
		acc.LastFetchedAt = time.Now().UTC()
	}
	var stored *domain.RemoteAccount
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpsertRemoteAccount,
			acc.Id.String(),
			acc.Username,
			acc.Domain,
			acc.ActorURI,
			acc.DisplayName,
			acc.Summary,
			acc.InboxURI,
			acc.SharedInboxURI,
			acc.OutboxURI,
			acc.FollowersURI,
			acc.FollowingURI,
			acc.PublicKeyPem,
			acc.AvatarURL,
			acc.BannerURL,
			acc.LastFetchedAt,
		)
		if err != nil {
			return err
		}
		stored, err = scanRemoteAccount(tx.QueryRowContext(ctx, sqlSelectRemoteAccountByURI, acc.ActorURI))
		return err
	})
	if err != nil {
		return nil, mapError(err)
	}
	return stored, nil
}

func scanRemoteAccount(row rowScanner) (*domain.RemoteAccount, error) {
	var acc domain.RemoteAccount
	var idStr string
	var displayName, summary, sharedInbox, outbox, followers, following, pubKey, avatar, banner sql.NullString
	err := row.Scan(
		&idStr,
		&acc.Username,
		&acc.Domain,
		&acc.ActorURI,
		&displayName,
		&summary,
		&acc.InboxURI,
		&sharedInbox,
		&outbox,
		&followers,
		&following,
		&pubKey,
		&avatar,
		&banner,
		&acc.LastFetchedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	acc.Id = parseUUID(idStr)
	acc.DisplayName = displayName.String
	acc.Summary = summary.String
	acc.SharedInboxURI = sharedInbox.String
	acc.OutboxURI = outbox.String
	acc.FollowersURI = followers.String
	acc.FollowingURI = following.String
	acc.PublicKeyPem = pubKey.String
	acc.AvatarURL = avatar.String
	acc.BannerURL = banner.String
	return &acc, nil
}

func (db *DB) ReadRemoteAccountByURI(ctx context.Context, uri string) (*domain.RemoteAccount, error) {
	return scanRemoteAccount(db.db.QueryRowContext(ctx, sqlSelectRemoteAccountByURI, uri))
}

func (db *DB) ReadRemoteAccountById(ctx context.Context, id uuid.UUID) (*domain.RemoteAccount, error) {
	return scanRemoteAccount(db.db.QueryRowContext(ctx, sqlSelectRemoteAccountById, id.String()))
}

// DeleteRemoteAccount removes the account record. Relationships and notes are
// cleaned up separately by the caller.
func (db *DB) DeleteRemoteAccount(ctx context.Context, id uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		return expectAffected(tx.ExecContext(ctx, sqlDeleteRemoteAccount, id.String()))
	})
}

func (db *DB) CountRemoteAccounts(ctx context.Context) (int, error) {
	var count int
	err := db.db.QueryRowContext(ctx, sqlCountRemoteAccounts).Scan(&count)
	return count, mapError(err)
}

// expectAffected turns "no rows touched" into domain.ErrNotFound.
func expectAffected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Relationship queries
const (
	sqlRelationshipColumns         = `rowid, id, account_id, target_account_id, kind, uri, accepted, is_local, created_at`
	sqlInsertRelationship          = `INSERT INTO relationships(id, account_id, target_account_id, kind, uri, accepted, is_local, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectRelationshipByPair    = `SELECT ` + sqlRelationshipColumns + ` FROM relationships WHERE account_id = ? AND target_account_id = ?`
	sqlSelectRelationshipByURI     = `SELECT ` + sqlRelationshipColumns + ` FROM relationships WHERE uri = ?`
	sqlDeleteRelationshipById      = `DELETE FROM relationships WHERE id = ?`
	sqlDeleteRelationshipsByAcc    = `DELETE FROM relationships WHERE account_id = ? OR target_account_id = ?`
	sqlAcceptRelationship          = `UPDATE relationships SET accepted = 1 WHERE id = ?`
	sqlSelectFollowersPage         = `SELECT ` + sqlRelationshipColumns + ` FROM relationships WHERE target_account_id = ? AND kind = 'follow' AND accepted = 1 AND rowid > ? ORDER BY rowid ASC LIMIT ?`
	sqlSelectFollowingPage         = `SELECT ` + sqlRelationshipColumns + ` FROM relationships WHERE account_id = ? AND kind = 'follow' AND accepted = 1 AND rowid > ? ORDER BY rowid ASC LIMIT ?`
	sqlCountFollowers              = `SELECT COUNT(*) FROM relationships WHERE target_account_id = ? AND kind = 'follow' AND accepted = 1`
	sqlCountFollowing              = `SELECT COUNT(*) FROM relationships WHERE account_id = ? AND kind = 'follow' AND accepted = 1`
	sqlCountRelationshipsByKind    = `SELECT kind, COUNT(*) FROM relationships GROUP BY kind`
	sqlSelectFollowerDeliveryInbox = `SELECT DISTINCT COALESCE(NULLIF(r.shared_inbox_uri, ''), r.inbox_uri)
		FROM relationships rel
		INNER JOIN remote_accounts r ON r.id = rel.account_id
		WHERE rel.target_account_id = ? AND rel.kind = 'follow' AND rel.accepted = 1`
)

// CreateRelationship stores rel as the only edge between its two accounts.
// Any previous edge for the same pair (a follow or a block) is removed in the
// same transaction and returned, or nil when there was none.
func (db *DB) CreateRelationship(ctx context.Context, rel *domain.Relationship) (*domain.Relationship, error) {
	if rel.Id == uuid.Nil {
		rel.Id = uuid.New()
	}
	if rel.CreatedAt.IsZero() {
		rel.CreatedAt = time.Now().UTC()
	}
	if rel.Kind == "" {
		rel.Kind = domain.RelationshipFollow
	}
	var previous *domain.Relationship
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		previous = nil
		prev, err := scanRelationship(tx.QueryRowContext(ctx, sqlSelectRelationshipByPair, rel.AccountId.String(), rel.TargetAccountId.String()))
		switch {
		case err == nil:
			previous = prev
			if _, err := tx.ExecContext(ctx, sqlDeleteRelationshipById, prev.Id.String()); err != nil {
				return err
			}
		case !errors.Is(err, domain.ErrNotFound):
			return err
		}
		res, err := tx.ExecContext(ctx, sqlInsertRelationship,
			rel.Id.String(),
			rel.AccountId.String(),
			rel.TargetAccountId.String(),
			string(rel.Kind),
			nullString(rel.URI),
			rel.Accepted,
			rel.IsLocal,
			rel.CreatedAt,
		)
		if err != nil {
			return err
		}
		rel.Seq, _ = res.LastInsertId()
		return nil
	})
	if err != nil {
		return nil, mapError(err)
	}
	return previous, nil
}

func scanRelationship(row rowScanner) (*domain.Relationship, error) {
	var rel domain.Relationship
	var idStr, accountIdStr, targetIdStr, kind string
	var uri sql.NullString
	err := row.Scan(
		&rel.Seq,
		&idStr,
		&accountIdStr,
		&targetIdStr,
		&kind,
		&uri,
		&rel.Accepted,
		&rel.IsLocal,
		&rel.CreatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	rel.Id = parseUUID(idStr)
	rel.AccountId = parseUUID(accountIdStr)
	rel.TargetAccountId = parseUUID(targetIdStr)
	rel.Kind = domain.RelationshipKind(kind)
	rel.URI = uri.String
	return &rel, nil
}

func (db *DB) ReadRelationship(ctx context.Context, accountId, targetId uuid.UUID) (*domain.Relationship, error) {
	return scanRelationship(db.db.QueryRowContext(ctx, sqlSelectRelationshipByPair, accountId.String(), targetId.String()))
}

func (db *DB) ReadRelationshipByURI(ctx context.Context, uri string) (*domain.Relationship, error) {
	if uri == "" {
		return nil, domain.ErrNotFound
	}
	return scanRelationship(db.db.QueryRowContext(ctx, sqlSelectRelationshipByURI, uri))
}

// DeleteRelationship returns domain.ErrNotFound when nothing was removed.
func (db *DB) DeleteRelationship(ctx context.Context, id uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		return expectAffected(tx.ExecContext(ctx, sqlDeleteRelationshipById, id.String()))
	})
}

// DeleteRelationshipsByAccount removes every edge touching the account in
// either direction and reports how many were removed.
func (db *DB) DeleteRelationshipsByAccount(ctx context.Context, accountId uuid.UUID) (int64, error) {
	var removed int64
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlDeleteRelationshipsByAcc, accountId.String(), accountId.String())
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	return removed, mapError(err)
}

func (db *DB) AcceptRelationship(ctx context.Context, id uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		return expectAffected(tx.ExecContext(ctx, sqlAcceptRelationship, id.String()))
	})
}

func (db *DB) readRelationships(ctx context.Context, query string, args ...any) ([]domain.Relationship, error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rels []domain.Relationship
	for rows.Next() {
		rel, err := scanRelationship(rows)
		if err != nil {
			return rels, err
		}
		rels = append(rels, *rel)
	}
	return rels, rows.Err()
}

// ReadFollowers pages accepted follows targeting accountId, ordered by Seq.
// Pass the Seq of the last seen row as afterSeq to continue.
func (db *DB) ReadFollowers(ctx context.Context, accountId uuid.UUID, afterSeq int64, limit int) ([]domain.Relationship, error) {
	return db.readRelationships(ctx, sqlSelectFollowersPage, accountId.String(), afterSeq, limit)
}

// ReadFollowing pages accepted follows made by accountId, ordered by Seq.
func (db *DB) ReadFollowing(ctx context.Context, accountId uuid.UUID, afterSeq int64, limit int) ([]domain.Relationship, error) {
	return db.readRelationships(ctx, sqlSelectFollowingPage, accountId.String(), afterSeq, limit)
}

func (db *DB) CountFollowers(ctx context.Context, accountId uuid.UUID) (int, error) {
	var count int
	err := db.db.QueryRowContext(ctx, sqlCountFollowers, accountId.String()).Scan(&count)
	return count, mapError(err)
}

func (db *DB) CountFollowing(ctx context.Context, accountId uuid.UUID) (int, error) {
	var count int
	err := db.db.QueryRowContext(ctx, sqlCountFollowing, accountId.String()).Scan(&count)
	return count, mapError(err)
}

// CountRelationships returns the number of stored edges per kind.
func (db *DB) CountRelationships(ctx context.Context) (map[domain.RelationshipKind]int, error) {
	rows, err := db.db.QueryContext(ctx, sqlCountRelationshipsByKind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[domain.RelationshipKind]int{}
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return counts, err
		}
		counts[domain.RelationshipKind(kind)] = n
	}
	return counts, rows.Err()
}

// ReadFollowerInboxes lists the distinct delivery inboxes of the remote
// followers of a local account, preferring shared inboxes.
func (db *DB) ReadFollowerInboxes(ctx context.Context, accountId uuid.UUID) ([]string, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectFollowerDeliveryInbox, accountId.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var inboxes []string
	for rows.Next() {
		var inbox string
		if err := rows.Scan(&inbox); err != nil {
			return inboxes, err
		}
		inboxes = append(inboxes, inbox)
	}
	return inboxes, rows.Err()
}

// Activity queries
const (
	sqlInsertActivity       = `INSERT INTO activities(id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, local, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlMarkActivity         = `UPDATE activities SET processed = 1, object_uri = ? WHERE id = ?`
	sqlSelectActivityByURI  = `SELECT id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, local, created_at FROM activities WHERE activity_uri = ?`
	sqlCountActivitiesByDir = `SELECT local, COUNT(*) FROM activities GROUP BY local`
)

// CreateActivity logs an activity. A second activity with the same URI fails
// with domain.ErrDuplicate.
func (db *DB) CreateActivity(ctx context.Context, activity *domain.Activity) error {
	if activity.Id == uuid.Nil {
		activity.Id = uuid.New()
	}
	if activity.CreatedAt.IsZero() {
		activity.CreatedAt = time.Now().UTC()
	}
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertActivity,
			activity.Id.String(),
			activity.ActivityURI,
			activity.ActivityType,
			activity.ActorURI,
			activity.ObjectURI,
			activity.RawJSON,
			activity.Processed,
			activity.Local,
			activity.CreatedAt,
		)
		return err
	})
	return mapError(err)
}

func (db *DB) MarkActivityProcessed(ctx context.Context, id uuid.UUID, objectURI string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		return expectAffected(tx.ExecContext(ctx, sqlMarkActivity, objectURI, id.String()))
	})
}

func (db *DB) ReadActivityByURI(ctx context.Context, uri string) (*domain.Activity, error) {
	row := db.db.QueryRowContext(ctx, sqlSelectActivityByURI, uri)
	var activity domain.Activity
	var idStr string
	var objectURI sql.NullString
	err := row.Scan(
		&idStr,
		&activity.ActivityURI,
		&activity.ActivityType,
		&activity.ActorURI,
		&objectURI,
		&activity.RawJSON,
		&activity.Processed,
		&activity.Local,
		&activity.CreatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	activity.Id = parseUUID(idStr)
	activity.ObjectURI = objectURI.String
	return &activity, nil
}

// CountActivities returns the number of logged inbound and outbound activities.
func (db *DB) CountActivities(ctx context.Context) (inbound int, outbound int, err error) {
	rows, err := db.db.QueryContext(ctx, sqlCountActivitiesByDir)
	if err != nil {
		return 0, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		var local bool
		var n int
		if err := rows.Scan(&local, &n); err != nil {
			return inbound, outbound, err
		}
		if local {
			outbound = n
		} else {
			inbound = n
		}
	}
	return inbound, outbound, rows.Err()
}

// Delivery Queue queries
const (
	sqlInsertDeliveryQueue     = `INSERT INTO delivery_queue(id, account_id, inbox_uri, activity_json, attempts, next_retry_at, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	sqlSelectPendingDeliveries = `SELECT id, account_id, inbox_uri, activity_json, attempts, next_retry_at, created_at FROM delivery_queue WHERE next_retry_at <= ? ORDER BY created_at ASC LIMIT ?`
	sqlUpdateDeliveryAttempt   = `UPDATE delivery_queue SET attempts = ?, next_retry_at = ? WHERE id = ?`
	sqlDeleteDelivery          = `DELETE FROM delivery_queue WHERE id = ?`
	sqlCountDeliveries         = `SELECT COUNT(*) FROM delivery_queue`
)

func (db *DB) EnqueueDelivery(ctx context.Context, item *domain.DeliveryQueueItem) error {
	now := time.Now().UTC()
	if item.Id == uuid.Nil {
		item.Id = uuid.New()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.NextRetryAt.IsZero() {
		item.NextRetryAt = now
	}
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertDeliveryQueue,
			item.Id.String(),
			item.AccountId.String(),
			item.InboxURI,
			item.ActivityJSON,
			item.Attempts,
			item.NextRetryAt.UTC(),
			item.CreatedAt.UTC(),
		)
		return err
	})
	return mapError(err)
}

// ReadPendingDeliveries returns queue items that are due at now.
func (db *DB) ReadPendingDeliveries(ctx context.Context, now time.Time, limit int) ([]domain.DeliveryQueueItem, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectPendingDeliveries, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.DeliveryQueueItem
	for rows.Next() {
		var item domain.DeliveryQueueItem
		var idStr, accountIdStr string
		if err := rows.Scan(&idStr, &accountIdStr, &item.InboxURI, &item.ActivityJSON, &item.Attempts, &item.NextRetryAt, &item.CreatedAt); err != nil {
			return items, err
		}
		item.Id = parseUUID(idStr)
		item.AccountId = parseUUID(accountIdStr)
		items = append(items, item)
	}
	return items, rows.Err()
}

func (db *DB) UpdateDeliveryAttempt(ctx context.Context, id uuid.UUID, attempts int, nextRetry time.Time) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpdateDeliveryAttempt, attempts, nextRetry.UTC(), id.String())
		return err
	})
}

func (db *DB) DeleteDelivery(ctx context.Context, id uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDeleteDelivery, id.String())
		return err
	})
}

func (db *DB) CountDeliveries(ctx context.Context) (int, error) {
	var count int
	err := db.db.QueryRowContext(ctx, sqlCountDeliveries).Scan(&count)
	return count, mapError(err)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
