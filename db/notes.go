package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/deemkeen/stegofed/domain"
	"github.com/google/uuid"
)

const (
	sqlNoteColumns = `notes.rowid, notes.id, notes.account_id,
		COALESCE(a.username, r.username || '@' || r.domain, ''),
		notes.message, notes.content, notes.created_at, notes.edited_at, notes.deleted_at,
		notes.visibility, notes.in_reply_to_uri, notes.object_uri, notes.local,
		notes.sensitive, notes.content_warning, notes.attachments, notes.mentions`
	sqlNoteFrom = ` FROM notes
		LEFT JOIN accounts a ON a.id = notes.account_id
		LEFT JOIN remote_accounts r ON r.id = notes.account_id`

	sqlInsertNote = `INSERT INTO notes(id, account_id, message, content, created_at, edited_at, visibility, in_reply_to_uri, object_uri, local, sensitive, content_warning, attachments, mentions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectNoteById          = `SELECT ` + sqlNoteColumns + sqlNoteFrom + ` WHERE notes.id = ?`
	sqlSelectNoteByObjectURI   = `SELECT ` + sqlNoteColumns + sqlNoteFrom + ` WHERE notes.object_uri = ? ORDER BY notes.rowid ASC LIMIT 1`
	sqlUpdateNoteContent       = `UPDATE notes SET message = ?, content = ?, sensitive = ?, content_warning = ?, edited_at = ? WHERE id = ? AND deleted_at IS NULL`
	sqlTombstoneNote           = `UPDATE notes SET deleted_at = ?, message = '', content = '' WHERE id = ? AND deleted_at IS NULL`
	sqlTombstoneNotesByAccount = `UPDATE notes SET deleted_at = ?, message = '', content = '' WHERE account_id = ? AND deleted_at IS NULL`
	sqlSelectPublicNotes       = `SELECT ` + sqlNoteColumns + sqlNoteFrom + ` WHERE notes.account_id = ? AND notes.deleted_at IS NULL AND notes.visibility IN ('public', 'unlisted') ORDER BY notes.created_at DESC, notes.rowid DESC LIMIT ? OFFSET ?`
	sqlCountPublicNotes        = `SELECT COUNT(*) FROM notes WHERE account_id = ? AND deleted_at IS NULL AND visibility IN ('public', 'unlisted')`
	sqlSelectReplies           = `SELECT ` + sqlNoteColumns + sqlNoteFrom + ` WHERE notes.in_reply_to_uri = ? AND notes.deleted_at IS NULL AND notes.visibility IN ('public', 'unlisted') ORDER BY notes.created_at ASC, notes.rowid ASC LIMIT ? OFFSET ?`
	sqlCountReplies            = `SELECT COUNT(*) FROM notes WHERE in_reply_to_uri = ? AND deleted_at IS NULL AND visibility IN ('public', 'unlisted')`
	sqlCountNotesByOrigin      = `SELECT local, COUNT(*) FROM notes WHERE deleted_at IS NULL GROUP BY local`
)

// CreateNote stores a local note or a materialized remote one. A remote note
// whose ObjectURI is already stored for the same account fails with
// domain.ErrDuplicate.
func (db *DB) CreateNote(ctx context.Context, note *domain.Note) error {
	if note.Id == uuid.Nil {
		note.Id = uuid.New()
	}
	if note.CreatedAt.IsZero() {
		note.CreatedAt = time.Now().UTC()
	}
	if note.Visibility == "" {
		note.Visibility = domain.VisibilityPublic
	}
	attachments, err := encodeJSON(note.Attachments)
	if err != nil {
		return err
	}
	mentions, err := encodeJSON(note.Mentions)
	if err != nil {
		return err
	}
	err = db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlInsertNote,
			note.Id.String(),
			note.AccountId.String(),
			note.Message,
			note.Content,
			note.CreatedAt.UTC(),
			nullTime(note.EditedAt),
			note.Visibility,
			nullString(note.InReplyToURI),
			nullString(note.ObjectURI),
			note.Local,
			note.Sensitive,
			nullString(note.ContentWarning),
			attachments,
			mentions,
		)
		if err != nil {
			return err
		}
		note.Seq, _ = res.LastInsertId()
		return nil
	})
	return mapError(err)
}

func encodeJSON[T any](v []T) (sql.NullString, error) {
	if len(v) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func scanNote(row rowScanner) (*domain.Note, error) {
	var note domain.Note
	var idStr, accountIdStr string
	var message, content, visibility, inReplyTo, objectURI, cw, attachments, mentions sql.NullString
	var editedAt, deletedAt sql.NullTime
	err := row.Scan(
		&note.Seq,
		&idStr,
		&accountIdStr,
		&note.CreatedBy,
		&message,
		&content,
		&note.CreatedAt,
		&editedAt,
		&deletedAt,
		&visibility,
		&inReplyTo,
		&objectURI,
		&note.Local,
		&note.Sensitive,
		&cw,
		&attachments,
		&mentions,
	)
	if err != nil {
		return nil, mapError(err)
	}
	note.Id = parseUUID(idStr)
	note.AccountId = parseUUID(accountIdStr)
	note.Message = message.String
	note.Content = content.String
	note.Visibility = visibility.String
	note.InReplyToURI = inReplyTo.String
	note.ObjectURI = objectURI.String
	note.ContentWarning = cw.String
	if editedAt.Valid {
		t := editedAt.Time
		note.EditedAt = &t
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		note.DeletedAt = &t
	}
	if attachments.Valid {
		if err := json.Unmarshal([]byte(attachments.String), &note.Attachments); err != nil {
			return nil, err
		}
	}
	if mentions.Valid {
		if err := json.Unmarshal([]byte(mentions.String), &note.Mentions); err != nil {
			return nil, err
		}
	}
	return &note, nil
}

func (db *DB) readNotes(ctx context.Context, query string, args ...any) ([]domain.Note, error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []domain.Note
	for rows.Next() {
		note, err := scanNote(rows)
		if err != nil {
			return notes, err
		}
		notes = append(notes, *note)
	}
	return notes, rows.Err()
}

func (db *DB) ReadNoteById(ctx context.Context, id uuid.UUID) (*domain.Note, error) {
	return scanNote(db.db.QueryRowContext(ctx, sqlSelectNoteById, id.String()))
}

// ReadNoteByObjectURI finds a materialized note by its canonical object id.
// Tombstoned notes are returned too so repeated deliveries stay idempotent.
func (db *DB) ReadNoteByObjectURI(ctx context.Context, uri string) (*domain.Note, error) {
	if uri == "" {
		return nil, domain.ErrNotFound
	}
	return scanNote(db.db.QueryRowContext(ctx, sqlSelectNoteByObjectURI, uri))
}

// UpdateNoteContent replaces the text of a live note and stamps EditedAt.
func (db *DB) UpdateNoteContent(ctx context.Context, note *domain.Note) error {
	editedAt := time.Now().UTC()
	if note.EditedAt != nil {
		editedAt = note.EditedAt.UTC()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		return expectAffected(tx.ExecContext(ctx, sqlUpdateNoteContent,
			note.Message, note.Content, note.Sensitive, nullString(note.ContentWarning), editedAt, note.Id.String()))
	})
}

// TombstoneNote clears a note's content and marks it deleted. Tombstoning an
// already deleted note returns domain.ErrNotFound.
func (db *DB) TombstoneNote(ctx context.Context, id uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		return expectAffected(tx.ExecContext(ctx, sqlTombstoneNote, time.Now().UTC(), id.String()))
	})
}

func (db *DB) TombstoneNotesByAccount(ctx context.Context, accountId uuid.UUID) (int64, error) {
	var n int64
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlTombstoneNotesByAccount, time.Now().UTC(), accountId.String())
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, mapError(err)
}

// ReadPublicNotesByAccount returns live public and unlisted notes, newest first.
func (db *DB) ReadPublicNotesByAccount(ctx context.Context, accountId uuid.UUID, limit, offset int) ([]domain.Note, error) {
	return db.readNotes(ctx, sqlSelectPublicNotes, accountId.String(), limit, offset)
}

func (db *DB) CountPublicNotesByAccount(ctx context.Context, accountId uuid.UUID) (int, error) {
	var count int
	err := db.db.QueryRowContext(ctx, sqlCountPublicNotes, accountId.String()).Scan(&count)
	return count, mapError(err)
}

// ReadReplies returns live public replies to the object, oldest first.
func (db *DB) ReadReplies(ctx context.Context, inReplyToURI string, limit, offset int) ([]domain.Note, error) {
	return db.readNotes(ctx, sqlSelectReplies, inReplyToURI, limit, offset)
}

func (db *DB) CountReplies(ctx context.Context, inReplyToURI string) (int, error) {
	var count int
	err := db.db.QueryRowContext(ctx, sqlCountReplies, inReplyToURI).Scan(&count)
	return count, mapError(err)
}

// CountNotes returns the number of live local and remote notes.
func (db *DB) CountNotes(ctx context.Context) (local int, remote int, err error) {
	rows, err := db.db.QueryContext(ctx, sqlCountNotesByOrigin)
	if err != nil {
		return 0, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		var isLocal bool
		var n int
		if err := rows.Scan(&isLocal, &n); err != nil {
			return local, remote, err
		}
		if isLocal {
			local = n
		} else {
			remote = n
		}
	}
	return local, remote, rows.Err()
}

// Annotation queries
const (
	sqlUpsertAnnotation = `INSERT INTO annotations(id, account_id, note_id, kind, uri, created_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, note_id, kind) DO UPDATE SET uri = excluded.uri`
	sqlDeleteAnnotationByURI = `DELETE FROM annotations WHERE uri = ? AND account_id = ?`
	sqlDeleteAnnotationByKey = `DELETE FROM annotations WHERE account_id = ? AND note_id = ? AND kind = ?`
	sqlCountAnnotations      = `SELECT COUNT(*) FROM annotations WHERE note_id = ? AND kind = ?`
)

// CreateAnnotation records a like or announce. Repeating it for the same
// account, note and kind only refreshes the URI.
func (db *DB) CreateAnnotation(ctx context.Context, a *domain.Annotation) error {
	if a.Id == uuid.Nil {
		a.Id = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpsertAnnotation,
			a.Id.String(), a.AccountId.String(), a.NoteId.String(), string(a.Kind), nullString(a.URI), a.CreatedAt)
		return err
	})
	return mapError(err)
}

// DeleteAnnotation removes the annotation of accountId with the given activity
// URI, or the one matching (account, note, kind) when uri is empty or unknown.
func (db *DB) DeleteAnnotation(ctx context.Context, uri string, accountId, noteId uuid.UUID, kind domain.AnnotationKind) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		if uri != "" {
			res, err := tx.ExecContext(ctx, sqlDeleteAnnotationByURI, uri, accountId.String())
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n > 0 {
				return nil
			}
		}
		return expectAffected(tx.ExecContext(ctx, sqlDeleteAnnotationByKey, accountId.String(), noteId.String(), string(kind)))
	})
}

func (db *DB) CountAnnotations(ctx context.Context, noteId uuid.UUID, kind domain.AnnotationKind) (int, error) {
	var count int
	err := db.db.QueryRowContext(ctx, sqlCountAnnotations, noteId.String(), string(kind)).Scan(&count)
	return count, mapError(err)
}
