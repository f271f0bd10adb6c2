package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// DB is the database struct.
type DB struct {
	db *sql.DB
}

const maxBusyRetries = 5

const (
	sqlAccountColumns       = `id, username, display_name, summary, avatar_url, banner_url, created_at, web_public_key, web_private_key`
	sqlInsertUser           = `INSERT INTO accounts(id, username, display_name, summary, avatar_url, banner_url, created_at, web_public_key, web_private_key) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectUserById       = `SELECT ` + sqlAccountColumns + ` FROM accounts WHERE id = ?`
	sqlSelectUserByUsername = `SELECT ` + sqlAccountColumns + ` FROM accounts WHERE username = ?`
	sqlSelectPrivateKey     = `SELECT web_private_key FROM accounts WHERE id = ?`
)

// Open opens (and migrates) the sqlite database at path. ":memory:" gives a
// private in-memory database, limited to one connection so every query sees
// the same data.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if path == ":memory:" {
		sqlDB.SetMaxOpenConns(1)
	} else {
		// Configure connection pool for concurrent access
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(time.Hour)

		var journalMode string
		if err := sqlDB.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
			util.Log().Warnf("Failed to enable WAL mode: %v", err)
		} else {
			util.Log().Debugf("Database journal mode: %s", journalMode)
		}
		sqlDB.Exec("PRAGMA synchronous = NORMAL")
		sqlDB.Exec("PRAGMA temp_store = MEMORY")
	}
	sqlDB.Exec("PRAGMA busy_timeout = 5000")
	sqlDB.Exec("PRAGMA foreign_keys = ON")

	database := &DB{db: sqlDB}
	if err := database.RunMigrations(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return database, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// wrapTransaction runs the given function within a transaction, retrying the
// whole transaction while sqlite reports the database as busy.
func (db *DB) wrapTransaction(ctx context.Context, f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	var err error
	for attempt := 0; attempt < maxBusyRetries; attempt++ {
		var tx *sql.Tx
		tx, err = db.db.BeginTx(ctx, nil)
		if err != nil {
			util.Log().Errorf("error starting transaction: %s", err)
			return err
		}
		err = f(tx)
		if err == nil {
			err = tx.Commit()
			if err == nil {
				return nil
			}
		} else {
			tx.Rollback()
		}
		if !isBusy(err) {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * 20 * time.Millisecond)
	}
	util.Log().Errorf("error in transaction: %s", err)
	return err
}

func sqliteCode(err error) int {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		return serr.Code() & 0xff
	}
	return 0
}

func isBusy(err error) bool {
	code := sqliteCode(err)
	return code == sqlitelib.SQLITE_BUSY || code == sqlitelib.SQLITE_LOCKED
}

// mapError translates driver errors into the domain errors callers match on.
func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return domain.ErrNotFound
	case sqliteCode(err) == sqlitelib.SQLITE_CONSTRAINT:
		return fmt.Errorf("%w: %v", domain.ErrDuplicate, err)
	default:
		return err
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func parseUUID(s string) uuid.UUID {
	id, _ := uuid.Parse(s)
	return id
}

// CreateAccount inserts a local account with the given web key pair.
func (db *DB) CreateAccount(ctx context.Context, username string, keyPair *util.RsaKeyPair) (*domain.Account, error) {
	acc := &domain.Account{
		Id:            uuid.New(),
		Username:      username,
		CreatedAt:     time.Now().UTC(),
		WebPublicKey:  keyPair.Public,
		WebPrivateKey: keyPair.Private,
	}
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertUser,
			acc.Id.String(), acc.Username, acc.DisplayName, acc.Summary, acc.AvatarURL, acc.BannerURL,
			acc.CreatedAt, acc.WebPublicKey, acc.WebPrivateKey)
		return err
	})
	if err != nil {
		return nil, mapError(err)
	}
	return acc, nil
}

// EnsureAccount returns the account with the given username, creating it
// with a fresh key pair when it does not exist yet.
func (db *DB) EnsureAccount(ctx context.Context, username string) (*domain.Account, error) {
	acc, err := db.ReadAccByUsername(ctx, username)
	if err == nil {
		return acc, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	keyPair, err := util.GeneratePemKeypair()
	if err != nil {
		return nil, err
	}
	util.Log().Infof("No account %s found, creating it..", username)
	return db.CreateAccount(ctx, username, keyPair)
}

func scanAccount(row rowScanner) (*domain.Account, error) {
	var acc domain.Account
	var idStr string
	var displayName, summary, avatar, banner sql.NullString
	err := row.Scan(&idStr, &acc.Username, &displayName, &summary, &avatar, &banner,
		&acc.CreatedAt, &acc.WebPublicKey, &acc.WebPrivateKey)
	if err != nil {
		return nil, mapError(err)
	}
	acc.Id = parseUUID(idStr)
	acc.DisplayName = displayName.String
	acc.Summary = summary.String
	acc.AvatarURL = avatar.String
	acc.BannerURL = banner.String
	return &acc, nil
}

func (db *DB) ReadAccById(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	return scanAccount(db.db.QueryRowContext(ctx, sqlSelectUserById, id.String()))
}

func (db *DB) ReadAccByUsername(ctx context.Context, username string) (*domain.Account, error) {
	return scanAccount(db.db.QueryRowContext(ctx, sqlSelectUserByUsername, username))
}

// PrivateKeyFor returns the PEM encoded signing key of a local account.
func (db *DB) PrivateKeyFor(ctx context.Context, accountId uuid.UUID) (string, error) {
	var pemKey sql.NullString
	err := db.db.QueryRowContext(ctx, sqlSelectPrivateKey, accountId.String()).Scan(&pemKey)
	if err != nil {
		return "", mapError(err)
	}
	if pemKey.String == "" {
		return "", domain.ErrNotFound
	}
	return pemKey.String, nil
}
