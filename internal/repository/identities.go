package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/marchenkov/audience-os/internal/database"
)

// Identity represents one distinct message sender observed in a group chat.
// UserID is the sole deduplication key; every other field is informational.
type Identity struct {
	UserID          int64
	Username        string // normalized with leading @, empty when absent
	FirstName       string
	LastName        string
	Phone           string
	IsPremium       bool
	IsVerified      bool
	IsBot           bool
	CollectedAt     time.Time
	SourceChatID    int64
	SourceChatTitle string
}

// Stats holds aggregate counters over the identity store.
type Stats struct {
	Total        int64
	WithUsername int64
	Premium      int64
	Verified     int64
	Bots         int64
}

// existingIDsChunk bounds the size of IN(...) lists; sqlite caps bound
// parameters per statement.
const existingIDsChunk = 500

// IdentitiesRepository handles identities table operations.
type IdentitiesRepository struct {
	db *database.DB
}

// NewIdentitiesRepository creates a new identities repository.
func NewIdentitiesRepository(db *database.DB) *IdentitiesRepository {
	return &IdentitiesRepository{db: db}
}

// ExistingIDs returns the subset of candidate user ids already present in
// the store.
func (r *IdentitiesRepository) ExistingIDs(ctx context.Context, candidates []int64) (map[int64]struct{}, error) {
	existing := make(map[int64]struct{})
	if len(candidates) == 0 {
		return existing, nil
	}

	err := r.db.Read(ctx, func(conn *sql.Conn) error {
		for start := 0; start < len(candidates); start += existingIDsChunk {
			end := start + existingIDsChunk
			if end > len(candidates) {
				end = len(candidates)
			}
			chunk := candidates[start:end]

			placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
			args := make([]any, len(chunk))
			for i, id := range chunk {
				args[i] = id
			}

			rows, err := conn.QueryContext(ctx,
				"SELECT user_id FROM identities WHERE user_id IN ("+placeholders+")", args...)
			if err != nil {
				return fmt.Errorf("query existing ids: %w", err)
			}

			for rows.Next() {
				var id int64
				if err := rows.Scan(&id); err != nil {
					rows.Close()
					return fmt.Errorf("scan user id: %w", err)
				}
				existing[id] = struct{}{}
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				return fmt.Errorf("iterate existing ids: %w", err)
			}
			rows.Close()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return existing, nil
}

// InsertBatch inserts records in one transaction. A record whose user_id
// collides with an existing row is silently skipped, which guards against
// races with other concurrent writers. Returns the number of rows actually
// inserted.
func (r *IdentitiesRepository) InsertBatch(ctx context.Context, records []Identity) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	var inserted int64
	err := r.db.Write(ctx, func(conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO identities (
				user_id, username, first_name, last_name, phone,
				is_premium, is_verified, is_bot,
				collected_at, source_chat_id, source_chat_title
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("prepare insert: %w", err)
		}

		for _, rec := range records {
			res, err := stmt.ExecContext(ctx,
				rec.UserID, nullable(rec.Username), nullable(rec.FirstName),
				nullable(rec.LastName), nullable(rec.Phone),
				boolToInt(rec.IsPremium), boolToInt(rec.IsVerified), boolToInt(rec.IsBot),
				rec.CollectedAt.UTC().Format(time.RFC3339),
				rec.SourceChatID, nullable(rec.SourceChatTitle),
			)
			if err != nil {
				stmt.Close()
				tx.Rollback()
				return fmt.Errorf("insert identity %d: %w", rec.UserID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				stmt.Close()
				tx.Rollback()
				return fmt.Errorf("rows affected: %w", err)
			}
			inserted += n
		}

		stmt.Close()
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit batch: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return inserted, nil
}

// GetByUserID returns one identity, or nil when not stored.
func (r *IdentitiesRepository) GetByUserID(ctx context.Context, userID int64) (*Identity, error) {
	var rec *Identity
	err := r.db.Read(ctx, func(conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx, selectColumns+" FROM identities WHERE user_id = ?", userID)
		found, err := scanIdentity(row)
		if err != nil {
			return err
		}
		rec = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// SearchByUsername returns identities whose username matches the given term
// (indexed equality first, LIKE fallback), newest collection first.
func (r *IdentitiesRepository) SearchByUsername(ctx context.Context, term string, limit int) ([]Identity, error) {
	if !strings.HasPrefix(term, "@") {
		term = "@" + term
	}
	return r.list(ctx, selectColumns+`
		FROM identities
		WHERE username = ? OR username LIKE ?
		ORDER BY collected_at DESC
		LIMIT ?`, term, term+"%", limit)
}

// CollectedBetween returns identities collected in [from, to), newest first.
func (r *IdentitiesRepository) CollectedBetween(ctx context.Context, from, to time.Time, limit int) ([]Identity, error) {
	return r.list(ctx, selectColumns+`
		FROM identities
		WHERE collected_at >= ? AND collected_at < ?
		ORDER BY collected_at DESC
		LIMIT ?`,
		from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339), limit)
}

// BySourceChat returns identities first observed in the given chat.
func (r *IdentitiesRepository) BySourceChat(ctx context.Context, chatID int64, limit int) ([]Identity, error) {
	return r.list(ctx, selectColumns+`
		FROM identities
		WHERE source_chat_id = ?
		ORDER BY collected_at DESC
		LIMIT ?`, chatID, limit)
}

// GetStats returns aggregate counters over the store.
func (r *IdentitiesRepository) GetStats(ctx context.Context) (*Stats, error) {
	var s Stats
	err := r.db.Read(ctx, func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, `
			SELECT COUNT(*),
			       COUNT(CASE WHEN username IS NOT NULL AND username != '' THEN 1 END),
			       COUNT(CASE WHEN is_premium = 1 THEN 1 END),
			       COUNT(CASE WHEN is_verified = 1 THEN 1 END),
			       COUNT(CASE WHEN is_bot = 1 THEN 1 END)
			FROM identities
		`).Scan(&s.Total, &s.WithUsername, &s.Premium, &s.Verified, &s.Bots)
	})
	if err != nil {
		return nil, fmt.Errorf("get stats: %w", err)
	}
	return &s, nil
}

// NormalizeUsernames prefixes stored usernames with @ where the marker is
// missing. Returns the number of updated rows.
func (r *IdentitiesRepository) NormalizeUsernames(ctx context.Context) (int64, error) {
	var updated int64
	err := r.db.Write(ctx, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, `
			UPDATE identities
			SET username = '@' || username
			WHERE username IS NOT NULL
			  AND username != ''
			  AND username NOT LIKE '@%'
		`)
		if err != nil {
			return fmt.Errorf("normalize usernames: %w", err)
		}
		updated, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	return updated, nil
}

const selectColumns = `
	SELECT user_id, username, first_name, last_name, phone,
	       is_premium, is_verified, is_bot,
	       collected_at, source_chat_id, source_chat_title`

func (r *IdentitiesRepository) list(ctx context.Context, query string, args ...any) ([]Identity, error) {
	var out []Identity
	err := r.db.Read(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("query identities: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			rec, err := scanIdentityRows(rows)
			if err != nil {
				return err
			}
			out = append(out, *rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(s rowScanner) (*Identity, error) {
	var rec Identity
	var username, first, last, phone, title sql.NullString
	var premium, verified, bot int
	var collectedAt string
	err := s.Scan(&rec.UserID, &username, &first, &last, &phone,
		&premium, &verified, &bot, &collectedAt, &rec.SourceChatID, &title)
	if err != nil {
		return nil, err
	}

	rec.Username = username.String
	rec.FirstName = first.String
	rec.LastName = last.String
	rec.Phone = phone.String
	rec.SourceChatTitle = title.String
	rec.IsPremium = premium == 1
	rec.IsVerified = verified == 1
	rec.IsBot = bot == 1
	if t, err := time.Parse(time.RFC3339, collectedAt); err == nil {
		rec.CollectedAt = t
	}

	return &rec, nil
}

func scanIdentity(row *sql.Row) (*Identity, error) {
	rec, err := scanRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan identity: %w", err)
	}
	return rec, nil
}

func scanIdentityRows(rows *sql.Rows) (*Identity, error) {
	rec, err := scanRow(rows)
	if err != nil {
		return nil, fmt.Errorf("scan identity: %w", err)
	}
	return rec, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
