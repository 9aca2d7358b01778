package campaign

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const migrationCampaigns = `
CREATE TABLE IF NOT EXISTS campaigns (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    steps TEXT NOT NULL DEFAULT '[]',
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_campaigns_name ON campaigns(name);
`

// SQLiteStore implements Store on SQLite
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and creates) the campaign database at path and runs migrations
func OpenSQLite(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an already opened database
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Migrate creates the schema
func (s *SQLiteStore) Migrate() error {
	if _, err := s.db.Exec(migrationCampaigns); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// Create inserts a campaign, assigning an ID when empty
func (s *SQLiteStore) Create(ctx context.Context, c *Campaign) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.CreatedAt = time.Now().UTC()
	c.UpdatedAt = c.CreatedAt

	steps, err := EncodeSteps(c.Steps)
	if err != nil {
		return fmt.Errorf("failed to encode steps: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO campaigns (id, name, description, steps, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Description, string(steps), c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}
	return nil
}

// Get returns a campaign by ID
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Campaign, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, steps, created_at, updated_at
		FROM campaigns WHERE id = ?`, id,
	)

	c, err := scanCampaign(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// List returns campaigns ordered by most recently updated
func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]*Campaign, error) {
	query := `SELECT id, name, description, steps, created_at, updated_at FROM campaigns WHERE 1=1`
	args := []any{}

	if filter.Search != "" {
		query += " AND (name LIKE ? OR description LIKE ?)"
		args = append(args, "%"+filter.Search+"%", "%"+filter.Search+"%")
	}

	query += " ORDER BY updated_at DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	campaigns := []*Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

// Update replaces name, description and steps of an existing campaign
func (s *SQLiteStore) Update(ctx context.Context, c *Campaign) error {
	c.UpdatedAt = time.Now().UTC()

	steps, err := EncodeSteps(c.Steps)
	if err != nil {
		return fmt.Errorf("failed to encode steps: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE campaigns SET name = ?, description = ?, steps = ?, updated_at = ?
		WHERE id = ?`,
		c.Name, c.Description, string(steps), c.UpdatedAt, c.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update campaign: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("campaign %s not found", c.ID)
	}
	return nil
}

// Delete removes a campaign
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM campaigns WHERE id = ?", id)
	return err
}

// Ping checks the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row scanner) (*Campaign, error) {
	var (
		c     Campaign
		steps string
	)
	if err := row.Scan(&c.ID, &c.Name, &c.Description, &steps, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}

	decoded, err := DecodeSteps([]byte(steps))
	if err != nil {
		return nil, fmt.Errorf("campaign %s: %w", c.ID, err)
	}
	c.Steps = decoded
	return &c, nil
}
