package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ayusman/poserig/internal/config"
)

var (
	// ErrNotFound is returned when a requested resource does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a preset name is already taken for its kind.
	ErrDuplicate = errors.New("preset already exists")
)

// Preset is a named attribute set for one component kind.
type Preset struct {
	ID         string
	Name       string
	Kind       string
	Attributes config.Attributes
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// PresetRepository provides CRUD operations for presets.
type PresetRepository struct {
	db *sql.DB
}

// Presets returns the preset repository for this store.
func (s *Store) Presets() *PresetRepository {
	return &PresetRepository{db: s.db}
}

func encodeAttributes(attrs config.Attributes) (string, error) {
	if attrs == nil {
		return "{}", nil
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("encode attributes: %w", err)
	}
	return string(data), nil
}

func decodeAttributes(raw string) (config.Attributes, error) {
	attrs := config.Attributes{}
	if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
		return nil, fmt.Errorf("decode attributes: %w", err)
	}
	return attrs, nil
}

// isUniqueViolation matches SQLite's constraint error text.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Create inserts a new preset into the database.
func (r *PresetRepository) Create(p *Preset) error {
	attrs, err := encodeAttributes(p.Attributes)
	if err != nil {
		return err
	}

	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err = r.db.Exec(
		`INSERT INTO presets (id, name, kind, attributes, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Kind, attrs, p.CreatedAt, p.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s/%s", ErrDuplicate, p.Kind, p.Name)
	}
	return err
}

func scanPreset(row interface{ Scan(...any) error }) (*Preset, error) {
	p := &Preset{}
	var attrs string

	if err := row.Scan(&p.ID, &p.Name, &p.Kind, &attrs, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}

	decoded, err := decodeAttributes(attrs)
	if err != nil {
		return nil, err
	}
	p.Attributes = decoded
	return p, nil
}

// GetByID retrieves a preset by its ID.
func (r *PresetRepository) GetByID(id string) (*Preset, error) {
	p, err := scanPreset(r.db.QueryRow(
		`SELECT id, name, kind, attributes, created_at, updated_at
		 FROM presets WHERE id = ?`,
		id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// GetByName retrieves a preset by kind and name.
func (r *PresetRepository) GetByName(kind, name string) (*Preset, error) {
	p, err := scanPreset(r.db.QueryRow(
		`SELECT id, name, kind, attributes, created_at, updated_at
		 FROM presets WHERE kind = ? AND name = ?`,
		kind, name,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// List retrieves presets ordered by name. An empty kind lists all kinds.
func (r *PresetRepository) List(kind string) ([]*Preset, error) {
	query := `SELECT id, name, kind, attributes, created_at, updated_at FROM presets`
	var args []any
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY name`

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var presets []*Preset
	for rows.Next() {
		p, err := scanPreset(rows)
		if err != nil {
			return nil, err
		}
		presets = append(presets, p)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return presets, nil
}

// Update updates an existing preset in the database.
func (r *PresetRepository) Update(p *Preset) error {
	attrs, err := encodeAttributes(p.Attributes)
	if err != nil {
		return err
	}

	p.UpdatedAt = time.Now()

	result, err := r.db.Exec(
		`UPDATE presets SET name = ?, kind = ?, attributes = ?, updated_at = ?
		 WHERE id = ?`,
		p.Name, p.Kind, attrs, p.UpdatedAt, p.ID,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s/%s", ErrDuplicate, p.Kind, p.Name)
	}
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// Delete removes a preset from the database by its ID.
func (r *PresetRepository) Delete(id string) error {
	result, err := r.db.Exec(`DELETE FROM presets WHERE id = ?`, id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// Resolve returns the attributes for a component: the named preset's
// attributes with inline attributes applied on top. An empty preset name
// returns the inline attributes.
func (r *PresetRepository) Resolve(kind, preset string, inline config.Attributes) (config.Attributes, error) {
	if preset == "" {
		return inline.Clone(), nil
	}

	p, err := r.GetByName(kind, preset)
	if err != nil {
		return nil, fmt.Errorf("preset %s/%s: %w", kind, preset, err)
	}
	return p.Attributes.Merge(inline), nil
}
