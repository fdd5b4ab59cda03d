package device

import (
	"context"
	"fmt"

	"github.com/com6056/nanit-sound-light/internal/infrastructure/database"
)

// ColorRepository persists per-device colour memory so "turn the light
// back on" survives a daemon restart.
type ColorRepository struct {
	db *database.DB
}

// NewColorRepository creates a colour repository backed by the database.
func NewColorRepository(db *database.DB) *ColorRepository {
	return &ColorRepository{db: db}
}

// Save upserts the remembered colour for a device.
func (r *ColorRepository) Save(ctx context.Context, deviceID string, c Color) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO last_colors (device_id, hue, saturation, brightness, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(device_id) DO UPDATE SET
			hue = excluded.hue,
			saturation = excluded.saturation,
			brightness = excluded.brightness,
			updated_at = CURRENT_TIMESTAMP
	`, deviceID, c.Hue, c.Saturation, c.Brightness)
	if err != nil {
		return fmt.Errorf("saving last colour for %s: %w", deviceID, err)
	}
	return nil
}

// LoadAll returns the remembered colour for every known device.
func (r *ColorRepository) LoadAll(ctx context.Context) (map[string]Color, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT device_id, hue, saturation, brightness FROM last_colors`)
	if err != nil {
		return nil, fmt.Errorf("loading last colours: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Read side only

	colors := make(map[string]Color)
	for rows.Next() {
		var id string
		var c Color
		if err := rows.Scan(&id, &c.Hue, &c.Saturation, &c.Brightness); err != nil {
			return nil, fmt.Errorf("scanning last colour row: %w", err)
		}
		colors[id] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating last colour rows: %w", err)
	}

	return colors, nil
}
