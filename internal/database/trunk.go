package database

import (
	"context"
	"fmt"

	"github.com/callreportd/callreportd/internal/database/models"
)

// trunkRepo implements TrunkRepository.
type trunkRepo struct {
	db *DB
}

// NewTrunkRepository creates a new TrunkRepository.
func NewTrunkRepository(db *DB) TrunkRepository {
	return &trunkRepo{db: db}
}

func (r *trunkRepo) List(ctx context.Context) ([]models.Trunk, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, contact FROM trunks ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying trunks: %w", err)
	}
	defer rows.Close()

	var trunks []models.Trunk
	for rows.Next() {
		var t models.Trunk
		if err := rows.Scan(&t.ID, &t.Name, &t.Contact); err != nil {
			return nil, fmt.Errorf("scanning trunk row: %w", err)
		}
		trunks = append(trunks, t)
	}
	return trunks, rows.Err()
}
