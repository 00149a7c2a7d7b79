package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/aoipipe/internal/model"
)

// GetProject retrieves a project by ID. Returns ErrNotFound if it does not exist.
func (db *DB) GetProject(ctx context.Context, id string) (model.Project, error) {
	var p model.Project
	err := db.pool.QueryRow(ctx,
		`SELECT p.id, p.name, a.project_id IS NOT NULL, p.created_at, p.updated_at
		 FROM projects p
		 LEFT JOIN project_aois a ON a.project_id = p.id
		 WHERE p.id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.HasAOI, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Project{}, fmt.Errorf("storage: project %s: %w", id, ErrNotFound)
		}
		return model.Project{}, fmt.Errorf("storage: get project: %w", err)
	}
	return p, nil
}

// FindProject is GetProject for the pipeline runner: a missing project is
// reported as (nil, nil) rather than an error.
func (db *DB) FindProject(ctx context.Context, id string) (*model.Project, error) {
	p, err := db.GetProject(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
