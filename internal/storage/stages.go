package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/aoipipe/internal/pipeline"
)

// AOIStatistics summarizes green-space coverage inside a project's AOI.
type AOIStatistics struct {
	AOIAreaM2   float64
	GreenAreaM2 float64
	Polygons    int
}

// GreenShare is the fraction of the AOI covered by green space.
func (s AOIStatistics) GreenShare() float64 {
	if s.AOIAreaM2 <= 0 {
		return 0
	}
	return s.GreenAreaM2 / s.AOIAreaM2
}

// RegisterStages binds the default AOI stage keys to the PostGIS queries
// below. bufferMeters is the buffer distance used by BUFFER_AOI and the
// stages that work on the buffered AOI.
func (db *DB) RegisterStages(reg *pipeline.Registry, bufferMeters float64) {
	reg.Register(pipeline.StageValidateAOI, db.ValidateAOI)
	reg.Register(pipeline.StageBufferAOI, func(ctx context.Context, projectID string) error {
		_, err := db.BufferAOI(ctx, projectID, bufferMeters)
		return err
	})
	reg.Register(pipeline.StageClipData, func(ctx context.Context, projectID string) error {
		_, err := db.ClipData(ctx, projectID, bufferMeters)
		return err
	})
	reg.Register(pipeline.StageMergeGreenSpace, func(ctx context.Context, projectID string) error {
		_, err := db.MergeGreenSpace(ctx, projectID, bufferMeters)
		return err
	})
	reg.Register(pipeline.StageComputeStatistics, func(ctx context.Context, projectID string) error {
		_, err := db.ComputeStatistics(ctx, projectID, bufferMeters)
		return err
	})
	reg.Register(pipeline.StagePublishResults, db.PublishResults)
}

// ValidateAOI checks that the project's AOI exists and is a valid, non-empty geometry.
func (db *DB) ValidateAOI(ctx context.Context, projectID string) error {
	var valid, empty bool
	var reason string
	err := db.pool.QueryRow(ctx,
		`SELECT ST_IsValid(geom), ST_IsEmpty(geom), ST_IsValidReason(geom)
		 FROM project_aois WHERE project_id = $1`, projectID,
	).Scan(&valid, &empty, &reason)
	if err != nil {
		return aoiErr("validate aoi", projectID, err)
	}
	if empty {
		return fmt.Errorf("storage: validate aoi %s: geometry is empty", projectID)
	}
	if !valid {
		return fmt.Errorf("storage: validate aoi %s: %s", projectID, reason)
	}
	return nil
}

// BufferAOI returns the area in square meters of the AOI buffered by meters.
func (db *DB) BufferAOI(ctx context.Context, projectID string, meters float64) (float64, error) {
	var area float64
	err := db.pool.QueryRow(ctx,
		`SELECT ST_Area(ST_Buffer(geom::geography, $2))
		 FROM project_aois WHERE project_id = $1`, projectID, meters,
	).Scan(&area)
	if err != nil {
		return 0, aoiErr("buffer aoi", projectID, err)
	}
	if area <= 0 {
		return 0, fmt.Errorf("storage: buffer aoi %s: buffered area is zero", projectID)
	}
	return area, nil
}

// ClipData counts green-space polygons intersecting the buffered AOI. Every
// AOI query groups by the AOI row so a missing AOI yields no row.
func (db *DB) ClipData(ctx context.Context, projectID string, meters float64) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`WITH aoi AS (
			SELECT ST_Buffer(geom::geography, $2)::geometry AS geom
			FROM project_aois WHERE project_id = $1
		 )
		 SELECT count(g.id)
		 FROM aoi LEFT JOIN green_spaces g ON ST_Intersects(g.geom, aoi.geom)
		 GROUP BY aoi.geom`,
		projectID, meters,
	).Scan(&n)
	if err != nil {
		return 0, aoiErr("clip data", projectID, err)
	}
	return n, nil
}

// MergeGreenSpace returns the number of disjoint parts left after dissolving
// the clipped green-space polygons.
func (db *DB) MergeGreenSpace(ctx context.Context, projectID string, meters float64) (int, error) {
	var parts int
	err := db.pool.QueryRow(ctx,
		`WITH aoi AS (
			SELECT ST_Buffer(geom::geography, $2)::geometry AS geom
			FROM project_aois WHERE project_id = $1
		 )
		 SELECT COALESCE(ST_NumGeometries(ST_Multi(ST_Union(ST_Intersection(g.geom, aoi.geom)))), 0)
		 FROM aoi LEFT JOIN green_spaces g ON ST_Intersects(g.geom, aoi.geom)
		 GROUP BY aoi.geom`,
		projectID, meters,
	).Scan(&parts)
	if err != nil {
		return 0, aoiErr("merge green space", projectID, err)
	}
	return parts, nil
}

// ComputeStatistics measures the AOI and its green-space coverage.
func (db *DB) ComputeStatistics(ctx context.Context, projectID string, meters float64) (AOIStatistics, error) {
	var s AOIStatistics
	err := db.pool.QueryRow(ctx,
		`WITH aoi AS (
			SELECT ST_Buffer(geom::geography, $2)::geometry AS geom
			FROM project_aois WHERE project_id = $1
		 )
		 SELECT ST_Area(aoi.geom::geography),
		        COALESCE(SUM(ST_Area(ST_Intersection(g.geom, aoi.geom)::geography)), 0),
		        count(g.id)
		 FROM aoi LEFT JOIN green_spaces g ON ST_Intersects(g.geom, aoi.geom)
		 GROUP BY aoi.geom`,
		projectID, meters,
	).Scan(&s.AOIAreaM2, &s.GreenAreaM2, &s.Polygons)
	if err != nil {
		return AOIStatistics{}, aoiErr("compute statistics", projectID, err)
	}
	return s, nil
}

// PublishResults confirms the project and its AOI are still present so the
// results can be served.
func (db *DB) PublishResults(ctx context.Context, projectID string) error {
	p, err := db.GetProject(ctx, projectID)
	if err != nil {
		return fmt.Errorf("storage: publish results: %w", err)
	}
	if !p.HasAOI {
		return fmt.Errorf("storage: publish results %s: %w", projectID, ErrNoAOI)
	}
	return nil
}

func aoiErr(op, projectID string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("storage: %s %s: %w", op, projectID, ErrNoAOI)
	}
	return fmt.Errorf("storage: %s %s: %w", op, projectID, err)
}
