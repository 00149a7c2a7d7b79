package model

import "time"

// Project is the subject of a pipeline run. Only the fields the runner and
// API need are loaded; the full project record is owned by the CRUD service.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	HasAOI    bool      `json:"hasAoi"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
