// ABOUTME: Project directory interface and data types for switchboard persistence
// ABOUTME: Projects name the working directories that sessions are started against

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateProject is returned when a project name is already taken
var ErrDuplicateProject = errors.New("project already exists")

// Project is a named working directory sessions can be started against
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ProjectStore persists the project directory
type ProjectStore interface {
	// CreateProject stores a new project. Returns ErrDuplicateProject if the
	// name or ID is already in use.
	CreateProject(ctx context.Context, p *Project) error

	// GetProject returns the project with the given ID or ErrNotFound.
	GetProject(ctx context.Context, id string) (*Project, error)

	// GetProjectByName returns the project with the given name or ErrNotFound.
	GetProjectByName(ctx context.Context, name string) (*Project, error)

	// ListProjects returns all projects ordered by name.
	ListProjects(ctx context.Context) ([]*Project, error)

	// DeleteProject removes a project. Returns ErrNotFound if it does not exist.
	DeleteProject(ctx context.Context, id string) error

	Close() error
}
