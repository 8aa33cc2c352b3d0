// Package file provides file-based persistence, one JSON document per entity.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dukex/runbook/pkg/models"
	"github.com/dukex/runbook/pkg/persistence"
	"github.com/google/uuid"
)

var errInvalidID = errors.New("invalid entity id")

// Persistence implements persistence.Persistence on top of a directory tree:
// <root>/jobs, <root>/events, <root>/executions, <root>/logs and <root>/workflows.
type Persistence struct {
	root string

	// mu serializes writers so that read-modify-write operations such as Claim stay atomic
	// within the process.
	mu sync.Mutex

	jobRepo       *JobRepository
	eventRepo     *EventRepository
	executionRepo *ExecutionRepository
	workflowRepo  *WorkflowRepository
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	p := &Persistence{root: cleanRoot}
	p.jobRepo = &JobRepository{p: p, jobs: collection[models.Job]{dir: filepath.Join(cleanRoot, "jobs")}}
	p.eventRepo = &EventRepository{p: p, events: collection[models.Event]{dir: filepath.Join(cleanRoot, "events")}}
	p.executionRepo = &ExecutionRepository{
		p:          p,
		executions: collection[models.Execution]{dir: filepath.Join(cleanRoot, "executions")},
		logs:       collection[models.Log]{dir: filepath.Join(cleanRoot, "logs")},
	}
	p.workflowRepo = &WorkflowRepository{p: p, workflows: collection[models.Workflow]{dir: filepath.Join(cleanRoot, "workflows")}}

	return p
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck checks if the file persistence layer is healthy by verifying the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func (fp *Persistence) JobRepository() persistence.JobRepository {
	return fp.jobRepo
}

func (fp *Persistence) EventRepository() persistence.EventRepository {
	return fp.eventRepo
}

func (fp *Persistence) ExecutionRepository() persistence.ExecutionRepository {
	return fp.executionRepo
}

func (fp *Persistence) WorkflowRepository() persistence.WorkflowRepository {
	return fp.workflowRepo
}

func (fp *Persistence) now() time.Time {
	return time.Now().UTC()
}

func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate ID: %w", err)
	}

	return id.String(), nil
}

// collection stores documents of type T as <dir>/<id>.json.
type collection[T any] struct {
	dir string
}

func (c collection[T]) path(id string) (string, error) {
	if id == "" || filepath.Base(id) != id || strings.HasPrefix(id, ".") {
		return "", errInvalidID
	}

	return filepath.Join(c.dir, id+".json"), nil
}

// read returns fs.ErrNotExist when the document is missing.
func (c collection[T]) read(id string) (*T, error) {
	filePath, err := c.path(id)
	if err != nil {
		return nil, fs.ErrNotExist
	}

	body, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var doc T

	err = json.Unmarshal(body, &doc)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", filePath, err)
	}

	return &doc, nil
}

func (c collection[T]) write(id string, doc *T) error {
	filePath, err := c.path(id)
	if err != nil {
		return err
	}

	err = os.MkdirAll(c.dir, 0750)
	if err != nil {
		return fmt.Errorf("failed to create directory %s: %w", c.dir, err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode document %s: %w", id, err)
	}

	tmp := filePath + ".tmp"

	err = os.WriteFile(tmp, data, 0600)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}

	return os.Rename(tmp, filePath)
}

func (c collection[T]) remove(id string) error {
	filePath, err := c.path(id)
	if err != nil {
		return fs.ErrNotExist
	}

	return os.Remove(filePath)
}

func (c collection[T]) all() ([]*T, error) {
	matches, err := fs.Glob(os.DirFS(c.dir), "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", c.dir, err)
	}

	docs := make([]*T, 0, len(matches))

	for _, match := range matches {
		doc, err := c.read(strings.TrimSuffix(match, ".json"))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}

		if err != nil {
			return nil, err
		}

		docs = append(docs, doc)
	}

	return docs, nil
}
