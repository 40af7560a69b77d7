package repository

import (
	"context"
	"errors"
	"fmt"

	"project_hub/internal/domain"
	apperrors "project_hub/pkg/errors"
	"project_hub/pkg/logger"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ProjectRepository interface {
	GetProject(ctx context.Context, id uuid.UUID) (*domain.Project, error)
	GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error)
}

type projectRepository struct {
	db  *pgxpool.Pool
	log logger.Logger
}

func NewProjectRepository(db *pgxpool.Pool, log logger.Logger) ProjectRepository {
	return &projectRepository{db: db, log: log}
}

func (r *projectRepository) GetProject(ctx context.Context, id uuid.UUID) (*domain.Project, error) {
	query := `SELECT id, organization_id, name, created_at FROM projects WHERE id = $1`

	project := &domain.Project{}
	err := r.db.QueryRow(ctx, query, id).Scan(&project.ID, &project.OrganizationID, &project.Name, &project.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrProjectNotFound
		}
		r.log.Error("Failed to get project", "error", err, "project_id", id)
		return nil, fmt.Errorf("get project: %w", err)
	}

	return project, nil
}

func (r *projectRepository) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	query := `SELECT id, project_id, title, created_at FROM tasks WHERE id = $1`

	task := &domain.Task{}
	err := r.db.QueryRow(ctx, query, id).Scan(&task.ID, &task.ProjectID, &task.Title, &task.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrTaskNotFound
		}
		r.log.Error("Failed to get task", "error", err, "task_id", id)
		return nil, fmt.Errorf("get task: %w", err)
	}

	return task, nil
}
