package sqlite

import (
	"context"
	"database/sql"

	"github.com/sessiond/sessiond/internal/domain"
	"github.com/sessiond/sessiond/internal/errs"
	"github.com/sessiond/sessiond/internal/repository"
)

type projectsRepo struct{ db *sql.DB }

func scanProject(row interface{ Scan(...any) error }) (domain.Project, error) {
	var p domain.Project
	var createdAt, updatedAt string
	err := row.Scan(&p.ID, &p.Name, &p.RepoPath, &p.MuxSessionName, &p.MuxWindowName,
		&p.TicketCorpusDir, &p.HandoffFilePath, &createdAt, &updatedAt)
	if err != nil {
		return domain.Project{}, err
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return p, nil
}

const projectCols = "id, name, repo_path, mux_session_name, mux_window_name, ticket_corpus_dir, handoff_file_path, created_at, updated_at"

func (r projectsRepo) GetByID(ctx context.Context, id string) (domain.Project, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+projectCols+" FROM projects WHERE id = ?", id)
	p, err := scanProject(row)
	if err != nil {
		return domain.Project{}, execErr(err, "project", id)
	}
	return p, nil
}

func (r projectsRepo) List(ctx context.Context, page, limit int) (repository.ProjectPage, error) {
	if limit <= 0 {
		limit = 50
	}
	if page < 0 {
		page = 0
	}
	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM projects").Scan(&total); err != nil {
		return repository.ProjectPage{}, errs.Externalf(err, "count projects")
	}

	rows, err := r.db.QueryContext(ctx,
		"SELECT "+projectCols+" FROM projects ORDER BY created_at ASC LIMIT ? OFFSET ?",
		limit, page*limit)
	if err != nil {
		return repository.ProjectPage{}, errs.Externalf(err, "list projects")
	}
	defer rows.Close()

	var out []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return repository.ProjectPage{}, errs.Externalf(err, "scan project row")
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return repository.ProjectPage{}, errs.Externalf(err, "iterate project rows")
	}
	return repository.ProjectPage{Projects: out, Total: total}, nil
}

func (r projectsRepo) Create(ctx context.Context, p domain.Project) (domain.Project, error) {
	if p.ID == "" {
		p.ID = newID()
	}
	now := nowRFC3339()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, repo_path, mux_session_name, mux_window_name, ticket_corpus_dir, handoff_file_path, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.RepoPath, p.MuxSessionName, p.MuxWindowName, p.TicketCorpusDir, p.HandoffFilePath, now, now)
	if err != nil {
		return domain.Project{}, errs.Externalf(err, "create project")
	}
	return r.GetByID(ctx, p.ID)
}

func (r projectsRepo) Update(ctx context.Context, id string, u repository.ProjectUpdate) (domain.Project, error) {
	existing, err := r.GetByID(ctx, id)
	if err != nil {
		return domain.Project{}, err
	}
	if u.Name != nil {
		existing.Name = *u.Name
	}
	if u.MuxSessionName != nil {
		existing.MuxSessionName = *u.MuxSessionName
	}
	if u.MuxWindowName != nil {
		existing.MuxWindowName = *u.MuxWindowName
	}
	if u.TicketCorpusDir != nil {
		existing.TicketCorpusDir = *u.TicketCorpusDir
	}
	if u.HandoffFilePath != nil {
		existing.HandoffFilePath = *u.HandoffFilePath
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE projects SET name=?, mux_session_name=?, mux_window_name=?, ticket_corpus_dir=?, handoff_file_path=?, updated_at=? WHERE id=?`,
		existing.Name, existing.MuxSessionName, existing.MuxWindowName, existing.TicketCorpusDir, existing.HandoffFilePath, nowRFC3339(), id)
	if err != nil {
		return domain.Project{}, errs.Externalf(err, "update project %s", id)
	}
	return r.GetByID(ctx, id)
}

func (r projectsRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM projects WHERE id = ?", id)
	if err != nil {
		return errs.Externalf(err, "delete project %s", id)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errs.NotFoundf("project", id)
	}
	return nil
}
