// Package assistants stores the tutor assistant catalogue: for each
// external assistant, its instructions and the vector store ids used for
// topic classification and evaluation questions.
package assistants

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("assistant not found")

// Assistant mirrors one row of the assistants table. ID is the external
// service's assistant identifier.
type Assistant struct {
	ID                       string
	Name                     string
	Instructions             string
	SubjectID                int64
	TopicsVectorStoreID      string
	EvaluationsVectorStoreID string
	GraderID                 string
}

type Repo struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) *Repo {
	return &Repo{pool: pool}
}

func (r *Repo) GetByID(ctx context.Context, id string) (*Assistant, error) {
	query := `
		SELECT assistant_id, name, instructions, subject_id,
		       topics_vector_store_id, evaluations_vector_store_id,
		       COALESCE(grader_id, '')
		FROM assistants
		WHERE assistant_id = $1
	`
	var a Assistant
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&a.ID, &a.Name, &a.Instructions, &a.SubjectID,
		&a.TopicsVectorStoreID, &a.EvaluationsVectorStoreID, &a.GraderID,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load assistant %s: %w", id, err)
	}
	return &a, nil
}
