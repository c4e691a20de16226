// Package questions persists the questions students ask, together with the
// topic classification resolved for each one. The most recent row per
// student doubles as the classifier's fallback context.
package questions

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/tutorchat/internal/classifier"
)

// Question is one persisted student question.
type Question struct {
	ID          int64
	Content     string
	SubtopicID  int64
	TopicID     int64
	UnitID      int64
	StudentID   int64
	AssistantID string
	CreatedAt   time.Time
}

type Repo struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) *Repo {
	return &Repo{pool: pool}
}

// Insert writes the question inside tx so callers control the unit of work.
func (r *Repo) Insert(ctx context.Context, tx pgx.Tx, q *Question) error {
	query := `
		INSERT INTO questions (content, subtopic_id, topic_id, unit_id, student_id, assistant_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING question_id
	`
	err := tx.QueryRow(ctx, query,
		q.Content, q.SubtopicID, q.TopicID, q.UnitID, q.StudentID, q.AssistantID, time.Now().UTC(),
	).Scan(&q.ID)
	if err != nil {
		return fmt.Errorf("failed to insert question: %w", err)
	}
	return nil
}

// LastClassification returns the classification of the student's most recent
// question, or nil when the student has never asked one. Implements the
// classifier's fallback lookup.
func (r *Repo) LastClassification(ctx context.Context, studentID int64) (*classifier.Classification, error) {
	query := `
		SELECT subtopic_id, topic_id, unit_id
		FROM questions
		WHERE student_id = $1
		ORDER BY created_at DESC, question_id DESC
		LIMIT 1
	`
	var c classifier.Classification
	err := r.pool.QueryRow(ctx, query, studentID).Scan(&c.SubtopicID, &c.TopicID, &c.UnitID)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load last classification: %w", err)
	}
	return &c, nil
}

// Classifier resolves free text to a classification triple.
type Classifier interface {
	Classify(ctx context.Context, text, vectorStoreID string, studentID int64) (classifier.Classification, error)
}

// Service implements the classify-then-persist side effect. Each call runs in
// its own transaction, so one conversation's failure never bleeds into
// another's.
type Service struct {
	pool       *pgxpool.Pool
	repo       *Repo
	classifier Classifier
}

func NewService(pool *pgxpool.Pool, repo *Repo, cls Classifier) *Service {
	return &Service{pool: pool, repo: repo, classifier: cls}
}

// PersistAndClassify classifies text against the assistant's topic corpus and
// stores the question with the resolved triple.
func (s *Service) PersistAndClassify(ctx context.Context, text, topicsVectorStoreID, assistantID string, studentID int64) (*Question, error) {
	cls, err := s.classifier.Classify(ctx, text, topicsVectorStoreID, studentID)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	q := &Question{
		Content:     text,
		SubtopicID:  cls.SubtopicID,
		TopicID:     cls.TopicID,
		UnitID:      cls.UnitID,
		StudentID:   studentID,
		AssistantID: assistantID,
	}
	if err := s.repo.Insert(ctx, tx, q); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit question: %w", err)
	}

	log.Debug().
		Int64("question_id", q.ID).
		Int64("subtopic_id", q.SubtopicID).
		Int64("student_id", studentID).
		Msg("question persisted")
	return q, nil
}
