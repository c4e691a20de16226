// Package threads manages the persistent conversation thread each student
// holds with the external service, and exposes the rendered message history.
package threads

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"
)

const historyLimit = 30

// MessagePart is one renderable fragment of a thread message. Type is
// "text" or "image"; images carry a base64 data URL.
type MessagePart struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	DataURL string `json:"data_url,omitempty"`
}

// Message is one thread message in caller-facing form.
type Message struct {
	ID        string        `json:"id"`
	Role      string        `json:"role"`
	Parts     []MessagePart `json:"parts"`
	CreatedAt int           `json:"created_at"`
}

type Repo struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) *Repo {
	return &Repo{pool: pool}
}

// ThreadIDForStudent returns the student's stored external thread id, or ""
// when none exists yet.
func (r *Repo) ThreadIDForStudent(ctx context.Context, studentID int64) (string, error) {
	query := `SELECT thread_id FROM threads WHERE student_id = $1`
	var threadID string
	err := r.pool.QueryRow(ctx, query, studentID).Scan(&threadID)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load thread for student %d: %w", studentID, err)
	}
	return threadID, nil
}

func (r *Repo) Insert(ctx context.Context, threadID string, studentID int64) error {
	query := `INSERT INTO threads (thread_id, student_id, created_at) VALUES ($1, $2, NOW())`
	if _, err := r.pool.Exec(ctx, query, threadID, studentID); err != nil {
		return fmt.Errorf("failed to insert thread: %w", err)
	}
	return nil
}

// Conversations is the slice of the external-service client the thread
// service needs.
type Conversations interface {
	CreateThread(ctx context.Context) (openai.Thread, error)
	ListMessages(ctx context.Context, threadID string, limit int) ([]openai.Message, error)
	FileContent(ctx context.Context, fileID string) ([]byte, error)
}

type Service struct {
	repo *Repo
	conv Conversations
}

func NewService(repo *Repo, conv Conversations) *Service {
	return &Service{repo: repo, conv: conv}
}

// GetOrCreateForStudent returns the student's thread id, creating a fresh
// external thread on first contact.
func (s *Service) GetOrCreateForStudent(ctx context.Context, studentID int64) (string, error) {
	threadID, err := s.repo.ThreadIDForStudent(ctx, studentID)
	if err != nil {
		return "", err
	}
	if threadID != "" {
		return threadID, nil
	}

	thread, err := s.conv.CreateThread(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to create thread: %w", err)
	}
	threadID = thread.ID
	if err := s.repo.Insert(ctx, threadID, studentID); err != nil {
		return "", err
	}
	log.Info().Str("thread_id", threadID).Int64("student_id", studentID).
		Msg("created thread for student")
	return threadID, nil
}

// History renders the thread's recent messages oldest-first. Image file
// references are inlined as data URLs; corrupt references (the model's code
// interpreter occasionally leaves empty file ids behind) are skipped, and
// unreadable files degrade to a placeholder text part.
func (s *Service) History(ctx context.Context, threadID string) ([]Message, error) {
	raw, err := s.conv.ListMessages(ctx, threadID, historyLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	messages := make([]Message, 0, len(raw))
	for _, m := range raw {
		parts := make([]MessagePart, 0, len(m.Content))
		for _, c := range m.Content {
			switch {
			case c.Text != nil:
				parts = append(parts, MessagePart{Type: "text", Text: c.Text.Value})
			case c.ImageFile != nil:
				if c.ImageFile.FileID == "" {
					log.Warn().Str("message_id", m.ID).
						Msg("skipping corrupt file reference in message")
					continue
				}
				data, err := s.conv.FileContent(ctx, c.ImageFile.FileID)
				if err != nil {
					log.Error().Err(err).Str("file_id", c.ImageFile.FileID).
						Msg("failed to fetch image file")
					parts = append(parts, MessagePart{Type: "text", Text: "[error: image could not be loaded]"})
					continue
				}
				dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(data)
				parts = append(parts, MessagePart{Type: "image", DataURL: dataURL})
			}
		}
		messages = append(messages, Message{ID: m.ID, Role: m.Role, Parts: parts, CreatedAt: m.CreatedAt})
	}

	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedAt < messages[j].CreatedAt
	})
	return messages, nil
}
