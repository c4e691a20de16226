// Package evaluation implements the evaluation lifecycle the tutor drives
// through tool calls: starting an evaluation (assembling exam questions for a
// subtopic) and grading it from the conversation transcript.
package evaluation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"

	"github.com/tutorchat/internal/assistants"
	"github.com/tutorchat/internal/classifier"
	"github.com/tutorchat/internal/vectorsearch"
)

const defaultQuestionCount = 5

// Evaluation mirrors one row of the evaluations table.
type Evaluation struct {
	ID          int64     `json:"evaluation_id"`
	Grade       float64   `json:"grade"`
	SubtopicID  int64     `json:"subtopic_id"`
	StudentID   int64     `json:"student_id"`
	AssistantID string    `json:"assistant_id"`
	Pending     bool      `json:"pending"`
	CreatedAt   time.Time `json:"created_at"`
}

// Question is one exam question handed to the assistant, either retrieved
// from the evaluations vector store or generated on the spot.
type Question struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// StartResult is what the assistant receives back from a started evaluation.
type StartResult struct {
	EvaluationID int64      `json:"evaluation_id"`
	Questions    []Question `json:"questions"`
}

type Repo struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) *Repo {
	return &Repo{pool: pool}
}

func (r *Repo) Insert(ctx context.Context, ev *Evaluation) error {
	query := `
		INSERT INTO evaluations (grade, subtopic_id, student_id, assistant_id, pending, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING evaluation_id
	`
	ev.CreatedAt = time.Now().UTC()
	err := r.pool.QueryRow(ctx, query,
		ev.Grade, ev.SubtopicID, ev.StudentID, ev.AssistantID, ev.Pending, ev.CreatedAt,
	).Scan(&ev.ID)
	if err != nil {
		return fmt.Errorf("failed to insert evaluation: %w", err)
	}
	return nil
}

// SetGrade stores the final grade and marks the evaluation graded.
func (r *Repo) SetGrade(ctx context.Context, evaluationID int64, grade float64) error {
	query := `UPDATE evaluations SET grade = $1, pending = FALSE WHERE evaluation_id = $2`
	tag, err := r.pool.Exec(ctx, query, grade, evaluationID)
	if err != nil {
		return fmt.Errorf("failed to grade evaluation %d: %w", evaluationID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("evaluation %d not found", evaluationID)
	}
	return nil
}

func (r *Repo) ListByStudent(ctx context.Context, studentID int64) ([]Evaluation, error) {
	query := `
		SELECT evaluation_id, grade, subtopic_id, student_id, assistant_id, pending, created_at
		FROM evaluations
		WHERE student_id = $1
		ORDER BY created_at DESC
	`
	rows, err := r.pool.Query(ctx, query, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list evaluations: %w", err)
	}
	defer rows.Close()

	var evals []Evaluation
	for rows.Next() {
		var ev Evaluation
		if err := rows.Scan(&ev.ID, &ev.Grade, &ev.SubtopicID, &ev.StudentID,
			&ev.AssistantID, &ev.Pending, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan evaluation: %w", err)
		}
		evals = append(evals, ev)
	}
	return evals, rows.Err()
}

func (r *Repo) GetByID(ctx context.Context, evaluationID int64) (*Evaluation, error) {
	query := `
		SELECT evaluation_id, grade, subtopic_id, student_id, assistant_id, pending, created_at
		FROM evaluations
		WHERE evaluation_id = $1
	`
	var ev Evaluation
	err := r.pool.QueryRow(ctx, query, evaluationID).Scan(
		&ev.ID, &ev.Grade, &ev.SubtopicID, &ev.StudentID, &ev.AssistantID, &ev.Pending, &ev.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("evaluation %d not found", evaluationID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load evaluation %d: %w", evaluationID, err)
	}
	return &ev, nil
}

// Classifier resolves a subtopic name to its identifier triple.
type Classifier interface {
	Classify(ctx context.Context, text, vectorStoreID string, studentID int64) (classifier.Classification, error)
}

// Searcher queries the evaluations vector store for stored exam questions.
type Searcher interface {
	Search(ctx context.Context, vectorStoreID, query string, maxResults int, filter *vectorsearch.AttributeFilter) ([]vectorsearch.Hit, error)
}

// Completer runs the stateless completions used for question generation and
// grading.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteJSON(ctx context.Context, prompt string, out any) error
}

// Conversations reads thread messages for transcript reconstruction.
type Conversations interface {
	ListMessages(ctx context.Context, threadID string, limit int) ([]openai.Message, error)
}

// Store is the persistence slice the service needs.
type Store interface {
	Insert(ctx context.Context, ev *Evaluation) error
	SetGrade(ctx context.Context, evaluationID int64, grade float64) error
}

// AssistantDirectory looks up assistant records.
type AssistantDirectory interface {
	GetByID(ctx context.Context, id string) (*assistants.Assistant, error)
}

type Service struct {
	repo       Store
	assistants AssistantDirectory
	classifier Classifier
	search     Searcher
	llm        Completer
	conv       Conversations
}

func NewService(repo Store, asst AssistantDirectory, cls Classifier, search Searcher, llm Completer, conv Conversations) *Service {
	return &Service{repo: repo, assistants: asst, classifier: cls, search: search, llm: llm, conv: conv}
}

// Start creates a pending evaluation for the student on the named subtopic
// and returns the exam questions the assistant should present.
func (s *Service) Start(ctx context.Context, subtopic string, numQuestions int, studentID int64, assistantID string) (*StartResult, error) {
	if numQuestions <= 0 {
		numQuestions = defaultQuestionCount
	}

	asst, err := s.assistants.GetByID(ctx, assistantID)
	if err != nil {
		return nil, err
	}
	storeID := asst.EvaluationsVectorStoreID

	cls, err := s.classifier.Classify(ctx, subtopic, storeID, studentID)
	if err != nil {
		return nil, err
	}

	questions, err := s.fetchQuestions(ctx, subtopic, cls.SubtopicID, numQuestions, storeID)
	if err != nil {
		return nil, err
	}

	ev := &Evaluation{
		Grade:       0,
		SubtopicID:  cls.SubtopicID,
		StudentID:   studentID,
		AssistantID: assistantID,
		Pending:     true,
	}
	if err := s.repo.Insert(ctx, ev); err != nil {
		return nil, err
	}

	log.Info().
		Int64("evaluation_id", ev.ID).
		Int64("subtopic_id", cls.SubtopicID).
		Int("questions", len(questions)).
		Msg("evaluation started")
	return &StartResult{EvaluationID: ev.ID, Questions: questions}, nil
}

// fetchQuestions pulls stored questions for the subtopic and generates the
// shortfall with the completion model.
func (s *Service) fetchQuestions(ctx context.Context, subtopic string, subtopicID int64, n int, storeID string) ([]Question, error) {
	filter := &vectorsearch.AttributeFilter{Key: "subtopic_id", Value: fmt.Sprintf("%d", subtopicID)}
	hits, err := s.search.Search(ctx, storeID, subtopic, n, filter)
	if err != nil {
		log.Warn().Err(err).Msg("question search failed, generating full set")
		hits = nil
	}

	questions := make([]Question, 0, n)
	for _, h := range hits {
		id, _ := h.Attributes["question_id"].(string)
		questions = append(questions, Question{ID: id, Text: h.Content})
	}

	if missing := n - len(questions); missing > 0 {
		examples := make([]string, 0, len(questions))
		for _, q := range questions {
			examples = append(examples, q.Text)
		}
		generated, err := s.generateQuestions(ctx, subtopic, subtopicID, missing, examples)
		if err != nil {
			if len(questions) == 0 {
				return nil, err
			}
			log.Warn().Err(err).Msg("question generation failed, using stored questions only")
		}
		for i, text := range generated {
			questions = append(questions, Question{ID: fmt.Sprintf("gen-%d", i+1), Text: text})
		}
	}

	if len(questions) > n {
		questions = questions[:n]
	}
	return questions, nil
}

func (s *Service) generateQuestions(ctx context.Context, subtopic string, subtopicID int64, count int, examples []string) ([]string, error) {
	var b strings.Builder
	fmt.Fprintf(&b,
		"Sos un generador de preguntas de nivel universitario. "+
			"Generá %d preguntas tipo examen para el subtema %q (ID %d). "+
			"Las expresiones matemáticas (si las hay) deberán estar obligatoriamente "+
			"escritas en formato LaTeX, usando el entorno:\n\n"+
			"\\[\n\\begin{align*}\n...\n\\end{align*}\n\\]\n\n"+
			"No incluyas respuestas ni explicaciones. No uses numeración. "+
			"Separá cada pregunta con dos líneas en blanco.\n\n",
		count, subtopic, subtopicID)
	if len(examples) > 0 {
		b.WriteString("Aquí algunos ejemplos del estilo esperado:\n\n")
		b.WriteString(strings.Join(examples, "\n\n"))
	}

	raw, err := s.llm.Complete(ctx, b.String())
	if err != nil {
		return nil, fmt.Errorf("question generation failed: %w", err)
	}
	return splitGeneratedQuestions(raw), nil
}

type gradeResponse struct {
	FinalGrade float64 `json:"nota_final"`
	Feedback   string  `json:"feedback_general"`
}

// Grade reconstructs the recent conversation transcript, asks the completion
// model for a 0-10 grade, and persists it.
func (s *Service) Grade(ctx context.Context, threadID string, evaluationID int64) (float64, error) {
	msgs, err := s.conv.ListMessages(ctx, threadID, 10)
	if err != nil {
		return 0, fmt.Errorf("failed to load transcript: %w", err)
	}

	lines := make([]string, 0, len(msgs))
	// The API lists newest first; the grader wants chronological order.
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if text := messageText(m); text != "" {
			lines = append(lines, fmt.Sprintf("%s: %s", m.Role, text))
		}
	}
	transcript := strings.Join(lines, "\n")

	prompt := fmt.Sprintf(
		"Eres un experto evaluador de materias universitarias. A continuación te proporciono "+
			"el historial de una conversación. Tu tarea es identificar las preguntas de la "+
			"evaluación y las respuestas proporcionadas por el 'user'. Basado en esto, "+
			"proporciona una nota final del 0 al 10.\n\n"+
			"Historial de la Conversación:\n---\n%s\n---\n\n"+
			"Basado en el historial, devuelve EXCLUSIVAMENTE un objeto JSON con la siguiente estructura:\n"+
			"{\n\"nota_final\": <un número entero o flotante del 0 al 10>,\n"+
			"\"feedback_general\": \"Un breve comentario sobre el desempeño del estudiante.\"\n}",
		transcript)

	var result gradeResponse
	if err := s.llm.CompleteJSON(ctx, prompt, &result); err != nil {
		return 0, fmt.Errorf("grading completion failed: %w", err)
	}

	if err := s.repo.SetGrade(ctx, evaluationID, result.FinalGrade); err != nil {
		return 0, err
	}

	log.Info().
		Int64("evaluation_id", evaluationID).
		Float64("grade", result.FinalGrade).
		Msg("evaluation graded")
	return result.FinalGrade, nil
}

// messageText joins a message's text blocks, skipping images and other
// non-text content.
func messageText(m openai.Message) string {
	var parts []string
	for _, c := range m.Content {
		if c.Text != nil && c.Text.Value != "" {
			parts = append(parts, c.Text.Value)
		}
	}
	return strings.Join(parts, " ")
}
