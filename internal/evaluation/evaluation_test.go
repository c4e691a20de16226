package evaluation

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorchat/internal/assistants"
	"github.com/tutorchat/internal/classifier"
	"github.com/tutorchat/internal/orchestrator"
	"github.com/tutorchat/internal/vectorsearch"
)

type fakeStore struct {
	inserted []*Evaluation
	grades   map[int64]float64
}

func (f *fakeStore) Insert(ctx context.Context, ev *Evaluation) error {
	ev.ID = int64(len(f.inserted) + 1)
	f.inserted = append(f.inserted, ev)
	return nil
}

func (f *fakeStore) SetGrade(ctx context.Context, evaluationID int64, grade float64) error {
	if f.grades == nil {
		f.grades = map[int64]float64{}
	}
	f.grades[evaluationID] = grade
	return nil
}

type fakeDirectory struct{}

func (fakeDirectory) GetByID(ctx context.Context, id string) (*assistants.Assistant, error) {
	return &assistants.Assistant{
		ID:                       id,
		TopicsVectorStoreID:      "vs_topics",
		EvaluationsVectorStoreID: "vs_evals",
	}, nil
}

type fakeClassifier struct{}

func (fakeClassifier) Classify(ctx context.Context, text, vectorStoreID string, studentID int64) (classifier.Classification, error) {
	return classifier.Classification{SubtopicID: 15, TopicID: 6, UnitID: 2}, nil
}

type fakeSearcher struct {
	hits []vectorsearch.Hit
}

func (f *fakeSearcher) Search(ctx context.Context, vectorStoreID, query string, maxResults int, filter *vectorsearch.AttributeFilter) ([]vectorsearch.Hit, error) {
	return f.hits, nil
}

type fakeCompleter struct {
	completion string
	jsonOut    string
}

func (f *fakeCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	return f.completion, nil
}

func (f *fakeCompleter) CompleteJSON(ctx context.Context, prompt string, out any) error {
	return json.Unmarshal([]byte(f.jsonOut), out)
}

type fakeConv struct {
	messages []openai.Message
}

func (f *fakeConv) ListMessages(ctx context.Context, threadID string, limit int) ([]openai.Message, error) {
	return f.messages, nil
}

func TestStartUsesStoredQuestionsAndGeneratesShortfall(t *testing.T) {
	store := &fakeStore{}
	search := &fakeSearcher{hits: []vectorsearch.Hit{
		{Score: 0.9, Attributes: map[string]any{"question_id": "q_1"}, Content: "¿Qué es una matriz inversa?"},
	}}
	llm := &fakeCompleter{completion: "¿Cómo se calcula un determinante?\n\n¿Qué es el rango de una matriz?"}
	svc := NewService(store, fakeDirectory{}, fakeClassifier{}, search, llm, &fakeConv{})

	res, err := svc.Start(context.Background(), "matrices", 3, 42, "asst_1")
	require.NoError(t, err)
	assert.NotZero(t, res.EvaluationID)
	require.Len(t, res.Questions, 3)
	assert.Equal(t, "q_1", res.Questions[0].ID)
	assert.Equal(t, "gen-1", res.Questions[1].ID)
	assert.Equal(t, "gen-2", res.Questions[2].ID)

	require.Len(t, store.inserted, 1)
	ev := store.inserted[0]
	assert.True(t, ev.Pending)
	assert.Equal(t, int64(15), ev.SubtopicID)
	assert.Equal(t, int64(42), ev.StudentID)
	assert.Zero(t, ev.Grade)
}

func TestStartTruncatesToRequestedCount(t *testing.T) {
	store := &fakeStore{}
	search := &fakeSearcher{hits: []vectorsearch.Hit{
		{Content: "p1"}, {Content: "p2"}, {Content: "p3"},
	}}
	svc := NewService(store, fakeDirectory{}, fakeClassifier{}, search, &fakeCompleter{}, &fakeConv{})

	res, err := svc.Start(context.Background(), "matrices", 2, 42, "asst_1")
	require.NoError(t, err)
	assert.Len(t, res.Questions, 2)
}

func TestGradePersistsModelGrade(t *testing.T) {
	store := &fakeStore{}
	conv := &fakeConv{messages: []openai.Message{
		{
			ID: "msg_2", Role: "user", CreatedAt: 200,
			Content: []openai.MessageContent{{Type: "text", Text: &openai.MessageText{Value: "la respuesta es 4"}}},
		},
		{
			ID: "msg_1", Role: "assistant", CreatedAt: 100,
			Content: []openai.MessageContent{{Type: "text", Text: &openai.MessageText{Value: "¿cuánto es 2+2?"}}},
		},
	}}
	llm := &fakeCompleter{jsonOut: `{"nota_final": 8.5, "feedback_general": "buen desempeño"}`}
	svc := NewService(store, fakeDirectory{}, fakeClassifier{}, &fakeSearcher{}, llm, conv)

	grade, err := svc.Grade(context.Background(), "thread_abc", 7)
	require.NoError(t, err)
	assert.Equal(t, 8.5, grade)
	assert.Equal(t, 8.5, store.grades[7])
}

func TestStartToolRequiresSubtopic(t *testing.T) {
	svc := NewService(&fakeStore{}, fakeDirectory{}, fakeClassifier{}, &fakeSearcher{}, &fakeCompleter{}, &fakeConv{})
	tool := StartTool(svc)

	out, err := tool(context.Background(), orchestrator.ToolContext{StudentID: 42}, json.RawMessage(`{}`))
	require.NoError(t, err)
	m, ok := out.(map[string]string)
	require.True(t, ok)
	assert.Contains(t, m["error"], "no subtopic")
}

func TestGradeToolReportsGrade(t *testing.T) {
	store := &fakeStore{}
	llm := &fakeCompleter{jsonOut: `{"nota_final": 6, "feedback_general": "regular"}`}
	svc := NewService(store, fakeDirectory{}, fakeClassifier{}, &fakeSearcher{}, llm, &fakeConv{})
	tool := GradeTool(svc)

	out, err := tool(context.Background(),
		orchestrator.ToolContext{ThreadID: "thread_abc"},
		json.RawMessage(`{"evaluation_id": 3}`))
	require.NoError(t, err)
	m, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "graded", m["status"])
	assert.Equal(t, 6.0, m["grade"])
	assert.Equal(t, 6.0, store.grades[3])
}
