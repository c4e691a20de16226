package threads

import (
	"context"
	"errors"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConv struct {
	messages []openai.Message
	files    map[string][]byte
	fileErr  error
}

func (f *fakeConv) CreateThread(ctx context.Context) (openai.Thread, error) {
	return openai.Thread{ID: "thread_new"}, nil
}

func (f *fakeConv) ListMessages(ctx context.Context, threadID string, limit int) ([]openai.Message, error) {
	return f.messages, nil
}

func (f *fakeConv) FileContent(ctx context.Context, fileID string) ([]byte, error) {
	if f.fileErr != nil {
		return nil, f.fileErr
	}
	return f.files[fileID], nil
}

func textMessage(id, role, text string, createdAt int) openai.Message {
	return openai.Message{
		ID:        id,
		Role:      role,
		CreatedAt: createdAt,
		Content: []openai.MessageContent{
			{Type: "text", Text: &openai.MessageText{Value: text}},
		},
	}
}

func TestHistoryChronologicalOrder(t *testing.T) {
	// The API returns newest first.
	conv := &fakeConv{messages: []openai.Message{
		textMessage("msg_2", "assistant", "Una derivada mide...", 200),
		textMessage("msg_1", "user", "qué es una derivada", 100),
	}}
	svc := NewService(nil, conv)

	got, err := svc.History(context.Background(), "thread_abc")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "msg_1", got[0].ID)
	assert.Equal(t, "msg_2", got[1].ID)
	assert.Equal(t, "qué es una derivada", got[0].Parts[0].Text)
}

func TestHistoryInlinesImagesAsDataURLs(t *testing.T) {
	fileID := "file_1"
	conv := &fakeConv{
		files: map[string][]byte{fileID: []byte{0x89, 0x50, 0x4e, 0x47}},
		messages: []openai.Message{{
			ID:        "msg_1",
			Role:      "assistant",
			CreatedAt: 100,
			Content: []openai.MessageContent{
				{Type: "image_file", ImageFile: &openai.ImageFile{FileID: fileID}},
			},
		}},
	}
	svc := NewService(nil, conv)

	got, err := svc.History(context.Background(), "thread_abc")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Len(t, got[0].Parts, 1)
	assert.Equal(t, "image", got[0].Parts[0].Type)
	assert.Contains(t, got[0].Parts[0].DataURL, "data:image/png;base64,")
}

func TestHistorySkipsCorruptFileReferences(t *testing.T) {
	conv := &fakeConv{messages: []openai.Message{{
		ID:        "msg_1",
		Role:      "assistant",
		CreatedAt: 100,
		Content: []openai.MessageContent{
			{Type: "image_file", ImageFile: &openai.ImageFile{FileID: ""}},
			{Type: "text", Text: &openai.MessageText{Value: "acá está el gráfico"}},
		},
	}}}
	svc := NewService(nil, conv)

	got, err := svc.History(context.Background(), "thread_abc")
	require.NoError(t, err)
	require.Len(t, got[0].Parts, 1)
	assert.Equal(t, "text", got[0].Parts[0].Type)
}

func TestHistoryUnreadableImageDegradesToPlaceholder(t *testing.T) {
	conv := &fakeConv{
		fileErr: errors.New("file gone"),
		messages: []openai.Message{{
			ID:        "msg_1",
			Role:      "assistant",
			CreatedAt: 100,
			Content: []openai.MessageContent{
				{Type: "image_file", ImageFile: &openai.ImageFile{FileID: "file_1"}},
			},
		}},
	}
	svc := NewService(nil, conv)

	got, err := svc.History(context.Background(), "thread_abc")
	require.NoError(t, err)
	require.Len(t, got[0].Parts, 1)
	assert.Equal(t, "text", got[0].Parts[0].Type)
	assert.Contains(t, got[0].Parts[0].Text, "image could not be loaded")
}
