package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gradePayload struct {
	FinalGrade float64 `json:"final_grade"`
	Feedback   string  `json:"feedback"`
}

func TestDecodeModelJSONValid(t *testing.T) {
	var got gradePayload
	err := DecodeModelJSON(`{"final_grade": 8.5, "feedback": "bien"}`, &got)
	require.NoError(t, err)
	assert.Equal(t, 8.5, got.FinalGrade)
	assert.Equal(t, "bien", got.Feedback)
}

func TestDecodeModelJSONStripsFences(t *testing.T) {
	raw := "```json\n{\"final_grade\": 7, \"feedback\": \"ok\"}\n```"
	var got gradePayload
	err := DecodeModelJSON(raw, &got)
	require.NoError(t, err)
	assert.Equal(t, 7.0, got.FinalGrade)
}

func TestDecodeModelJSONRepairsTrailingComma(t *testing.T) {
	var got gradePayload
	err := DecodeModelJSON(`{"final_grade": 6, "feedback": "regular",}`, &got)
	require.NoError(t, err)
	assert.Equal(t, 6.0, got.FinalGrade)
}

func TestDecodeModelJSONRepairsSingleQuotes(t *testing.T) {
	var got gradePayload
	err := DecodeModelJSON(`{'final_grade': 9, 'feedback': 'excelente'}`, &got)
	require.NoError(t, err)
	assert.Equal(t, "excelente", got.Feedback)
}

func TestDecodeModelJSONRejectsGarbage(t *testing.T) {
	var got gradePayload
	err := DecodeModelJSON(`no puedo calificar esto`, &got)
	assert.Error(t, err)
}
