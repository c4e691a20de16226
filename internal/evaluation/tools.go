package evaluation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tutorchat/internal/orchestrator"
)

type startArgs struct {
	Subtopic     string `json:"subtema"`
	NumQuestions int    `json:"num_questions"`
}

type gradeArgs struct {
	EvaluationID int64 `json:"evaluation_id"`
}

// StartTool adapts Start to the tool-dispatch boundary. Argument problems
// come back as structured errors for the model, never as raised failures.
func StartTool(svc *Service) orchestrator.ToolFunc {
	return func(ctx context.Context, tc orchestrator.ToolContext, raw json.RawMessage) (any, error) {
		var args startArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("invalid iniciar_evaluacion arguments: %w", err)
		}
		if args.Subtopic == "" {
			return map[string]string{"error": "no subtopic specified for the evaluation"}, nil
		}
		res, err := svc.Start(ctx, args.Subtopic, args.NumQuestions, tc.StudentID, tc.AssistantID)
		if err != nil {
			return nil, err
		}
		return res, nil
	}
}

// GradeTool adapts Grade to the tool-dispatch boundary.
func GradeTool(svc *Service) orchestrator.ToolFunc {
	return func(ctx context.Context, tc orchestrator.ToolContext, raw json.RawMessage) (any, error) {
		var args gradeArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("invalid calificar_evaluacion arguments: %w", err)
		}
		if args.EvaluationID == 0 {
			return map[string]string{"error": "no evaluation_id specified"}, nil
		}
		grade, err := svc.Grade(ctx, tc.ThreadID, args.EvaluationID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"status": "graded", "grade": grade}, nil
	}
}
