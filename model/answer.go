package model

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	jsonutil "github.com/richinex/quarry/internal/json"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// HypothesisReview is the answer of a hypothesis task.
type HypothesisReview struct {
	HypothesisName     string `json:"hypothesis_name" validate:"required"`
	HypothesisMainIdea string `json:"hypothesis_main_idea" validate:"required"`
	ResearchSummary    string `json:"research_summary" validate:"required"`
	ShortSummary       string `json:"short_summary" validate:"required"`
	SupportStrength    string `json:"support_strength" validate:"required,oneof=weak strong mixed"`
}

// Kind implements Answer.
func (HypothesisReview) Kind() TaskKind { return KindHypothesis }

// Fields implements Answer.
func (h HypothesisReview) Fields() map[string]any {
	return map[string]any{
		"hypothesis_name":      h.HypothesisName,
		"hypothesis_main_idea": h.HypothesisMainIdea,
		"research_summary":     h.ResearchSummary,
		"short_summary":        h.ShortSummary,
		"support_strength":     h.SupportStrength,
	}
}

// QuestionAnswer is the answer of a general question task.
type QuestionAnswer struct {
	ChainOfThoughts string `json:"chain_of_thoughts" validate:"required"`
	QuestionTitle   string `json:"question_title" validate:"required"`
	Answer          string `json:"answer" validate:"required"`
}

// Kind implements Answer.
func (QuestionAnswer) Kind() TaskKind { return KindGeneralQuestion }

// Fields implements Answer.
func (q QuestionAnswer) Fields() map[string]any {
	return map[string]any{
		"chain_of_thoughts": q.ChainOfThoughts,
		"question_title":    q.QuestionTitle,
		"answer":            q.Answer,
	}
}

// Categorization is the reply of the task categorizer.
type Categorization struct {
	Query    string `json:"query"`
	Category string `json:"category" validate:"required"`
}

// ParseAnswer decodes content into the answer type of kind and validates it.
func ParseAnswer(kind TaskKind, content string) (Answer, error) {
	switch kind {
	case KindHypothesis:
		var h HypothesisReview
		if err := decodeValid(content, &h); err != nil {
			return nil, err
		}
		return h, nil
	case KindGeneralQuestion:
		var q QuestionAnswer
		if err := decodeValid(content, &q); err != nil {
			return nil, err
		}
		return q, nil
	default:
		return nil, fmt.Errorf("no answer type for task kind %q", kind)
	}
}

// ParseCategorization decodes and validates a categorizer reply.
func ParseCategorization(content string) (Categorization, error) {
	var c Categorization
	if err := decodeValid(content, &c); err != nil {
		return Categorization{}, err
	}
	return c, nil
}

func decodeValid(content string, v any) error {
	if err := jsonutil.Decode(content, v); err != nil {
		return err
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("schema violation: %w", err)
	}
	return nil
}
