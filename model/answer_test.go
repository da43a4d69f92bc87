package model

import (
	"testing"
	"time"
)

func TestParseAnswerHypothesis(t *testing.T) {
	content := `{
		"hypothesis_name": "Fire season",
		"hypothesis_main_idea": "Fires peak in August",
		"research_summary": "Counted fires per month",
		"short_summary": "August leads",
		"support_strength": "strong"
	}`

	answer, err := ParseAnswer(KindHypothesis, content)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	review, ok := answer.(HypothesisReview)
	if !ok {
		t.Fatalf("expected HypothesisReview, got %T", answer)
	}
	if review.SupportStrength != "strong" {
		t.Errorf("expected strong, got %q", review.SupportStrength)
	}
	if answer.Kind() != KindHypothesis {
		t.Errorf("unexpected kind %q", answer.Kind())
	}
}

func TestParseAnswerRejectsSchemaViolations(t *testing.T) {
	tests := []struct {
		name    string
		kind    TaskKind
		content string
	}{
		{"not json", KindGeneralQuestion, "I could not find anything"},
		{"missing field", KindGeneralQuestion, `{"question_title": "t", "answer": "a"}`},
		{"extra field", KindGeneralQuestion, `{"chain_of_thoughts": "c", "question_title": "t", "answer": "a", "x": 1}`},
		{"enum", KindHypothesis, `{"hypothesis_name": "n", "hypothesis_main_idea": "m", "research_summary": "r", "short_summary": "s", "support_strength": "certain"}`},
		{"unknown kind", TaskKind("poem"), `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseAnswer(tt.kind, tt.content); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParseCategorization(t *testing.T) {
	c, err := ParseCategorization(`{"query": "how many fires?", "category": "general_question"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Category != "general_question" {
		t.Errorf("unexpected category %q", c.Category)
	}
}

func TestParseTaskKind(t *testing.T) {
	for _, k := range TaskKinds() {
		got, err := ParseTaskKind(string(k))
		if err != nil || got != k {
			t.Errorf("ParseTaskKind(%q) = %q, %v", k, got, err)
		}
	}
	if _, err := ParseTaskKind("summary"); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestResultFields(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	r := Result{
		Answer:    QuestionAnswer{ChainOfThoughts: "c", QuestionTitle: "t", Answer: "a"},
		UpdatedAt: now,
	}

	fields := r.Fields()
	if fields["answer"] != "a" {
		t.Errorf("expected answer field, got %v", fields["answer"])
	}
	used, ok := fields["used_tools"].([]UsedTool)
	if !ok || used == nil || len(used) != 0 {
		t.Errorf("expected empty non-nil used_tools, got %#v", fields["used_tools"])
	}
	if fields["updated_at"] != now {
		t.Errorf("unexpected updated_at %v", fields["updated_at"])
	}
}
