// Package model provides domain types shared across packages.
package model

import (
	"fmt"
	"time"
)

// TaskKind selects the processor that handles a task.
type TaskKind string

const (
	// KindHypothesis tasks test a research hypothesis against the data.
	KindHypothesis TaskKind = "hypothesis"
	// KindGeneralQuestion tasks answer a free-form question.
	KindGeneralQuestion TaskKind = "general_question"
)

// TaskKinds returns the recognised kinds in categorizer enum order.
func TaskKinds() []TaskKind {
	return []TaskKind{KindGeneralQuestion, KindHypothesis}
}

// ParseTaskKind returns the kind named by s.
func ParseTaskKind(s string) (TaskKind, error) {
	for _, k := range TaskKinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unrecognised task kind %q", s)
}

// UsedTool is the audit entry recorded for one tool invocation of a run.
type UsedTool struct {
	Name       string `json:"name" bson:"name"`
	Query      string `json:"query" bson:"query"`
	ToolCallID string `json:"tool_call_id" bson:"tool_call_id"`
	Content    string `json:"content" bson:"content"`
	Role       string `json:"role" bson:"role"`
}

// Answer is the structured final answer of one task kind.
type Answer interface {
	Kind() TaskKind
	// Fields returns the answer as task result fields keyed by JSON name.
	Fields() map[string]any
}

// Result is the terminal outcome of one agent run.
type Result struct {
	Answer    Answer
	UsedTools []UsedTool
	UpdatedAt time.Time
}

// Fields merges the answer fields with the audit trail and timestamp.
func (r Result) Fields() map[string]any {
	fields := make(map[string]any)
	if r.Answer != nil {
		for k, v := range r.Answer.Fields() {
			fields[k] = v
		}
	}
	usedTools := r.UsedTools
	if usedTools == nil {
		usedTools = []UsedTool{}
	}
	fields["used_tools"] = usedTools
	fields["updated_at"] = r.UpdatedAt
	return fields
}
