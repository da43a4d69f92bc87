package agent

import (
	"encoding/json"
	"fmt"

	"github.com/richinex/quarry/llm"
	"github.com/richinex/quarry/model"
)

// Schema names advertised to the provider.
const (
	HypothesisSchemaName     = "research_hypothesis_review"
	QuestionSchemaName       = "question"
	CategorizationSchemaName = "query_categorization"
)

// HypothesisSchema is the final answer shape of hypothesis tasks.
var HypothesisSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "hypothesis_name": {
      "type": "string",
      "description": "The name of the hypothesis being proposed."
    },
    "hypothesis_main_idea": {
      "type": "string",
      "description": "A brief statement outlining the main idea or premise of the hypothesis."
    },
    "research_summary": {
      "type": "string",
      "description": "A comprehensive summary of the research conducted."
    },
    "short_summary": {
      "type": "string",
      "description": "A brief statement summarizing the research findings."
    },
    "support_strength": {
      "type": "string",
      "description": "Indicates the strength of the support for the hypothesis based on the research findings.",
      "enum": ["weak", "strong", "mixed"]
    }
  },
  "required": ["hypothesis_name", "hypothesis_main_idea", "research_summary", "short_summary", "support_strength"],
  "additionalProperties": false
}`)

// QuestionSchema is the final answer shape of general questions.
var QuestionSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "chain_of_thoughts": {
      "type": "string",
      "description": "Please explain your chain of thoughts."
    },
    "question_title": {
      "type": "string",
      "description": "Question's title."
    },
    "answer": {
      "type": "string",
      "description": "A comprehensive summary of the research conducted."
    }
  },
  "required": ["chain_of_thoughts", "question_title", "answer"],
  "additionalProperties": false
}`)

// CategorizationSchema constrains the categorizer reply to a known kind.
var CategorizationSchema = categorizationSchema()

func categorizationSchema() json.RawMessage {
	kinds := model.TaskKinds()
	enum := make([]string, len(kinds))
	for i, k := range kinds {
		enum[i] = string(k)
	}

	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "The question or query that needs to be categorized.",
			},
			"category": map[string]any{
				"type":        "string",
				"description": "The category of the query, which can be one of enum value.",
				"enum":        enum,
			},
		},
		"required":             []string{"query", "category"},
		"additionalProperties": false,
	}
	data, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("categorization schema: %v", err))
	}
	return data
}

// FormatFor returns the strict response format of a task kind.
func FormatFor(kind model.TaskKind) (*llm.ResponseFormat, error) {
	switch kind {
	case model.KindHypothesis:
		return llm.NewJSONSchemaFormat(HypothesisSchemaName, HypothesisSchema), nil
	case model.KindGeneralQuestion:
		return llm.NewJSONSchemaFormat(QuestionSchemaName, QuestionSchema), nil
	default:
		return nil, fmt.Errorf("no output schema for task kind %q", kind)
	}
}
