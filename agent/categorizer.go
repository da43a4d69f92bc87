package agent

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/richinex/quarry/llm"
	"github.com/richinex/quarry/model"
)

// CategorizerPrompt is the system instruction of the categorizer.
const CategorizerPrompt = "Please categorize the task based on the content provided."

// Categorizer maps a task query to the kind of processor that answers it.
type Categorizer struct {
	client *llm.Client
	prompt string
	log    logrus.FieldLogger
}

// NewCategorizer creates a categorizer calling provider.
func NewCategorizer(provider llm.Provider) *Categorizer {
	client, ok := provider.(*llm.Client)
	if !ok {
		client = llm.NewClient(provider)
	}
	return &Categorizer{
		client: client,
		prompt: CategorizerPrompt,
		log:    logrus.StandardLogger(),
	}
}

// WithLogger sets the logger.
func (c *Categorizer) WithLogger(log logrus.FieldLogger) *Categorizer {
	c.log = log
	return c
}

// Categorize makes one schema-constrained completion without tools. Provider
// failures and categories outside the known kinds are returned as
// *CategorizationError. Nothing is retried.
func (c *Categorizer) Categorize(ctx context.Context, query string) (model.TaskKind, error) {
	resp, err := c.client.Complete(ctx, llm.Request{
		Messages: []llm.ChatMessage{
			llm.SystemMessage(c.prompt),
			llm.UserMessage(query),
		},
		Format: llm.NewJSONSchemaFormat(CategorizationSchemaName, CategorizationSchema),
	})
	if err != nil {
		return "", &CategorizationError{Query: query, Err: err}
	}

	reply, err := model.ParseCategorization(resp.Content)
	if err != nil {
		return "", &CategorizationError{Query: query, Err: err}
	}

	kind, err := model.ParseTaskKind(reply.Category)
	if err != nil {
		return "", &CategorizationError{Query: query, Err: err}
	}

	c.log.WithField("kind", kind).Debug("task categorized")
	return kind, nil
}
