// SQL query tool - runs a model-written query against one of the data sources
// handed to the current run.
//
// Information Hiding:
// - Data source lookup by exact id within the run's set
// - Row serialization for the model

package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/richinex/quarry/datasource"
	jsonutil "github.com/richinex/quarry/internal/json"
)

// SQLQueryToolName is the function name the model calls.
const SQLQueryToolName = "execute_sql_query"

var validate = validator.New(validator.WithRequiredStructEnabled())

// SQLQueryArgs are the arguments of execute_sql_query.
type SQLQueryArgs struct {
	Query        string `json:"query" validate:"required"`
	DatasourceID string `json:"datasourceId" validate:"required"`
}

// ParseSQLQueryArgs decodes and validates raw tool arguments.
func ParseSQLQueryArgs(args json.RawMessage) (SQLQueryArgs, error) {
	var a SQLQueryArgs
	if err := jsonutil.Decode(string(args), &a); err != nil {
		return SQLQueryArgs{}, fmt.Errorf("invalid arguments: %w", err)
	}
	if err := validate.Struct(a); err != nil {
		return SQLQueryArgs{}, fmt.Errorf("invalid arguments: %w", err)
	}
	return a, nil
}

// SQLQueryTool executes queries on a fixed set of data sources.
type SQLQueryTool struct {
	sources []datasource.DataSource
}

// NewSQLQueryTool binds the tool to sources. Only ids in sources can be
// queried.
func NewSQLQueryTool(sources []datasource.DataSource) *SQLQueryTool {
	return &SQLQueryTool{sources: sources}
}

// Metadata implements Tool.
func (t *SQLQueryTool) Metadata() ToolMetadata {
	return ToolMetadata{
		Name:        SQLQueryToolName,
		Description: "Executes a SQL query on the database",
		Parameters: []ToolParameter{
			{Name: "query", ParamType: "string", Description: "The SQL query to be executed", Required: true},
			{Name: "datasourceId", ParamType: "string", Description: "datasourceId from the provided tool", Required: true},
		},
	}
}

// Validate implements Tool.
func (t *SQLQueryTool) Validate(args json.RawMessage) error {
	_, err := ParseSQLQueryArgs(args)
	return err
}

// Execute implements Tool. The output is the rows as indented JSON.
func (t *SQLQueryTool) Execute(ctx context.Context, args json.RawMessage) (ToolResult, error) {
	a, err := ParseSQLQueryArgs(args)
	if err != nil {
		return FailureResult(err), nil
	}

	ds, err := datasource.Find(t.sources, a.DatasourceID)
	if err != nil {
		return FailureResult(err), nil
	}

	rows, err := ds.Execute(ctx, a.Query)
	if err != nil {
		if ctx.Err() != nil {
			return ToolResult{}, ctx.Err()
		}
		return FailureResult(err), nil
	}

	out, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return FailureResult(fmt.Errorf("failed to encode rows: %w", err)), nil
	}
	return SuccessResult(string(out)), nil
}

// NewSQLRegistry returns a registry holding only the SQL query tool bound to
// sources.
func NewSQLRegistry(sources []datasource.DataSource) *Registry {
	r := NewRegistry()
	_ = r.Register(NewSQLQueryTool(sources))
	return r
}

var _ Tool = (*SQLQueryTool)(nil)
