package functions

import (
	"context"
	"fmt"

	"github.com/m2tx/voice_agent/internal/agent"
	"github.com/m2tx/voice_agent/internal/knowledge"
)

type SearchResourcesArgs struct {
	Query string `json:"query" jsonschema:"The search query describing what information you need"`
}

// CreateSearchResourcesFunctionDeclaration returns an action that searches
// every indexed resource document.
func CreateSearchResourcesFunctionDeclaration(index *knowledge.Index) *agent.FunctionDeclaration {
	return &agent.FunctionDeclaration{
		Name:             "searchResources",
		Description:      "Searches the local resource library for information relevant to the query. Use this whenever the caller asks about services that might be covered there.",
		ParametersSchema: schemaFor[SearchResourcesArgs](),
		FunctionCall: func(_ context.Context, inv *agent.Invocation) (any, error) {
			args, err := decodeArgs[SearchResourcesArgs](inv.Args)
			if err != nil {
				return nil, err
			}
			if args.Query == "" {
				return nil, fmt.Errorf("searchResources: query argument is required")
			}

			docs := index.Search(args.Query, 3)

			results := make([]map[string]any, 0, len(docs))
			for _, doc := range docs {
				results = append(results, map[string]any{
					"filename": doc.Filename,
					"content":  doc.Text,
				})
			}

			return map[string]any{"results": results}, nil
		},
	}
}
