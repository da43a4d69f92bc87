package datasource

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExplanationHeader prefixes the data source listing given to the model.
const ExplanationHeader = "You have the following datasources:\n"

// Describe renders a prompt-ready block for ds:
//
//	<datasource_NAME><datasourceId>ID</datasourceId><datasourceType>KIND</datasourceType><KEY>VALUE</KEY>...</datasource_NAME>
//
// Meta keys appear in insertion order, each once.
func Describe(ds DataSource) string {
	var b strings.Builder
	name := ds.Name()

	fmt.Fprintf(&b, "<datasource_%s>", name)
	fmt.Fprintf(&b, "<datasourceId>%s</datasourceId>", ds.ID())
	fmt.Fprintf(&b, "<datasourceType>%s</datasourceType>", ds.Kind())

	seen := make(map[string]bool)
	for _, e := range ds.Meta() {
		if seen[e.Key] {
			continue
		}
		seen[e.Key] = true
		fmt.Fprintf(&b, "<%s>%s</%s>", e.Key, formatMetaValue(e.Value), e.Key)
	}

	fmt.Fprintf(&b, "</datasource_%s>", name)
	return b.String()
}

// Explain renders the system message listing every data source, or "" when
// sources is empty.
func Explain(sources []DataSource) string {
	if len(sources) == 0 {
		return ""
	}
	descriptions := make([]string, len(sources))
	for i, ds := range sources {
		descriptions[i] = Describe(ds)
	}
	return ExplanationHeader + strings.Join(descriptions, "\n")
}

func formatMetaValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
