package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/varejotech/insights/api/handlers"
	"github.com/varejotech/insights/pkg/envelope"
)

var (
	queryForceDirect bool
	querySessionID   string
	queryJSONOutput  bool
)

var queryCmd = &cobra.Command{
	Use:   "query [pergunta]",
	Short: "Ask the insights API a question",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runQuery,
}

func init() {
	queryCmd.Flags().BoolVar(&queryForceDirect, "force-direct", false, "skip the LLM tier for this question")
	queryCmd.Flags().StringVar(&querySessionID, "session", "", "session id to correlate questions")
	queryCmd.Flags().BoolVar(&queryJSONOutput, "json", false, "print the raw envelope as JSON")
	rootCmd.AddCommand(queryCmd)
}

func runQuery(cmd *cobra.Command, args []string) error {
	question := strings.Join(args, " ")

	var resp handlers.QueryResponse
	err := newAPIClient().postJSON("/api/query", handlers.QueryRequest{
		Query:       question,
		SessionID:   querySessionID,
		ForceDirect: queryForceDirect,
	}, &resp)
	if err != nil {
		return err
	}

	if queryJSONOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	printEnvelope(resp.Answer)
	return nil
}

func printEnvelope(answer *envelope.Envelope) {
	if answer == nil {
		fmt.Println("(sem resposta)")
		return
	}
	if answer.Title != "" {
		fmt.Println(answer.Title)
	}
	if answer.Summary != "" {
		fmt.Println(answer.Summary)
	}

	if rows, columns, ok := tabularResult(answer.Result); ok {
		table := tablewriter.NewWriter(os.Stdout)
		table.SetAutoWrapText(false)
		table.SetAutoFormatHeaders(false)
		table.SetHeader(columns)
		for _, row := range rows {
			table.Append(row)
		}
		table.Render()
	} else if len(answer.Result) > 0 {
		table := tablewriter.NewWriter(os.Stdout)
		table.SetAutoWrapText(false)
		table.SetAutoFormatHeaders(false)
		table.SetHeader([]string{"Campo", "Valor"})
		for _, key := range sortedKeys(answer.Result) {
			table.Append([]string{key, renderValue(answer.Result[key])})
		}
		table.Render()
	}

	if answer.Chart != nil {
		fmt.Printf("Gráfico: %s (%d série(s))\n", answer.Chart.Kind, len(answer.Chart.Series))
	}
	fmt.Printf("\nfonte=%s tokens=%d economizados=%d tempo=%.2fs\n",
		answer.Source, answer.TokensUsed, answer.TokensSaved, answer.ProcessingTime)
}

// tabularResult detects the row-list payloads the direct engine and the
// LLM graph emit and flattens them for the terminal.
func tabularResult(result map[string]any) ([][]string, []string, bool) {
	for _, key := range []string{"ranking", "produtos", "serie", "maiores_estoques", "dados"} {
		list, ok := asMapList(result[key])
		if !ok || len(list) == 0 {
			continue
		}
		columns := sortedKeys(list[0])
		rows := make([][]string, 0, len(list))
		for _, item := range list {
			row := make([]string, 0, len(columns))
			for _, column := range columns {
				row = append(row, renderValue(item[column]))
			}
			rows = append(rows, row)
		}
		return rows, columns, true
	}
	return nil, nil, false
}

func asMapList(v any) ([]map[string]any, bool) {
	switch list := v.(type) {
	case []map[string]any:
		return list, true
	case []any:
		out := make([]map[string]any, 0, len(list))
		for _, item := range list {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, false
			}
			out = append(out, m)
		}
		return out, true
	default:
		return nil, false
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func renderValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%.2f", val)
	case []any, []map[string]any, map[string]any:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", val)
	}
}
