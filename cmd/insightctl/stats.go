package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/varejotech/insights/api/handlers"
)

var statsJSONOutput bool

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show resolver and cache usage statistics",
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().BoolVar(&statsJSONOutput, "json", false, "print the raw statistics as JSON")
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	var stats handlers.StatsResponse
	if err := newAPIClient().getJSON("/api/stats", &stats); err != nil {
		return err
	}

	if statsJSONOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetHeader([]string{"Métrica", "Valor"})
	table.Append([]string{"consultas", fmt.Sprintf("%d", stats.Resolver.Total)})
	table.Append([]string{"cache hits", fmt.Sprintf("%d", stats.Resolver.CacheHits)})
	table.Append([]string{"diretas", fmt.Sprintf("%d", stats.Resolver.Direct)})
	table.Append([]string{"llm", fmt.Sprintf("%d", stats.Resolver.LLM)})
	table.Append([]string{"fallback", fmt.Sprintf("%d", stats.Resolver.Fallback)})
	table.Append([]string{"tokens usados", fmt.Sprintf("%d", stats.Resolver.TokensUsed)})
	table.Append([]string{"tokens economizados", fmt.Sprintf("%d", stats.Resolver.TokensSaved)})
	table.Append([]string{"eficiência de economia", fmt.Sprintf("%.1f%%", stats.Resolver.EconomyEfficiency*100)})
	table.Append([]string{"orçamento diário restante", fmt.Sprintf("%d", stats.Resolver.BudgetRemaining)})
	table.Append([]string{"cache hit rate", fmt.Sprintf("%.1f%%", stats.Cache.HitRate*100)})
	table.Append([]string{"itens em memória", fmt.Sprintf("%d", stats.Cache.MemoryItems)})
	table.Append([]string{"itens em disco", fmt.Sprintf("%d", stats.Cache.DiskItems)})
	table.Render()
	return nil
}
