package main

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/varejotech/insights/api/handlers"
)

// warmQuestions are the questions the dashboard asks most; answering
// them once fills the server-side cache for the day.
var warmQuestions = []string{
	"qual o produto mais vendido?",
	"qual a une que mais vendeu?",
	"qual o melhor segmento que mais vende?",
	"quais produtos sem venda temos?",
	"quanto temos de estoque parado?",
}

var warmCmd = &cobra.Command{
	Use:   "warm",
	Short: "Pre-warm the answer cache with the common questions",
	RunE:  runWarm,
}

func init() {
	rootCmd.AddCommand(warmCmd)
}

func runWarm(cmd *cobra.Command, args []string) error {
	log := newLogger()
	client := newAPIClient()

	table := tablewriter.NewWriter(os.Stdout)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetHeader([]string{"Pergunta", "Fonte", "Tipo", "Tempo (s)"})

	warmed := 0
	for _, question := range warmQuestions {
		var resp handlers.QueryResponse
		err := client.postJSON("/api/query", handlers.QueryRequest{Query: question}, &resp)
		if err != nil {
			log.Warn("failed to warm question", "question", question, "error", err)
			table.Append([]string{question, "erro", "", ""})
			continue
		}
		warmed++
		table.Append([]string{
			question,
			string(resp.Answer.Source),
			resp.Answer.Type,
			fmt.Sprintf("%.2f", resp.Answer.ProcessingTime),
		})
	}
	table.Render()
	fmt.Printf("\n%d/%d perguntas aquecidas\n", warmed, len(warmQuestions))
	return nil
}
