package prompts

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Parallel()

	p, err := Load()
	require.NoError(t, err)
	require.NotEmpty(t, p.ClassifyIntent)
	require.NotEmpty(t, p.FilterSpec)
	require.NotEmpty(t, p.CodeGen)

	// The contracts the parsers rely on are present.
	require.Contains(t, p.ClassifyIntent, "generate_chart")
	require.Contains(t, p.FilterSpec, "filters")
	require.Contains(t, p.CodeGen, "produtos")
	require.Contains(t, p.CodeGen, "chart")
}
