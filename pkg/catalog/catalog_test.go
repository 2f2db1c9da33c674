package catalog

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

const catalogJSON = `[
	{
		"file_name": "produtos.parquet",
		"column_descriptions": {
			"CODIGO": "codigo interno do produto",
			"VENDA_TOTAL": "soma das vendas mensais",
			"ESTOQUEUNE": "estoque atual na unidade"
		}
	},
	{
		"file_name": "segmentos.parquet",
		"column_descriptions": {
			"NOMESEGMENTO": "nome do segmento comercial"
		}
	}
]`

func TestLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, os.WriteFile(path, []byte(catalogJSON), 0o644))

	c, err := Load(testLogger(t), path)
	require.NoError(t, err)
	require.False(t, c.Empty())
	require.False(t, c.ModTime().IsZero())

	desc, ok := c.Describe("codigo")
	require.True(t, ok)
	require.Equal(t, "codigo interno do produto", desc)

	// Entries from both files are merged.
	_, ok = c.Describe("NOMESEGMENTO")
	require.True(t, ok)

	_, ok = c.Describe("COLUNA_INEXISTENTE")
	require.False(t, ok)

	require.Equal(t, []string{"codigo", "estoqueune", "nomesegmento", "venda_total"}, c.Columns())
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	c, err := Load(testLogger(t), filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	require.True(t, c.Empty())
}

func TestLoad_EmptyPath(t *testing.T) {
	t.Parallel()

	c, err := Load(testLogger(t), "")
	require.NoError(t, err)
	require.True(t, c.Empty())
}

func TestLoad_InvalidJSON(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := Load(testLogger(t), path)
	require.Error(t, err)
}
