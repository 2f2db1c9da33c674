package envelope

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSanitize_ReplacesNonSerializableValues(t *testing.T) {
	t.Parallel()

	env := &Envelope{
		Type:      TypeData,
		UserQuery: "estoque por produto",
		Result: map[string]any{
			"nan":   math.NaN(),
			"inf":   math.Inf(1),
			"bytes": []byte("TECIDOS"),
			"when":  time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
			"nested": map[string]any{
				"neg_inf": math.Inf(-1),
				"ok":      42.5,
			},
			"rows": []map[string]any{{"v": float32(math.NaN())}},
		},
		Chart: &FigureSpec{
			Kind:   "bar",
			Series: []Series{{X: []any{"a"}, Y: []any{math.NaN()}}},
		},
	}

	Sanitize(env)

	require.Nil(t, env.Result["nan"])
	require.Nil(t, env.Result["inf"])
	require.Equal(t, "TECIDOS", env.Result["bytes"])
	require.Equal(t, "2025-03-01T12:00:00Z", env.Result["when"])
	nested := env.Result["nested"].(map[string]any)
	require.Nil(t, nested["neg_inf"])
	require.Equal(t, 42.5, nested["ok"])
	rows := env.Result["rows"].([]map[string]any)
	require.Nil(t, rows[0]["v"])
	require.Nil(t, env.Chart.Series[0].Y[0])

	_, err := json.Marshal(env)
	require.NoError(t, err)
}

func TestError_CarriesUserQuery(t *testing.T) {
	t.Parallel()

	env := Error("produto 999999", "Produto 999999 não encontrado")
	require.Equal(t, TypeError, env.Type)
	require.Equal(t, "produto 999999", env.UserQuery)
	require.Equal(t, 0, env.TokensUsed)
}
