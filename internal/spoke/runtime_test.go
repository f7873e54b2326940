package spoke

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Songjaeheon0923/Fin-Hub/internal/registry"
)

func TestAdvertisedAddress(t *testing.T) {
	cases := []struct {
		bind    string
		want    string
		wantErr bool
	}{
		{":9100", "localhost:9100", false},
		{"0.0.0.0:9100", "localhost:9100", false},
		{"10.0.0.5:9100", "10.0.0.5:9100", false},
		{"9100", "", true},
	}
	for _, tc := range cases {
		got, err := advertisedAddress(tc.bind)
		if tc.wantErr {
			assert.Error(t, err, tc.bind)
			continue
		}
		require.NoError(t, err, tc.bind)
		assert.Equal(t, tc.want, got, tc.bind)
	}
}

func TestToManifest_PreservesSchemas(t *testing.T) {
	min := 1.0
	manifest := toManifest([]registry.ToolDescriptor{{
		QualifiedName: "risk.var_calculation",
		Description:   "value at risk",
		InputSchema: registry.Schema{
			Properties: map[string]registry.SchemaProperty{
				"portfolio_value": {Type: "number", Required: true, Minimum: &min},
				"method":          {Type: "string", Enum: []string{"historical"}},
			},
		},
	}})

	require.Len(t, manifest, 1)
	tool := manifest[0]
	assert.Equal(t, "risk.var_calculation", tool.QualifiedName)

	pv := tool.InputSchema.Properties["portfolio_value"]
	assert.True(t, pv.Required)
	require.NotNil(t, pv.Minimum)
	assert.Equal(t, 1.0, *pv.Minimum)
	assert.Equal(t, []string{"historical"}, tool.InputSchema.Properties["method"].Enum)
}
