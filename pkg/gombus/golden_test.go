package gombus

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"gitlab.com/d21d3q/gombus/internal/testutil"
)

func TestGoldenTelegrams(t *testing.T) {
	fixtures := []struct {
		name       string
		expectFile string
	}{
		{name: "wmbus/water_plain"},
		{name: "wmbus/water_plain_stripped", expectFile: "wmbus/water_plain.json"},
		{name: "mbus/water_rsp_ud"},
	}
	for _, tc := range fixtures {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			hexStr := testutil.LoadHex(t, tc.name+".hex")
			result, err := AnalyzeHex(context.Background(), hexStr)
			require.NoError(t, err)
			require.Equal(t, "12345678", result.Device.IDString())
			require.Equal(t, "KAM", result.Device.ManufacturerCode())

			path := tc.name + ".json"
			if tc.expectFile != "" {
				path = tc.expectFile
			}
			var expected map[string]any
			testutil.LoadJSON(t, path, &expected)
			require.Equal(t, "", diffMaps(expected, result.Fields()))
		})
	}
}

func diffMaps(expected, actual map[string]any) string {
	if len(expected) != len(actual) {
		return fmt.Sprintf("len mismatch expected %d actual %d (%v)", len(expected), len(actual), actual)
	}
	for k, v := range expected {
		av, ok := actual[k]
		if !ok {
			return fmt.Sprintf("missing key %s", k)
		}
		switch ev := v.(type) {
		case float64:
			avFloat, ok := av.(float64)
			if !ok || math.Abs(ev-avFloat) > 1e-6 {
				return fmt.Sprintf("key %s mismatch expected %v got %v", k, v, av)
			}
		default:
			if fmt.Sprintf("%v", v) != fmt.Sprintf("%v", av) {
				return fmt.Sprintf("key %s mismatch expected %v got %v", k, v, av)
			}
		}
	}
	return ""
}
