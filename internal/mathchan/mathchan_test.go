package mathchan

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/motec-viewer/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLog() *models.LDFile {
	return &models.LDFile{
		Channels: []models.LDChannel{
			{Name: "Engine RPM", Units: "rpm", Index: 0},
			{Name: "Speed", Units: "kph", Index: 1},
		},
		Samples: []models.LDSample{
			{Timestamp: 0.0, Values: []float64{3000, 60}},
			{Timestamp: 0.5, Values: []float64{4000, 80}},
			{Timestamp: 1.0, Values: []float64{5000, 0}},
		},
	}
}

func TestCompile_QuotedAndBareReferences(t *testing.T) {
	ld := testLog()

	e, err := Compile("Ratio", "'Engine RPM' / Speed", ld.ChannelNames())
	require.NoError(t, err)

	ch, err := e.Evaluate(ld)
	require.NoError(t, err)
	assert.Equal(t, "Ratio", ch.Name)
	assert.Equal(t, 50.0, ch.Values[0])
	assert.Equal(t, 50.0, ch.Values[1])
	assert.True(t, math.IsInf(ch.Values[2], 1), "float division by zero gives +Inf")
}

func TestCompile_TimeAndFunctions(t *testing.T) {
	ld := testLog()

	tests := []struct {
		expr string
		want []float64
	}{
		{"t * 2", []float64{0, 1, 2}},
		{"1", []float64{1, 1, 1}},
		{"sqrt(Speed * Speed)", []float64{60, 80, 0}},
		{"max('Engine RPM', 4500)", []float64{4500, 4500, 5000}},
		{"Speed > 70 ? 1.0 : 0.0", []float64{0, 1, 0}},
		{"pow(2, 3) + abs(-1)", []float64{9, 9, 9}},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			e, err := Compile("x", tt.expr, ld.ChannelNames())
			require.NoError(t, err)
			ch, err := e.Evaluate(ld)
			require.NoError(t, err)
			assert.InDeltaSlice(t, tt.want, ch.Values, 1e-9)
		})
	}
}

func TestCompile_Errors(t *testing.T) {
	names := testLog().ChannelNames()

	_, err := Compile("a", "  ", names)
	assert.True(t, errors.Is(err, ErrEmptyExpression))

	_, err = Compile("b", "'Oil Temp' * 2", names)
	assert.True(t, errors.Is(err, ErrUnresolvedChannel))
	assert.Contains(t, err.Error(), "Oil Temp")

	_, err = Compile("c", "'Engine RPM * 2", names)
	assert.ErrorContains(t, err, "unterminated")

	_, err = Compile("d", "Boost + 1", names)
	assert.Error(t, err, "unknown bare identifiers fail to compile")

	_, err = Compile("e", `"text"`, names)
	assert.Error(t, err, "non-numeric results are rejected")
}

func TestRewrite(t *testing.T) {
	positions := map[string]int{"Engine RPM": 0, "Speed": 1, "t": 2}

	out, inputs, err := rewrite(`'Engine RPM' + Speed + t + "Speed"`, positions)
	require.NoError(t, err)
	assert.Equal(t, `ch_0 + ch_1 + t + "Speed"`, out)
	assert.Equal(t, map[string]int{"ch_0": 0, "ch_1": 1}, inputs)
}

func TestRewrite_BareWordsThatAreNotChannels(t *testing.T) {
	positions := map[string]int{"e3": 0, "x1F": 1, "b": 2, "abs": 3, "and": 4}

	tests := []struct {
		source string
		want   string
	}{
		{"1e3 + e3", "1e3 + ch_0"},
		{"2.5e3*e3", "2.5e3*ch_0"},
		{"0x1F + x1F", "0x1F + ch_1"},
		{`{"b": 1}.b + b`, `{"b": 1}.b + ch_2`},
		{`m?.b`, `m?.b`},
		{"abs(-2) + 'abs'", "abs(-2) + ch_3"},
		{"abs (b)", "abs (ch_2)"},
		{"b > 0 and 'and' > 0", "ch_2 > 0 and ch_4 > 0"},
	}

	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			out, _, err := rewrite(tt.source, positions)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestCompile_ChannelsNamedLikeBuiltins(t *testing.T) {
	ld := &models.LDFile{
		Channels: []models.LDChannel{{Name: "e3"}, {Name: "abs"}, {Name: "and"}},
		Samples: []models.LDSample{
			{Timestamp: 0, Values: []float64{1, -5, 1}},
			{Timestamp: 1, Values: []float64{2, -6, 0}},
		},
	}

	tests := []struct {
		expr string
		want []float64
	}{
		{"1e3 + e3", []float64{1001, 1002}},
		{"abs('abs')", []float64{5, 6}},
		{"'and' > 0 and e3 > 0 ? 1.0 : 0.0", []float64{1, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			e, err := Compile("x", tt.expr, ld.ChannelNames())
			require.NoError(t, err)
			ch, err := e.Evaluate(ld)
			require.NoError(t, err)
			assert.InDeltaSlice(t, tt.want, ch.Values, 1e-9)
		})
	}
}

func TestEvaluateWorkspace_Chained(t *testing.T) {
	ws := models.NewWorkspace()
	ws.Channels = []models.WorkspaceChannel{
		{Name: "Engine RPM"},
		{Name: "Rev Ratio", Units: models.StringPtr("%"), Math: models.StringPtr("'Engine RPM' / 5000 * 100")},
		{Name: "Over 70", Math: models.StringPtr("'Rev Ratio' > 70 ? 1 : 0")},
		{Name: "Broken", Math: models.StringPtr("'Missing' + 1")},
		{Name: "Blank", Math: models.StringPtr("")},
	}

	res := EvaluateWorkspace(ws, testLog())

	require.Len(t, res.Channels, 2)
	assert.Equal(t, "Rev Ratio", res.Channels[0].Name)
	assert.Equal(t, "%", res.Channels[0].Units)
	assert.InDeltaSlice(t, []float64{60, 80, 100}, res.Channels[0].Values, 1e-9)
	assert.Equal(t, []float64{0, 1, 1}, res.Channels[1].Values)

	require.Len(t, res.Failures, 1)
	assert.Equal(t, "Broken", res.Failures[0].Name)
	assert.Contains(t, res.Failures[0].Error, "Missing")
}

func TestLoadDefinitions(t *testing.T) {
	t.Run("list", func(t *testing.T) {
		defs, err := LoadDefinitions(strings.NewReader(`
- name: Ratio
  units: rpm/kph
  expression: "'Engine RPM' / Speed"
`))
		require.NoError(t, err)
		require.Len(t, defs, 1)
		assert.Equal(t, Definition{Name: "Ratio", Units: "rpm/kph", Expression: "'Engine RPM' / Speed"}, defs[0])
	})

	t.Run("channels document", func(t *testing.T) {
		defs, err := LoadDefinitions(strings.NewReader(`
channels:
  - name: Double
    expression: Speed * 2
`))
		require.NoError(t, err)
		require.Len(t, defs, 1)
		assert.Equal(t, "Speed * 2", defs[0].Expression)
	})

	t.Run("missing expression", func(t *testing.T) {
		_, err := LoadDefinitions(strings.NewReader(`[{name: x}]`))
		assert.ErrorContains(t, err, "missing expression")
	})

	t.Run("invalid yaml", func(t *testing.T) {
		_, err := LoadDefinitions(strings.NewReader("channels: [unclosed"))
		assert.Error(t, err)
	})
}
