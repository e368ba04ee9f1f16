package derive

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trialforge/cdiscbuild/api"
	"github.com/trialforge/cdiscbuild/internal/frame"
	"github.com/trialforge/cdiscbuild/internal/funcs"
)

func vitalsProvider(t *testing.T) *mapProvider {
	t.Helper()
	dm := testFrame(t, []string{"USUBJID"},
		[]string{"USUBJID", "dm.ARM", "dm.REFDY"},
		map[string][]any{
			"USUBJID":  {"001", "002"},
			"dm.ARM":   {"Placebo", "Active"},
			"dm.REFDY": {"0", "0"},
		})
	vs := testFrame(t, []string{"USUBJID"},
		[]string{"USUBJID", "vs.VSTESTCD", "vs.VSSTRESN", "vs.VSDY"},
		map[string][]any{
			"USUBJID":     {"001", "001", "001", "002", "002"},
			"vs.VSTESTCD": {"WEIGHT", "WEIGHT", "HEIGHT", "WEIGHT", "WEIGHT"},
			"vs.VSSTRESN": {"70", "74", "180", "88", "90"},
			"vs.VSDY":     {"-5", "5", "1", "3", "10"},
		})
	return &mapProvider{frames: map[string]*frame.Frame{"dm": dm, "vs": vs}}
}

func TestBuild_AggregateMeanWithFilter(t *testing.T) {
	spec := &api.Spec{
		Domain:  "DM",
		Key:     []string{"USUBJID"},
		Primary: "dm",
		Columns: []api.Column{
			{Name: "WGTMEAN", Type: api.TypeFloat, Aggregate: &api.Aggregate{
				Ref: "vs.VSSTRESN", Fn: api.AggMean, Filter: "vs.VSTESTCD = 'WEIGHT'",
			}},
		},
	}
	out, err := quietBuilder().Build(spec, vitalsProvider(t))
	require.NoError(t, err)
	m, _ := out.Column("WGTMEAN")
	assert.InDelta(t, 72.0, m[0].(float64), 0.001)
	assert.InDelta(t, 89.0, m[1].(float64), 0.001)
}

func TestBuild_AggregateCountZeroForFilteredOut(t *testing.T) {
	spec := &api.Spec{
		Domain:  "DM",
		Key:     []string{"USUBJID"},
		Primary: "dm",
		Columns: []api.Column{
			{Name: "NHEIGHT", Type: api.TypeInteger, Aggregate: &api.Aggregate{
				Ref: "vs.VSSTRESN", Fn: api.AggCount, Filter: "vs.VSTESTCD = 'HEIGHT'",
			}},
		},
	}
	out, err := quietBuilder().Build(spec, vitalsProvider(t))
	require.NoError(t, err)
	n, _ := out.Column("NHEIGHT")
	assert.Equal(t, []any{int64(1), int64(0)}, n)
}

func TestBuild_AggregateFirstLastOrdering(t *testing.T) {
	spec := &api.Spec{
		Domain:  "DM",
		Key:     []string{"USUBJID"},
		Primary: "dm",
		Columns: []api.Column{
			{Name: "WGTFIRST", Type: api.TypeFloat, Aggregate: &api.Aggregate{
				Ref: "vs.VSSTRESN", Fn: api.AggFirst,
				Filter: "vs.VSTESTCD = 'WEIGHT'", OrderBy: "vs.VSDY",
			}},
			{Name: "WGTLAST", Type: api.TypeFloat, Aggregate: &api.Aggregate{
				Ref: "vs.VSSTRESN", Fn: api.AggLast,
				Filter: "vs.VSTESTCD = 'WEIGHT'", OrderBy: "vs.VSDY",
			}},
		},
	}
	out, err := quietBuilder().Build(spec, vitalsProvider(t))
	require.NoError(t, err)
	first, _ := out.Column("WGTFIRST")
	last, _ := out.Column("WGTLAST")
	assert.Equal(t, float64(70), first[0].(float64))
	assert.Equal(t, float64(74), last[0].(float64))
}

func TestBuild_AggregateClosestTieBreakDeterministic(t *testing.T) {
	// Subject 001 has weight measurements at day -5 and day 5: equidistant
	// from reference day 0. The declared tie-break decides, not row order.
	for _, tc := range []struct {
		tie  api.TieBreak
		want float64
	}{
		{api.TieLowest, -5},
		{api.TieHighest, 5},
	} {
		spec := &api.Spec{
			Domain:  "DM",
			Key:     []string{"USUBJID"},
			Primary: "dm",
			Columns: []api.Column{
				{Name: "NEARDY", Type: api.TypeFloat, Aggregate: &api.Aggregate{
					Ref: "vs.VSDY", Fn: api.AggClosest,
					Filter:    "vs.VSTESTCD = 'WEIGHT'",
					ClosestTo: "dm.REFDY", TieBreak: tc.tie,
				}},
			},
		}
		out, err := quietBuilder().Build(spec, vitalsProvider(t))
		require.NoError(t, err)
		v, _ := out.Column("NEARDY")
		got, ok := frame.AsFloat(v[0])
		require.True(t, ok)
		assert.Equal(t, tc.want, got, "tie_break %s", tc.tie)
	}
}

func TestBuild_AggregateMedian(t *testing.T) {
	spec := &api.Spec{
		Domain:  "DM",
		Key:     []string{"USUBJID"},
		Primary: "dm",
		Columns: []api.Column{
			{Name: "WGTMED", Type: api.TypeFloat, Aggregate: &api.Aggregate{
				Ref: "vs.VSSTRESN", Fn: api.AggMedian, Filter: "vs.VSTESTCD = 'WEIGHT'",
			}},
		},
	}
	out, err := quietBuilder().Build(spec, vitalsProvider(t))
	require.NoError(t, err)
	med, _ := out.Column("WGTMED")
	assert.InDelta(t, 72.0, med[0].(float64), 0.001)
	assert.InDelta(t, 89.0, med[1].(float64), 0.001)
}

func TestBuild_FilterScopesAggregateRows(t *testing.T) {
	// The column filter alone must keep HEIGHT rows out of the mean; a
	// mask applied after aggregating would still average all three values.
	spec := &api.Spec{
		Domain:  "DM",
		Key:     []string{"USUBJID"},
		Primary: "dm",
		Columns: []api.Column{
			{Name: "WGTMEAN", Type: api.TypeFloat,
				Filter:    "vs.VSTESTCD = 'WEIGHT'",
				Aggregate: &api.Aggregate{Ref: "vs.VSSTRESN", Fn: api.AggMean}},
		},
	}
	out, err := quietBuilder().Build(spec, vitalsProvider(t))
	require.NoError(t, err)
	m, _ := out.Column("WGTMEAN")
	assert.InDelta(t, 72.0, m[0].(float64), 0.001, "mean of the weight rows only")
	assert.InDelta(t, 89.0, m[1].(float64), 0.001)
}

func TestBuild_FilterScopesSourceRows(t *testing.T) {
	// Subject 001 has three vitals rows but exactly one HEIGHT row; with
	// the filter scoping the candidates there is no multiplicity to break.
	spec := &api.Spec{
		Domain:  "DM",
		Key:     []string{"USUBJID"},
		Primary: "dm",
		Columns: []api.Column{
			{Name: "HGT", Type: api.TypeFloat,
				Filter: "vs.VSTESTCD = 'HEIGHT'",
				Source: &api.Source{Ref: "vs.VSSTRESN"}},
		},
	}
	out, err := quietBuilder().Build(spec, vitalsProvider(t))
	require.NoError(t, err)
	h, _ := out.Column("HGT")
	assert.Equal(t, float64(180), h[0].(float64))
	assert.Nil(t, h[1], "subject without a height record stays null")
}

func TestBuild_SourceMultiplicityFatalWithoutTake(t *testing.T) {
	spec := &api.Spec{
		Domain:  "DM",
		Key:     []string{"USUBJID"},
		Primary: "dm",
		Columns: []api.Column{
			{Name: "WGT", Type: api.TypeFloat, Source: &api.Source{Ref: "vs.VSSTRESN"}},
		},
	}
	_, err := quietBuilder().Build(spec, vitalsProvider(t))
	require.Error(t, err)
	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, err.Error(), "no declared tie-break")
}

func TestBuild_SourceTakeResolvesMultiplicity(t *testing.T) {
	spec := &api.Spec{
		Domain:  "DM",
		Key:     []string{"USUBJID"},
		Primary: "dm",
		Columns: []api.Column{
			{Name: "WGTLAST", Type: api.TypeFloat, Source: &api.Source{
				Ref: "vs.VSSTRESN", Take: "last", OrderBy: "vs.VSDY",
			}, Filter: "vs.VSTESTCD = 'WEIGHT'"},
		},
	}
	out, err := quietBuilder().Build(spec, vitalsProvider(t))
	require.NoError(t, err)
	v, _ := out.Column("WGTLAST")
	assert.Equal(t, float64(74), v[0].(float64), "last weight row in day order")
	assert.Equal(t, float64(90), v[1].(float64))
}

func TestBuild_WhenFirstMatchAndDefault(t *testing.T) {
	spec := &api.Spec{
		Domain:  "DM",
		Key:     []string{"USUBJID"},
		Primary: "dm",
		Columns: []api.Column{
			{Name: "ARMCD", Type: api.TypeString,
				When: []api.CaseRule{
					{If: "dm.ARM = 'Placebo'", Then: "PBO"},
					{If: "dm.ARM IS NOT NULL", Then: "TRT"},
				},
				Default: strptr("UNK")},
		},
	}
	out, err := quietBuilder().Build(spec, vitalsProvider(t))
	require.NoError(t, err)
	arm, _ := out.Column("ARMCD")
	assert.Equal(t, []any{"PBO", "TRT"}, arm, "first true predicate wins")
}

func TestBuild_FilterRestrictsRows(t *testing.T) {
	spec := &api.Spec{
		Domain:  "DM",
		Key:     []string{"USUBJID"},
		Primary: "dm",
		Columns: []api.Column{
			{Name: "PBOARM", Type: api.TypeString,
				Filter: "dm.ARM = 'Placebo'",
				Source: &api.Source{Ref: "dm.ARM"}},
		},
	}
	out, err := quietBuilder().Build(spec, vitalsProvider(t))
	require.NoError(t, err)
	arm, _ := out.Column("PBOARM")
	assert.Equal(t, []any{"Placebo", nil}, arm, "rows outside the filter stay null")
}

func TestBuild_FunctionFromRegistry(t *testing.T) {
	reg := funcs.NewRegistry("")
	reg.Register("stats.halve", func(args map[string]any) ([]any, error) {
		in := args["x"].([]any)
		out := make([]any, len(in))
		for i, v := range in {
			f, ok := frame.AsFloat(v)
			if !ok {
				continue
			}
			out[i] = f / 2
		}
		return out, nil
	})
	b := NewBuilder(reg)
	b.Logf = func(string, ...any) {}

	spec := &api.Spec{
		Domain:  "DM",
		Key:     []string{"USUBJID"},
		Primary: "dm",
		Columns: []api.Column{
			{Name: "WGTMEAN", Type: api.TypeFloat, Aggregate: &api.Aggregate{
				Ref: "vs.VSSTRESN", Fn: api.AggMean, Filter: "vs.VSTESTCD = 'WEIGHT'",
			}},
			{Name: "HALF", Type: api.TypeFloat, Function: &api.FuncCall{
				Name: "stats.halve",
				Args: map[string]any{"x": "WGTMEAN"},
			}},
		},
	}
	out, err := b.Build(spec, vitalsProvider(t))
	require.NoError(t, err)
	half, _ := out.Column("HALF")
	assert.InDelta(t, 36.0, half[0].(float64), 0.001)
}

func TestBuild_FunctionFromLocalFile(t *testing.T) {
	dir := t.TempDir()
	src := `package main

import "fmt"

func Derive(args map[string]any) ([]any, error) {
	arms := args["arm"].([]any)
	out := make([]any, len(arms))
	for i, v := range arms {
		if v == nil {
			continue
		}
		out[i] = fmt.Sprintf("ARM:%v", v)
	}
	return out, nil
}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tagarm.go"), []byte(src), 0o644))

	b := NewBuilder(funcs.NewRegistry(dir))
	b.Logf = func(string, ...any) {}

	spec := &api.Spec{
		Domain:  "DM",
		Key:     []string{"USUBJID"},
		Primary: "dm",
		Columns: []api.Column{
			{Name: "ARMTAG", Type: api.TypeString, Function: &api.FuncCall{
				Name: "tagarm",
				Args: map[string]any{"arm": "dm.ARM"},
			}},
		},
	}
	out, err := b.Build(spec, vitalsProvider(t))
	require.NoError(t, err)
	tag, _ := out.Column("ARMTAG")
	assert.Equal(t, []any{"ARM:Placebo", "ARM:Active"}, tag)
}

func TestBuild_UnresolvedFunctionFatal(t *testing.T) {
	spec := &api.Spec{
		Domain:  "DM",
		Key:     []string{"USUBJID"},
		Primary: "dm",
		Columns: []api.Column{
			{Name: "X", Type: api.TypeString, Function: &api.FuncCall{Name: "missing"}},
			{Name: "ARM", Type: api.TypeString, Source: &api.Source{Ref: "dm.ARM"}},
		},
	}
	_, err := quietBuilder().Build(spec, vitalsProvider(t))
	require.Error(t, err)
	var fe *FatalError
	assert.ErrorAs(t, err, &fe)
}

func TestBuild_FunctionWrongLengthIsolated(t *testing.T) {
	reg := funcs.NewRegistry("")
	reg.Register("stats.bad", func(map[string]any) ([]any, error) {
		return []any{1}, nil
	})
	b := NewBuilder(reg)
	b.Logf = func(string, ...any) {}

	spec := &api.Spec{
		Domain:  "DM",
		Key:     []string{"USUBJID"},
		Primary: "dm",
		Columns: []api.Column{
			{Name: "BAD", Type: api.TypeInteger, Function: &api.FuncCall{Name: "stats.bad"}},
			{Name: "ARM", Type: api.TypeString, Source: &api.Source{Ref: "dm.ARM"}},
		},
	}
	out, err := b.Build(spec, vitalsProvider(t))
	require.NoError(t, err)
	bad, _ := out.Column("BAD")
	assert.Equal(t, []any{nil, nil}, bad)
	arm, _ := out.Column("ARM")
	assert.Equal(t, []any{"Placebo", "Active"}, arm)
}

func TestBuild_SequenceNumbering(t *testing.T) {
	vs := testFrame(t, []string{"USUBJID", "RECID"},
		[]string{"USUBJID", "RECID", "vs.VSDY"},
		map[string][]any{
			"USUBJID": {"001", "001", "002", "001"},
			"RECID":   {"r1", "r2", "r3", "r4"},
			"vs.VSDY": {"10", "2", "5", "7"},
		})
	p := &mapProvider{frames: map[string]*frame.Frame{"vs": vs}}

	spec := &api.Spec{
		Domain:          "VS",
		Key:             []string{"USUBJID", "RECID"},
		PassthroughKeys: []string{"RECID"},
		Columns: []api.Column{
			{Name: "USUBJID", Type: api.TypeString, Source: &api.Source{Ref: "USUBJID"}},
			{Name: "VSDY", Type: api.TypeInteger, Source: &api.Source{Ref: "vs.VSDY"}},
			{Name: "VSSEQ", Type: api.TypeInteger, Sequence: &api.Sequence{
				Group: []string{"USUBJID"},
				Sort:  []string{"VSDY"},
			}},
		},
	}

	out, err := quietBuilder().Build(spec, p)
	require.NoError(t, err)
	assert.Equal(t, []string{"USUBJID", "VSDY", "VSSEQ"}, out.ColumnNames(), "sequence column keeps its declared position")

	seq, _ := out.Column("VSSEQ")
	// Rows in base order: (001,10)(001,2)(002,5)(001,7) → per-subject rank by VSDY.
	assert.Equal(t, []any{int64(3), int64(1), int64(1), int64(2)}, seq)
}
