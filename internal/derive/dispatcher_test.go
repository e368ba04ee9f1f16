package derive

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trialforge/cdiscbuild/api"
	"github.com/trialforge/cdiscbuild/internal/frame"
	"github.com/trialforge/cdiscbuild/internal/funcs"
)

// mapProvider serves pre-built frames, standing in for the external
// source-table provider.
type mapProvider struct {
	frames map[string]*frame.Frame
}

func (p *mapProvider) Load(dataset string) (*frame.Frame, error) {
	f, ok := p.frames[dataset]
	if !ok {
		return nil, fmt.Errorf("unknown dataset %s", dataset)
	}
	return f, nil
}

func testFrame(t *testing.T, keys []string, order []string, cols map[string][]any) *frame.Frame {
	t.Helper()
	n := 0
	for _, v := range cols {
		n = len(v)
		break
	}
	f := frame.New(keys, n)
	for _, name := range order {
		require.NoError(t, f.SetColumn(name, cols[name]))
	}
	return f
}

func quietBuilder() *Builder {
	b := NewBuilder(funcs.NewRegistry(""))
	b.Logf = func(string, ...any) {}
	return b
}

func demogProvider(t *testing.T) *mapProvider {
	t.Helper()
	dm := testFrame(t, []string{"USUBJID"},
		[]string{"USUBJID", "dm.SubjectKey", "dm.SEX", "dm.AGE"},
		map[string][]any{
			"USUBJID":       {"001", "002", "003"},
			"dm.SubjectKey": {"SS_001", "SS_002", "SS_003"},
			"dm.SEX":        {"F", "M", "U"},
			"dm.AGE":        {"34", "70", "17"},
		})
	return &mapProvider{frames: map[string]*frame.Frame{"dm": dm}}
}

func strptr(s string) *string { return &s }

func fptr(f float64) *float64 { return &f }

func TestBuild_ConstantAndSource(t *testing.T) {
	spec := &api.Spec{
		Domain: "DM",
		Key:    []string{"USUBJID"},
		Columns: []api.Column{
			{Name: "STUDYID", Type: api.TypeString, Constant: &api.Constant{Value: "STUDY001"}},
			{Name: "USUBJID", Type: api.TypeString, Source: &api.Source{Ref: "USUBJID"}},
			{Name: "SUBJID", Type: api.TypeString, Source: &api.Source{Ref: "dm.SubjectKey"}},
		},
	}

	out, err := quietBuilder().Build(spec, demogProvider(t))
	require.NoError(t, err)

	assert.Equal(t, []string{"STUDYID", "USUBJID", "SUBJID"}, out.ColumnNames(), "output order equals declaration order")
	assert.Equal(t, 3, out.NumRows())

	studyid, _ := out.Column("STUDYID")
	assert.Equal(t, []any{"STUDY001", "STUDY001", "STUDY001"}, studyid)

	subjid, _ := out.Column("SUBJID")
	assert.Equal(t, []any{"SS_001", "SS_002", "SS_003"}, subjid)
}

func TestBuild_RecodeUnmappedPolicies(t *testing.T) {
	cases := []struct {
		policy api.UnmappedPolicy
		want   any
	}{
		{api.UnmappedPassthrough, "U"},
		{api.UnmappedNull, nil},
	}
	for _, tc := range cases {
		spec := &api.Spec{
			Domain: "DM",
			Key:    []string{"USUBJID"},
			Columns: []api.Column{
				{Name: "SEX", Type: api.TypeString, Source: &api.Source{
					Ref:      "dm.SEX",
					Recode:   map[string]string{"F": "Female", "M": "Male"},
					Unmapped: tc.policy,
				}},
			},
		}
		out, err := quietBuilder().Build(spec, demogProvider(t))
		require.NoError(t, err)
		sex, _ := out.Column("SEX")
		assert.Equal(t, []any{"Female", "Male", tc.want}, sex, "policy %s", tc.policy)
	}
}

func TestBuild_RecodeErrorPolicyIsolatesColumn(t *testing.T) {
	spec := &api.Spec{
		Domain: "DM",
		Key:    []string{"USUBJID"},
		Columns: []api.Column{
			{Name: "SEX", Type: api.TypeString, Source: &api.Source{
				Ref:      "dm.SEX",
				Recode:   map[string]string{"F": "Female", "M": "Male"},
				Unmapped: api.UnmappedError,
			}},
			{Name: "AGE", Type: api.TypeInteger, Source: &api.Source{Ref: "dm.AGE"}},
		},
	}

	var logged []string
	b := quietBuilder()
	b.Logf = func(format string, args ...any) { logged = append(logged, fmt.Sprintf(format, args...)) }

	out, err := b.Build(spec, demogProvider(t))
	require.NoError(t, err, "derivation-local failure never aborts the build")

	sex, _ := out.Column("SEX")
	assert.Equal(t, []any{nil, nil, nil}, sex, "failed column fills with nulls")
	age, _ := out.Column("AGE")
	assert.Equal(t, []any{int64(34), int64(70), int64(17)}, age, "later columns still derive")
	require.NotEmpty(t, logged)
	assert.Contains(t, logged[0], "DM.SEX")
}

func TestBuild_RecodeFallbackColumn(t *testing.T) {
	spec := &api.Spec{
		Domain: "DM",
		Key:    []string{"USUBJID"},
		Columns: []api.Column{
			{Name: "SEXRAW", Type: api.TypeString, Source: &api.Source{Ref: "dm.SEX"}},
			{Name: "SEX", Type: api.TypeString, Source: &api.Source{
				Ref:         "dm.SEX",
				Recode:      map[string]string{"F": "Female", "M": "Male"},
				UnmappedRef: "SEXRAW",
			}},
		},
	}
	out, err := quietBuilder().Build(spec, demogProvider(t))
	require.NoError(t, err)
	sex, _ := out.Column("SEX")
	assert.Equal(t, []any{"Female", "Male", "U"}, sex)
}

func TestBuild_MissingnessMeasuredOverFilteredRows(t *testing.T) {
	// Rows the column filter excludes are null by construction; only the
	// working rows count against max_missing_pct.
	spec := &api.Spec{
		Domain: "DM",
		Key:    []string{"USUBJID"},
		Columns: []api.Column{
			{Name: "FAGE", Type: api.TypeInteger,
				Filter:        "dm.SEX = 'F'",
				Source:        &api.Source{Ref: "dm.AGE"},
				MaxMissingPct: fptr(0)},
		},
	}

	var logged []string
	b := quietBuilder()
	b.Logf = func(format string, args ...any) { logged = append(logged, fmt.Sprintf(format, args...)) }

	_, err := b.Build(spec, demogProvider(t))
	require.NoError(t, err)
	assert.Empty(t, logged, "fully populated working rows trip no warning")
}

func TestBuild_MissingnessWarnsWithinFilteredRows(t *testing.T) {
	spec := &api.Spec{
		Domain: "DM",
		Key:    []string{"USUBJID"},
		Columns: []api.Column{
			{Name: "SEXSTD", Type: api.TypeString,
				Filter: "dm.SEX = 'F' OR dm.SEX = 'M'",
				Source: &api.Source{
					Ref:      "dm.SEX",
					Recode:   map[string]string{"F": "Female"},
					Unmapped: api.UnmappedNull,
				},
				MaxMissingPct: fptr(25)},
		},
	}

	var logged []string
	b := quietBuilder()
	b.Logf = func(format string, args ...any) { logged = append(logged, fmt.Sprintf(format, args...)) }

	_, err := b.Build(spec, demogProvider(t))
	require.NoError(t, err)
	require.NotEmpty(t, logged)
	assert.Contains(t, logged[0], "DM.SEXSTD missing 50.00%")
}

func TestBuild_SubstringAndPrefix(t *testing.T) {
	spec := &api.Spec{
		Domain: "DM",
		Key:    []string{"USUBJID"},
		Columns: []api.Column{
			{Name: "SITEID", Type: api.TypeString,
				Source:    &api.Source{Ref: "dm.SubjectKey"},
				Substring: &api.Substring{Start: 3, Length: 3},
				Prefix:    "SITE-"},
		},
	}
	out, err := quietBuilder().Build(spec, demogProvider(t))
	require.NoError(t, err)
	site, _ := out.Column("SITEID")
	assert.Equal(t, []any{"SITE-001", "SITE-002", "SITE-003"}, site)
}

func TestBuild_EarlierColumnAsSource(t *testing.T) {
	spec := &api.Spec{
		Domain: "DM",
		Key:    []string{"USUBJID"},
		Columns: []api.Column{
			{Name: "AGE", Type: api.TypeInteger, Source: &api.Source{Ref: "dm.AGE"}},
			{Name: "AGEGR1", Type: api.TypeString,
				Categorize: &api.Categorize{Ref: "AGE", Cuts: []api.Cut{
					{Lt: 18, Label: "<18"},
					{Lt: 65, Label: "18-64"},
				}}},
		},
	}
	out, err := quietBuilder().Build(spec, demogProvider(t))
	require.NoError(t, err)
	gr, _ := out.Column("AGEGR1")
	assert.Equal(t, []any{"18-64", nil, "<18"}, gr, "no match and no default yields null, never the last cut")
}

func TestBuild_CategorizeDefault(t *testing.T) {
	spec := &api.Spec{
		Domain: "DM",
		Key:    []string{"USUBJID"},
		Columns: []api.Column{
			{Name: "AGEGR1", Type: api.TypeString,
				Categorize: &api.Categorize{Ref: "dm.AGE", Cuts: []api.Cut{
					{Lt: 18, Label: "<18"},
					{Lt: 65, Label: "18-64"},
				}},
				Default: strptr(">=65")},
		},
	}
	out, err := quietBuilder().Build(spec, demogProvider(t))
	require.NoError(t, err)
	gr, _ := out.Column("AGEGR1")
	assert.Equal(t, []any{"18-64", ">=65", "<18"}, gr)
}

func TestBuild_MissingDatasetFatal(t *testing.T) {
	spec := &api.Spec{
		Domain: "DM",
		Key:    []string{"USUBJID"},
		Columns: []api.Column{
			{Name: "LBTEST", Type: api.TypeString, Source: &api.Source{Ref: "lb.LBTEST"}},
		},
	}
	_, err := quietBuilder().Build(spec, demogProvider(t))
	require.Error(t, err)
	var fe *FatalError
	assert.ErrorAs(t, err, &fe)
}

func TestBuild_UnresolvedReferenceFatal(t *testing.T) {
	spec := &api.Spec{
		Domain: "DM",
		Key:    []string{"USUBJID"},
		Columns: []api.Column{
			{Name: "RACE", Type: api.TypeString, Source: &api.Source{Ref: "dm.RACE"}},
		},
	}
	_, err := quietBuilder().Build(spec, demogProvider(t))
	require.Error(t, err)
	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, err.Error(), "dm.RACE")
}
