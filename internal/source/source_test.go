package source

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCSVProvider_RenamesNonKeyColumns(t *testing.T) {
	dir := t.TempDir()
	csvData := "USUBJID,SEX,AGE\n001,F,34\n002,M,\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dm.csv"), []byte(csvData), 0o644))

	p := &CSVProvider{Dir: dir, Keys: []string{"USUBJID"}}
	f, err := p.Load("dm")
	require.NoError(t, err)

	assert.Equal(t, []string{"USUBJID", "dm.SEX", "dm.AGE"}, f.ColumnNames())
	assert.Equal(t, 2, f.NumRows())

	age, ok := f.Column("dm.AGE")
	require.True(t, ok)
	assert.Equal(t, "34", age[0])
	assert.Nil(t, age[1], "empty cells load as nulls")
}

func TestCSVProvider_MissingFile(t *testing.T) {
	p := &CSVProvider{Dir: t.TempDir(), Keys: []string{"USUBJID"}}
	_, err := p.Load("vs")
	require.Error(t, err)
}

func TestLongProvider_PivotsOneFormPerDataset(t *testing.T) {
	dir := t.TempDir()
	long := `USUBJID,FormOID,ItemOID,Value
001,F_DEMOG,I_SEX,F
001,F_DEMOG,I_AGE,34
002,F_DEMOG,I_SEX,M
001,F_VITALS,I_WEIGHT,70.5
002,F_DEMOG,I_AGE,41
`
	path := filepath.Join(dir, "long.csv")
	require.NoError(t, os.WriteFile(path, []byte(long), 0o644))

	p := &LongProvider{
		Path:  path,
		Keys:  []string{"USUBJID"},
		Forms: map[string]string{"dm": "F_DEMOG", "vs": "F_VITALS"},
	}

	dm, err := p.Load("dm")
	require.NoError(t, err)
	assert.Equal(t, []string{"USUBJID", "dm.I_SEX", "dm.I_AGE"}, dm.ColumnNames())
	assert.Equal(t, 2, dm.NumRows())

	sex, _ := dm.Column("dm.I_SEX")
	assert.Equal(t, []any{"F", "M"}, sex)

	vs, err := p.Load("vs")
	require.NoError(t, err)
	assert.Equal(t, 1, vs.NumRows())
	wgt, _ := vs.Column("vs.I_WEIGHT")
	assert.Equal(t, "70.5", wgt[0])
}

func TestLongProvider_FirstValuePerGroupWins(t *testing.T) {
	dir := t.TempDir()
	long := "USUBJID,FormOID,ItemOID,Value\n001,F_X,I_A,first\n001,F_X,I_A,second\n"
	path := filepath.Join(dir, "long.csv")
	require.NoError(t, os.WriteFile(path, []byte(long), 0o644))

	p := &LongProvider{Path: path, Keys: []string{"USUBJID"}, Forms: map[string]string{"x": "F_X"}}
	f, err := p.Load("x")
	require.NoError(t, err)
	vals, _ := f.Column("x.I_A")
	assert.Equal(t, "first", vals[0])
}

func TestLongProvider_UnknownDataset(t *testing.T) {
	p := &LongProvider{Path: "unused.csv", Keys: []string{"USUBJID"}, Forms: map[string]string{}}
	_, err := p.Load("dm")
	require.Error(t, err)
}
