package env

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergePrecedence(t *testing.T) {
	e := New().WithSet("A", "global").WithSet("B", "keep")
	out := e.Merge([]string{"A=launch", "C=${B}-x", "=skipped", "junk"})
	assert.Equal(t, []string{"A=launch", "B=keep", "C=keep-x"}, out)
}

func TestWithSetDoesNotMutate(t *testing.T) {
	base := New().WithSet("K", "1")
	_ = base.WithSet("K", "2")
	v, ok := base.Lookup("K")
	require.True(t, ok)
	assert.Equal(t, "1", v)
}

func TestPathPrefix(t *testing.T) {
	e := New().WithSet("PATH", "/usr/bin").WithPathPrefix("/opt/env/DLLs", " ")
	out := e.Merge(nil)
	sep := string(filepath.ListSeparator)
	assert.Equal(t, []string{"PATH=/opt/env/DLLs" + sep + "/usr/bin"}, out)
}

func TestFromOSInheritsEnvironment(t *testing.T) {
	t.Setenv("NOTEBOOKD_ENV_TEST", "yes")
	v, ok := FromOS().Lookup("NOTEBOOKD_ENV_TEST")
	require.True(t, ok)
	assert.Equal(t, "yes", v)
}

func TestParse(t *testing.T) {
	m, err := Parse([]string{"A=1", "B=x=y", "EMPTY="})
	require.NoError(t, err)
	assert.Equal(t, Var{"A": "1", "B": "x=y", "EMPTY": ""}, m)

	_, err = Parse([]string{"novalue"})
	assert.Error(t, err)
	_, err = Parse([]string{" =1"})
	assert.Error(t, err)
}

func TestFromMapSorted(t *testing.T) {
	assert.Equal(t, []string{"A=1", "B=2"}, FromMap(map[string]string{"B": "2", "A": "1", "": "x"}))
}
