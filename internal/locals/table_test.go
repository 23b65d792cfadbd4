package locals

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"calltrace/internal/scope"
)

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locals.yaml")
	data := `methods:
  "A.main([Ljava/lang/String;)V":
    - {index: 1, name: n, type: I}
    - {index: 0, name: args, type: "[Ljava/lang/String;"}
  "A.helper()V": []
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write locals: %v", err)
	}
	tab, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 2, tab.Len())
	require.Equal(t, []scope.Local{
		{Index: 0, Name: "args", Type: "[Ljava/lang/String;"},
		{Index: 1, Name: "n", Type: "I"},
	}, tab.LocalsOf("A.main([Ljava/lang/String;)V"))
	require.Empty(t, tab.LocalsOf("A.helper()V"))
	require.Nil(t, tab.LocalsOf("missing"))
}

func TestParseRejectsDuplicateSlots(t *testing.T) {
	_, err := Parse([]byte(`methods:
  m:
    - {index: 2, name: a, type: I}
    - {index: 2, name: b, type: I}
`))
	require.ErrorContains(t, err, "slot 2 declared twice")

	_, err = Parse([]byte(`methods:
  m:
    - {index: -1, name: a, type: I}
`))
	require.ErrorContains(t, err, "negative slot index")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
