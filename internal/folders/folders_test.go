package folders

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalProvision(t *testing.T) {
	root := t.TempDir()
	f, err := Local{Root: root}.Provision(context.Background(), "site-a", "LAVORO-2024-00001")
	require.NoError(t, err)

	for _, dir := range []string{"cloud", "files"} {
		info, err := os.Stat(filepath.Join(root, "site-a", "LAVORO-2024-00001", dir))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
	assert.True(t, strings.HasPrefix(f.CloudURL, "file://"))
	assert.True(t, strings.HasSuffix(f.CloudURL, "/site-a/LAVORO-2024-00001/cloud"))
	assert.True(t, strings.HasSuffix(f.FilesURL, "/site-a/LAVORO-2024-00001/files"))
}

func TestLocalProvisionSanitizesNames(t *testing.T) {
	root := t.TempDir()
	_, err := Local{Root: root}.Provision(context.Background(), "../escape", "a/b")
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, ".._escape", "a_b"))
	require.NoError(t, err)

	_, err = Local{Root: root}.Provision(context.Background(), "..", "x")
	assert.Error(t, err)
}

func TestNewPicksImplementation(t *testing.T) {
	assert.IsType(t, Nop{}, New(""))
	assert.IsType(t, Local{}, New("/tmp/x"))

	f, err := Nop{}.Provision(context.Background(), "s", "c")
	require.NoError(t, err)
	assert.Empty(t, f.CloudURL)
}

func TestLocalWithoutRoot(t *testing.T) {
	_, err := Local{}.Provision(context.Background(), "s", "c")
	assert.Error(t, err)
}
