package publish

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeRelPath(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"backslashes become slashes", `a\b\c.txt`, "a/b/c.txt", false},
		{"leading dot-slash stripped", "./a/b.txt", "a/b.txt", false},
		{"leading slash stripped", "/a/b.txt", "a/b.txt", false},
		{"duplicate slashes collapse", "a//b///c.txt", "a/b/c.txt", false},
		{"dot segment rejected", "a/./b.txt", "", true},
		{"dot-dot segment rejected", "a/../b.txt", "", true},
		{"colon rejected", "a/b:c.txt", "", true},
		{"control character rejected", "a/\x01b.txt", "", true},
		{"empty path rejected", "", "", true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := NormalizeRelPath(c.in)
			if c.wantErr {
				assert.Error(t, err)
				var bad *BadInputError
				assert.ErrorAs(t, err, &bad)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.want, got)
		})
	}
}

func TestCommonFirstFolderStrip(t *testing.T) {
	raw := map[string][]byte{
		"dist/index.html": []byte("<html></html>"),
		"dist/app.js":     []byte("console.log(1)"),
	}
	files := make(FileSet, len(raw))
	for k, v := range raw {
		files[k] = v
	}
	folder := commonFirstFolder(files)
	assert.Equal(t, "dist", folder)

	stripped := stripFirstFolder(files, folder)
	assert.Contains(t, stripped, "index.html")
	assert.Contains(t, stripped, "app.js")
}

func TestSingleNestedIndexFolder(t *testing.T) {
	files := FileSet{
		"site/index.html": []byte("<html></html>"),
		"site/app.js":      []byte("console.log(1)"),
	}
	folder, ok := singleNestedIndexFolder(files)
	assert.True(t, ok)
	assert.Equal(t, "site", folder)

	filesWithRoot := FileSet{
		"index.html":      []byte("<html></html>"),
		"site/index.html": []byte("<html></html>"),
	}
	_, ok = singleNestedIndexFolder(filesWithRoot)
	assert.False(t, ok)
}

func TestNormalizeRequiresRootIndex(t *testing.T) {
	_, err := Normalize(map[string][]byte{"app.js": []byte("console.log(1)")})
	assert.Error(t, err)
	var bad *BadInputError
	assert.ErrorAs(t, err, &bad)
}

func TestNormalizeStripsCommonThenNestedFolder(t *testing.T) {
	raw := map[string][]byte{
		"upload/dist/index.html": []byte("<html></html>"),
		"upload/dist/app.js":     []byte("console.log(1)"),
	}
	files, err := Normalize(raw)
	require.NoError(t, err)
	assert.Contains(t, files, "index.html")
	assert.Contains(t, files, "app.js")
}

func TestStagingPath(t *testing.T) {
	assert.Equal(t, "/staging/sites/example-com/job-1/index.html", StagingPath("example-com", "job-1", "index.html"))
}

func TestSortedPathsIsDeterministic(t *testing.T) {
	files := FileSet{"b.txt": nil, "a.txt": nil, "c.txt": nil}
	assert.Equal(t, []string{"a.txt", "b.txt", "c.txt"}, SortedPaths(files))
}
