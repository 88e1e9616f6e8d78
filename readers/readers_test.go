package readers

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_PdfFileReader_CanRead(t *testing.T) {
	r := PdfFileReader{}
	assert.True(t, r.CanRead("some/file.pdf"))
	assert.True(t, r.CanRead("some/FILE.PDF"))
	assert.False(t, r.CanRead("some/file.txt"))
}

func Test_PdfFileReader_ReadText(t *testing.T) {
	r := PdfFileReader{}
	txt, err := r.ReadText("testdata/hello.pdf")
	require.NoError(t, err)

	assert.Equal(t, "hello world", strings.TrimSpace(txt))
}

func Test_PdfFileReader_NotAPdf(t *testing.T) {
	r := PdfFileReader{}
	_, err := r.ReadText("testdata/hello.txt")
	assert.Error(t, err)
}

func Test_TxtFileReader_CanRead(t *testing.T) {
	r := TxtFileReader{}
	assert.True(t, r.CanRead("some/file.txt"))
	assert.True(t, r.CanRead("some/notes.md"))
	assert.False(t, r.CanRead("some/file.pdf"))
}

func Test_TxtFileReader_ReadText(t *testing.T) {
	r := TxtFileReader{}
	txt, err := r.ReadText("testdata/hello.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello world", txt)

	path := filepath.Join(t.TempDir(), "bom.txt")
	require.NoError(t, os.WriteFile(path, []byte("\ufeffhello"), 0o644))

	txt, err = r.ReadText(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", txt)

	_, err = r.ReadText(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

func Test_UniversalFileReader_CanRead(t *testing.T) {
	r := UniversalFileReader{}
	for _, ext := range []string{"docx", "odt", "rtf", "xml", "html", "pdf"} {
		assert.True(t, r.CanRead("some/file."+ext), ext)
	}
	assert.False(t, r.CanRead("some/file.exe"))
}

func Test_UniversalFileReader_ReadText(t *testing.T) {
	r := UniversalFileReader{}

	txt, err := r.ReadText("testdata/hello.xml")
	require.NoError(t, err)
	assert.Equal(t, "hello world", strings.TrimSpace(txt))
}

func Test_Find(t *testing.T) {
	readers := Default()

	tests := []struct {
		path string
		want FileReader
	}{
		{"a/b.pdf", readers[0]},
		{"a/b.txt", readers[1]},
		{"a/b.md", readers[1]},
		{"a/b.docx", readers[2]},
		{"a/b.bin", nil},
	}

	for i, test := range tests {
		t.Run(fmt.Sprintf("case_%d", i), func(t *testing.T) {
			got := Find(readers, test.path)
			if test.want == nil {
				assert.Nil(t, got)
				return
			}
			assert.Same(t, test.want, got)
		})
	}
}
