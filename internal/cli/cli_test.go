package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fpang/media-batch/internal/batch"
)

func TestFormatDurationShort(t *testing.T) {
	assert.Equal(t, "0:05", FormatDurationShort(5*time.Second))
	assert.Equal(t, "2:03", FormatDurationShort(123*time.Second))
	assert.Equal(t, "1:00:01", FormatDurationShort(time.Hour+time.Second))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.5 KiB", FormatBytes(1536))
	assert.Equal(t, "4.5 GiB", FormatBytes(4831838208))
}

func TestReadFileList(t *testing.T) {
	want := []batch.File{
		{ID: "a", StorageKey: "u/a.jpg", SizeBytes: 10},
		{ID: "b", StorageKey: "u/b.mov", SizeBytes: 20, MediaType: "video/quicktime"},
	}

	arr := `[{"id":"a","storageKey":"u/a.jpg","sizeBytes":10},{"id":"b","storageKey":"u/b.mov","sizeBytes":20,"mediaType":"video/quicktime"}]`
	got, err := ReadFileList(strings.NewReader(arr))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	lines := "{\"id\":\"a\",\"storageKey\":\"u/a.jpg\",\"sizeBytes\":10}\n\n{\"id\":\"b\",\"storageKey\":\"u/b.mov\",\"sizeBytes\":20,\"mediaType\":\"video/quicktime\"}\n"
	got, err = ReadFileList(strings.NewReader(lines))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = ReadFileList(strings.NewReader("  "))
	assert.Error(t, err)

	_, err = ReadFileList(strings.NewReader("{\"id\":\"a\"}\n{oops"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestConfirm(t *testing.T) {
	var out bytes.Buffer
	assert.True(t, Confirm(strings.NewReader("YES\n"), &out, "Delete?"))
	assert.Equal(t, "Delete? [y/N]: ", out.String())
	assert.True(t, Confirm(strings.NewReader("y"), &out, "Delete?"))
	assert.False(t, Confirm(strings.NewReader("\n"), &out, "Delete?"))
	assert.False(t, Confirm(strings.NewReader(""), &out, "Delete?"))
}

func TestSplitIDs(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, SplitIDs(" a, ,b,"))
	assert.Nil(t, SplitIDs(""))
}
