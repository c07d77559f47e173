package cli

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fpang/media-batch/internal/batch"
)

// OpenInput opens path for reading; "" and "-" mean stdin.
func OpenInput(path string, stdin io.Reader) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, nil
}

// ReadFileList decodes planner input: either one JSON array of files or
// JSON Lines with one file per line. Order is preserved.
func ReadFileList(r io.Reader) ([]batch.File, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read file list: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("file list is empty")
	}

	if data[0] == '[' {
		var files []batch.File
		if err := json.Unmarshal(data, &files); err != nil {
			return nil, fmt.Errorf("decode file list: %w", err)
		}
		return files, nil
	}

	var files []batch.File
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var f batch.File
		if err := json.Unmarshal([]byte(line), &f); err != nil {
			return nil, fmt.Errorf("decode file list line %d: %w", n, err)
		}
		files = append(files, f)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read file list: %w", err)
	}
	return files, nil
}

// SplitIDs splits a comma-separated id list, dropping blanks.
func SplitIDs(s string) []string {
	var ids []string
	for _, id := range strings.Split(s, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
