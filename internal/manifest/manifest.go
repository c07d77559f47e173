// Package manifest encodes chunk manifests and decodes the result lines the
// inference service writes for them.
//
// A manifest is JSON Lines, one record per staged file:
//
//	{"recordId":"file-<id>:<analysis>","modelInput":{...}}
//
// Output lines echo the recordId and carry either modelOutput or error.
package manifest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fpang/media-batch/internal/batch"
)

const recordPrefix = "file-"

// maxLineBytes bounds a single output line.
const maxLineBytes = 16 << 20

// ErrBadRecordID is returned by ParseRecordID.
var ErrBadRecordID = errors.New("malformed record id")

// Record is one manifest line.
type Record struct {
	RecordID   string          `json:"recordId"`
	ModelInput json.RawMessage `json:"modelInput"`
}

// RecordID returns the manifest record id for a file and analysis type.
func RecordID(fileID, analysis string) string {
	return recordPrefix + fileID + ":" + analysis
}

// ParseRecordID splits a record id into file id and analysis type. The
// analysis type is the text after the last ':' so file ids may contain
// colons.
func ParseRecordID(id string) (fileID, analysis string, err error) {
	rest, ok := strings.CutPrefix(id, recordPrefix)
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrBadRecordID, id)
	}
	i := strings.LastIndexByte(rest, ':')
	if i <= 0 || i == len(rest)-1 {
		return "", "", fmt.Errorf("%w: %q", ErrBadRecordID, id)
	}
	return rest[:i], rest[i+1:], nil
}

// Input describes one staged file to an InputBuilder.
type Input struct {
	FileID       string
	MediaType    string
	SizeBytes    int64
	URI          string
	AnalysisType string
}

// InputBuilder produces the modelInput body for one file.
type InputBuilder func(in Input) (any, error)

// DefaultInputBuilder references the staged object by URI and leaves the
// prompt to the inference submitter.
func DefaultInputBuilder(in Input) (any, error) {
	return map[string]any{
		"analysisType": in.AnalysisType,
		"media": map[string]any{
			"uri":       in.URI,
			"mediaType": in.MediaType,
			"sizeBytes": in.SizeBytes,
		},
	}, nil
}

// Build produces one record per chunk file, in chunk order. staged maps the
// original storage key to its staged key.
func Build(chunk batch.Chunk, staged map[string]string, bucket, analysis string, mediaTypes map[string]string, build InputBuilder) ([]Record, error) {
	if build == nil {
		build = DefaultInputBuilder
	}

	records := make([]Record, 0, chunk.Len())
	for i, id := range chunk.FileIDs {
		key, ok := staged[chunk.StorageKeys[i]]
		if !ok {
			return nil, fmt.Errorf("file %s (%s) was not staged", id, chunk.StorageKeys[i])
		}

		body, err := build(Input{
			FileID:       id,
			MediaType:    mediaTypes[id],
			SizeBytes:    chunk.SizesBytes[i],
			URI:          "s3://" + bucket + "/" + key,
			AnalysisType: analysis,
		})
		if err != nil {
			return nil, fmt.Errorf("build input for %s: %w", id, err)
		}
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal input for %s: %w", id, err)
		}
		records = append(records, Record{RecordID: RecordID(id, analysis), ModelInput: raw})
	}
	return records, nil
}

// Encode writes records as JSON Lines.
func Encode(records []Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return nil, fmt.Errorf("encode record %s: %w", r.RecordID, err)
		}
	}
	return buf.Bytes(), nil
}

// OutputError is the error object of a failed output line.
type OutputError struct {
	Code    any    `json:"errorCode,omitempty"`
	Message string `json:"errorMessage,omitempty"`
}

// OutputRecord is one decoded result line. LineErr is set when the line
// itself is not valid JSON; Line is its 1-based position.
type OutputRecord struct {
	RecordID    string          `json:"recordId"`
	ModelOutput json.RawMessage `json:"modelOutput,omitempty"`
	Error       *OutputError    `json:"error,omitempty"`

	Line    int   `json:"-"`
	LineErr error `json:"-"`
}

// Failed reports whether the service returned an error for the record.
func (r *OutputRecord) Failed() bool { return r.Error != nil }

// DecodeOutput reads every non-blank line of r. Lines that do not decode
// are returned with LineErr set instead of aborting the read.
func DecodeOutput(r io.Reader) ([]OutputRecord, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var out []OutputRecord
	line := 0
	for sc.Scan() {
		line++
		text := bytes.TrimSpace(sc.Bytes())
		if len(text) == 0 {
			continue
		}

		var rec OutputRecord
		if err := json.Unmarshal(text, &rec); err != nil {
			out = append(out, OutputRecord{Line: line, LineErr: err})
			continue
		}
		rec.Line = line
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("read output line %d: %w", line+1, err)
	}
	return out, nil
}

// Text extracts the model's text payload from the common response shapes:
// a bare string, {"content":[{"text":...}]}, {"outputText":...},
// {"text":...}, or {"candidates":[{"content":{"parts":[{"text":...}]}}]}.
// Multiple text blocks are concatenated.
func (r *OutputRecord) Text() (string, error) {
	if len(r.ModelOutput) == 0 {
		return "", errors.New("record has no model output")
	}

	var s string
	if err := json.Unmarshal(r.ModelOutput, &s); err == nil {
		return s, nil
	}

	var shape struct {
		Content    json.RawMessage `json:"content"`
		OutputText *string         `json:"outputText"`
		Text       *string         `json:"text"`
		Candidates []struct {
			Content struct {
				Parts []textBlock `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(r.ModelOutput, &shape); err != nil {
		return "", fmt.Errorf("model output: %w", err)
	}

	switch {
	case len(shape.Content) > 0:
		var blocks []textBlock
		if err := json.Unmarshal(shape.Content, &blocks); err == nil {
			if t, ok := joinText(blocks); ok {
				return t, nil
			}
		}
		var str string
		if err := json.Unmarshal(shape.Content, &str); err == nil {
			return str, nil
		}
	case shape.OutputText != nil:
		return *shape.OutputText, nil
	case shape.Text != nil:
		return *shape.Text, nil
	case len(shape.Candidates) > 0:
		if t, ok := joinText(shape.Candidates[0].Content.Parts); ok {
			return t, nil
		}
	}
	return "", errors.New("model output has no text")
}

type textBlock struct {
	Type string  `json:"type"`
	Text *string `json:"text"`
}

func joinText(blocks []textBlock) (string, bool) {
	var sb strings.Builder
	found := false
	for _, b := range blocks {
		if b.Text == nil || (b.Type != "" && b.Type != "text") {
			continue
		}
		sb.WriteString(*b.Text)
		found = true
	}
	return sb.String(), found
}

// Analysis types understood by result ingestion.
const (
	AnalysisCombined       = "combined"
	AnalysisClassification = "classification"
	AnalysisDescription    = "description"
)

// ValidAnalysis reports whether a is a known analysis type.
func ValidAnalysis(a string) bool {
	switch a {
	case AnalysisCombined, AnalysisClassification, AnalysisDescription:
		return true
	}
	return false
}
