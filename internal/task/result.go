package task

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ResultKind tags how a result artifact was understood.
type ResultKind string

const (
	// ResultParsed means the artifact matched the result schema.
	ResultParsed ResultKind = "parsed"
	// ResultRaw means the artifact was valid JSON but not a result record.
	ResultRaw ResultKind = "raw"
)

// Record is the schema a worker writes to its result artifact.
type Record struct {
	Success bool           `json:"success"`
	Outputs []string       `json:"outputs"`
	Metrics map[string]any `json:"metrics,omitempty"`
}

// Result is the payload of a completed task.
type Result struct {
	Kind   ResultKind      `json:"kind"`
	Record *Record         `json:"record,omitempty"`
	Raw    json.RawMessage `json:"raw,omitempty"`
}

// Succeeded is false only when the worker explicitly reported failure.
func (r *Result) Succeeded() bool {
	if r == nil {
		return false
	}
	if r.Kind == ResultParsed && r.Record != nil {
		return r.Record.Success
	}
	return true
}

var (
	errArtifactMissing     = errors.New("result artifact missing")
	errArtifactUnparseable = errors.New("result artifact unparseable")
)

// wireRecord keeps pointer fields so required keys can be told apart from
// zero values.
type wireRecord struct {
	Success *bool          `json:"success"`
	Outputs []string       `json:"outputs"`
	Metrics map[string]any `json:"metrics"`
}

// ReadResult loads and classifies the artifact at path.
func ReadResult(path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errArtifactMissing
		}
		return nil, fmt.Errorf("%w: %v", errArtifactMissing, err)
	}
	return ParseResult(data)
}

// ParseResult classifies artifact bytes. Invalid JSON is an error; JSON
// that does not satisfy the schema degrades to a raw result.
func ParseResult(data []byte) (*Result, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || !json.Valid(data) {
		return nil, errArtifactUnparseable
	}
	raw := &Result{Kind: ResultRaw, Raw: json.RawMessage(append([]byte(nil), data...))}

	var w wireRecord
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&w); err != nil || w.Success == nil {
		return raw, nil
	}
	rec := &Record{Success: *w.Success, Outputs: w.Outputs, Metrics: w.Metrics}
	if rec.Outputs == nil {
		rec.Outputs = []string{}
	}
	return &Result{Kind: ResultParsed, Record: rec}, nil
}
