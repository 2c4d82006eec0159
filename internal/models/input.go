package models

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
)

// InputData is the student-provided payload of a submission, keyed by problem id.
// Keys prefixed with "@" carry enrichment added by the dispatcher.
type InputData map[string]any

// InputFile is an uploaded file answer.
type InputFile struct {
	ProblemID string
	Filename  string
	Value     []byte
}

// NewFileAnswer builds the stored representation of an uploaded file.
func NewFileAnswer(filename string, value []byte) map[string]any {
	return map[string]any{
		"filename": filename,
		"value":    base64.StdEncoding.EncodeToString(value),
	}
}

// Clone returns a shallow copy of the input.
func (in InputData) Clone() InputData {
	out := make(InputData, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

// Encode serialises the input for blob storage.
func (in InputData) Encode() ([]byte, error) {
	if in == nil {
		in = InputData{}
	}
	return json.Marshal(in)
}

// DecodeInput parses a stored input payload.
func DecodeInput(raw []byte) (InputData, error) {
	in := InputData{}
	if len(raw) == 0 {
		return in, nil
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("decode submission input: %w", err)
	}
	return in, nil
}

// Files re-materialises uploaded files, sorted by problem id.
func (in InputData) Files() ([]InputFile, error) {
	keys := make([]string, 0, len(in))
	for key := range in {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	files := make([]InputFile, 0)
	for _, key := range keys {
		entry, ok := in[key].(map[string]any)
		if !ok {
			continue
		}
		filename, ok := entry["filename"].(string)
		if !ok {
			continue
		}

		var value []byte
		switch raw := entry["value"].(type) {
		case string:
			decoded, err := base64.StdEncoding.DecodeString(raw)
			if err != nil {
				return nil, fmt.Errorf("decode file %q: %w", key, err)
			}
			value = decoded
		case []byte:
			value = raw
		case nil:
		default:
			return nil, fmt.Errorf("unsupported file value for %q", key)
		}

		files = append(files, InputFile{ProblemID: key, Filename: filename, Value: value})
	}
	return files, nil
}
