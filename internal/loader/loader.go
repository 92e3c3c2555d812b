// Package loader reads message batches from JSON, JSON Lines, YAML and CUE
// documents.
//
// A document holding a list contributes each element as one message; any
// other document is a single message. YAML streams and JSON Lines files
// may hold several documents, read in order. A CUE document whose root
// has a "messages" field contributes that field instead, so that
// definitions may sit next to the data they constrain.
//
// Objects become snapshot.Record values and integral numbers become int,
// so loaded messages can be sent to a dispatcher as they are.
package loader

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/token"
	"gopkg.in/yaml.v3"

	"github.com/roach88/sift/internal/snapshot"
)

// Format is a document format.
type Format string

const (
	FormatJSON  Format = "json"
	FormatJSONL Format = "jsonl"
	FormatYAML  Format = "yaml"
	FormatCUE   Format = "cue"
)

// Error codes.
const (
	ErrCodeGeneric     = "E001"
	ErrCodeNoFiles     = "E003"
	ErrCodeNotFound    = "E005"
	ErrCodeBuildFailed = "E006"
	ErrCodeFormat      = "E008"
	ErrCodeDecode      = "E009"
)

// LoadError is a loading failure with an optional source position.
type LoadError struct {
	Code    string
	Message string
	File    string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	if e.File != "" {
		return fmt.Sprintf("%s: %s: %s", e.File, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FormatOf returns the format implied by a file extension.
func FormatOf(path string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, true
	case ".jsonl", ".ndjson":
		return FormatJSONL, true
	case ".yaml", ".yml":
		return FormatYAML, true
	case ".cue":
		return FormatCUE, true
	}
	return "", false
}

// ParseFormat parses a format name as given on the command line.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatJSON, FormatJSONL, FormatYAML, FormatCUE:
		return f, nil
	case "yml":
		return FormatYAML, nil
	case "ndjson":
		return FormatJSONL, nil
	}
	return "", &LoadError{Code: ErrCodeFormat, Message: fmt.Sprintf("unknown format %q", s)}
}

// Load reads the messages of a file, or of every supported file below a
// directory in lexical path order.
func Load(path string) ([]any, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not found: %s", path)}
	}
	if err != nil {
		return nil, &LoadError{Code: ErrCodeGeneric, Message: err.Error(), File: path}
	}
	if !info.IsDir() {
		return LoadFile(path)
	}

	files, err := FindFiles(path)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("scanning directory: %v", err), File: path}
	}
	if len(files) == 0 {
		return nil, &LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no message files found in %s", path)}
	}

	var msgs []any
	for _, f := range files {
		batch, err := LoadFile(f)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, batch...)
	}
	return msgs, nil
}

// LoadFile reads the messages of one file; its extension selects the
// format.
func LoadFile(path string) ([]any, error) {
	format, ok := FormatOf(path)
	if !ok {
		return nil, &LoadError{Code: ErrCodeFormat, Message: "unsupported file extension", File: path}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeGeneric, Message: err.Error(), File: path}
	}
	return Decode(data, format, path)
}

// FindFiles walks dir and returns every file with a supported extension,
// sorted.
func FindFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if _, ok := FormatOf(path); ok && !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	slices.Sort(files)
	return files, err
}

// Read decodes every message from r.
func Read(r io.Reader, format Format) ([]any, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeGeneric, Message: err.Error()}
	}
	return Decode(data, format, "")
}

// Decode decodes every message of data. name is used in error messages
// and CUE positions.
func Decode(data []byte, format Format, name string) ([]any, error) {
	var (
		docs []any
		err  error
	)
	switch format {
	case FormatJSON, FormatJSONL:
		docs, err = decodeJSON(data)
	case FormatYAML:
		docs, err = decodeYAML(data)
	case FormatCUE:
		return decodeCUE(data, name)
	default:
		return nil, &LoadError{Code: ErrCodeFormat, Message: fmt.Sprintf("unknown format %q", format), File: name}
	}
	if err != nil {
		return nil, &LoadError{Code: ErrCodeDecode, Message: err.Error(), File: name}
	}

	var msgs []any
	for _, doc := range docs {
		msgs = append(msgs, messages(doc)...)
	}
	return msgs, nil
}

func messages(doc any) []any {
	if list, ok := doc.([]any); ok {
		return list
	}
	return []any{doc}
}

// decodeJSON reads a stream of JSON values; a JSON file is a stream of
// one.
func decodeJSON(data []byte) ([]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var docs []any
	for {
		var v any
		err := dec.Decode(&v)
		if errors.Is(err, io.EOF) {
			return docs, nil
		}
		if err != nil {
			return nil, err
		}
		docs = append(docs, Normalize(v))
	}
}

func decodeYAML(data []byte) ([]any, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var docs []any
	for {
		var v any
		err := dec.Decode(&v)
		if errors.Is(err, io.EOF) {
			return docs, nil
		}
		if err != nil {
			return nil, err
		}
		if v == nil {
			continue
		}
		docs = append(docs, Normalize(v))
	}
}

// Normalize converts decoded documents to message form: objects become
// snapshot.Record and integral numbers int.
func Normalize(v any) any {
	switch x := v.(type) {
	case map[string]any:
		rec := make(snapshot.Record, len(x))
		for k, e := range x {
			rec[k] = Normalize(e)
		}
		return rec
	case map[any]any:
		rec := make(snapshot.Record, len(x))
		for k, e := range x {
			rec[fmt.Sprint(k)] = Normalize(e)
		}
		return rec
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = Normalize(e)
		}
		return out
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return int(i)
		}
		f, _ := x.Float64()
		return f
	case int64:
		return int(x)
	case uint64:
		return int(x)
	}
	return v
}

func decodeCUE(data []byte, name string) ([]any, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(data, cue.Filename(name))
	if err := v.Err(); err != nil {
		return nil, cueError(err, name)
	}
	if msgs := v.LookupPath(cue.ParsePath("messages")); v.Kind() == cue.StructKind && msgs.Exists() {
		v = msgs
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, cueError(err, name)
	}

	doc, err := fromCUE(v)
	if err != nil {
		return nil, cueError(err, name)
	}
	return messages(doc), nil
}

// fromCUE converts a concrete CUE value. Definitions and hidden fields
// are skipped.
func fromCUE(v cue.Value) (any, error) {
	switch v.Kind() {
	case cue.NullKind:
		return nil, nil
	case cue.BoolKind:
		return v.Bool()
	case cue.StringKind:
		return v.String()
	case cue.BytesKind:
		b, err := v.Bytes()
		return string(b), err
	case cue.IntKind:
		i, err := v.Int64()
		return int(i), err
	case cue.FloatKind, cue.NumberKind:
		return v.Float64()
	case cue.ListKind:
		it, err := v.List()
		if err != nil {
			return nil, err
		}
		out := []any{}
		for it.Next() {
			e, err := fromCUE(it.Value())
			if err != nil {
				return nil, err
			}
			out = append(out, e)
		}
		return out, nil
	case cue.StructKind:
		it, err := v.Fields()
		if err != nil {
			return nil, err
		}
		rec := snapshot.Record{}
		for it.Next() {
			e, err := fromCUE(it.Value())
			if err != nil {
				return nil, err
			}
			rec[it.Label()] = e
		}
		return rec, nil
	}
	return nil, fmt.Errorf("unsupported CUE value of kind %v", v.Kind())
}

func cueError(err error, name string) *LoadError {
	le := &LoadError{Code: ErrCodeBuildFailed, Message: err.Error(), File: name}
	var ce interface{ Position() token.Pos }
	if errors.As(err, &ce) {
		le.Pos = ce.Position()
	}
	return le
}
