// Package cmdhelper provides small helpers shared by the CLI's commands.
package cmdhelper

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Fprintf is a wrapper around fmt.Fprintf to suppress the error check and
// always terminate output with a newline.
func Fprintf(w io.Writer, format string, args ...any) {
	if len(format) == 0 || format[len(format)-1] != '\n' {
		format += "\n"
	}
	_, _ = fmt.Fprintf(w, format, args...)
}

// PrettifyJSON reindents data as JSON with two-space indents.
func PrettifyJSON(data any) ([]byte, error) {
	switch v := data.(type) {
	case []byte:
		return prettifyJSONBytes(v)
	case string:
		return prettifyJSONBytes([]byte(v))
	default:
		return json.MarshalIndent(data, "", "  ")
	}
}

func prettifyJSONBytes(data []byte) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := json.Indent(buf, data, "", "  "); err != nil {
		return nil, fmt.Errorf("failed to prettify: %w", err)
	}
	return buf.Bytes(), nil
}
