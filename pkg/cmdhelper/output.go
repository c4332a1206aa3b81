// Package cmdhelper provides common methods to build cli commands.
package cmdhelper

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/wuxler/ruartifact/pkg/errdefs"
)

// Output formats accepted by the --format flags.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Fprintf is a wrapper around fmt.Fprintf to suppress the error check.
func Fprintf(w io.Writer, format string, args ...any) {
	if format == "" || format[len(format)-1] != '\n' {
		format += "\n"
	}
	_, _ = fmt.Fprintf(w, format, args...)
}

// PrettifyJSON is a helper function to prettify data to json bytes with indents.
func PrettifyJSON(data any) ([]byte, error) {
	return json.MarshalIndent(data, "", "  ")
}

// ValidateFormat checks that format is one of the structured formats or
// text.
func ValidateFormat(format string) error {
	switch strings.ToLower(format) {
	case FormatText, FormatJSON, FormatYAML, "yml":
		return nil
	}
	return errdefs.Newf(errdefs.ErrInvalidParameter, `unknown format %q, oneof ["text", "json", "yaml"]`, format)
}

// WriteStructured writes data as json or yaml. It returns false for the text
// format, leaving the rendering to the caller.
func WriteStructured(w io.Writer, format string, data any) (bool, error) {
	switch strings.ToLower(format) {
	case FormatYAML, "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(data); err != nil {
			return true, err
		}
		return true, enc.Close()
	case FormatJSON:
		content, err := PrettifyJSON(data)
		if err != nil {
			return true, err
		}
		_, err = fmt.Fprintln(w, string(content))
		return true, err
	}
	return false, nil
}
