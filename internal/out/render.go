package out

import (
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"sort"
	"strings"

	"github.com/ggonzalez94/evm-agent-wallet/internal/config"
	"github.com/ggonzalez94/evm-agent-wallet/internal/model"
)

// Render writes env in the configured output mode. --select projects the data
// payload before rendering and accepts dotted paths such as "balance.amount".
func Render(w io.Writer, env model.Envelope, settings config.Settings) error {
	data := env.Data
	if len(settings.SelectFields) > 0 {
		data = project(data, settings.SelectFields)
	}

	if settings.ResultsOnly {
		if settings.OutputMode == "json" {
			return writeJSON(w, data)
		}
		return renderPlain(w, data)
	}

	if settings.OutputMode == "json" {
		env.Data = data
		return writeJSON(w, env)
	}

	if env.Error != nil {
		return renderPlainError(w, env)
	}
	if err := renderPlain(w, data); err != nil {
		return err
	}
	for _, warning := range env.Warnings {
		if _, err := fmt.Fprintf(w, "warning: %s\n", warning); err != nil {
			return err
		}
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderPlainError(w io.Writer, env model.Envelope) error {
	e := env.Error
	label := e.Type
	if e.Kind != "" {
		label = e.Kind
	}
	if _, err := fmt.Fprintf(w, "error[%d] %s: %s\n", e.Code, label, e.Message); err != nil {
		return err
	}
	if e.Details != "" {
		if _, err := fmt.Fprintf(w, "details: %s\n", e.Details); err != nil {
			return err
		}
	}
	for _, s := range e.Suggestions {
		if _, err := fmt.Fprintf(w, "hint: %s\n", s); err != nil {
			return err
		}
	}
	if e.Recoverable {
		_, err := fmt.Fprintln(w, "recoverable: true")
		return err
	}
	return nil
}

func renderPlain(w io.Writer, data any) error {
	v := reflect.ValueOf(data)
	if !v.IsValid() {
		_, err := fmt.Fprintln(w, "null")
		return err
	}

	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		if v.Len() == 0 {
			_, err := fmt.Fprintln(w, "[]")
			return err
		}
		for i := 0; i < v.Len(); i++ {
			line, err := toLine(normalizeValue(v.Index(i).Interface()))
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintln(w, line); err != nil {
				return err
			}
		}
		return nil
	default:
		line, err := toLine(normalizeValue(data))
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, line)
		return err
	}
}

func project(data any, fields []string) any {
	n := normalizeValue(data)
	switch t := n.(type) {
	case []any:
		out := make([]map[string]any, 0, len(t))
		for _, item := range t {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			out = append(out, projectMap(m, fields))
		}
		return out
	case map[string]any:
		return projectMap(t, fields)
	default:
		return n
	}
}

func projectMap(m map[string]any, fields []string) map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := lookupPath(m, f); ok {
			out[f] = v
		}
	}
	return out
}

func lookupPath(m map[string]any, path string) (any, bool) {
	var cur any = m
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func normalizeValue(v any) any {
	buf, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(buf, &out); err != nil {
		return v
	}
	return out
}

func toLine(v any) (string, error) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			switch inner := t[k].(type) {
			case map[string]any, []any:
				buf, err := json.Marshal(inner)
				if err != nil {
					return "", err
				}
				parts = append(parts, fmt.Sprintf("%s=%s", k, buf))
			case nil:
				parts = append(parts, k+"=-")
			default:
				parts = append(parts, fmt.Sprintf("%s=%v", k, inner))
			}
		}
		return strings.Join(parts, " "), nil
	default:
		buf, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(buf), nil
	}
}
