package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/justdata/reportcache/pkg/models"
)

// parseParams builds a parameter set from key=value arguments, a JSON object,
// or both. A key given more than once becomes a list. jsonArg may be a literal
// object, @path to read a file, or @- to read stdin.
func parseParams(args []string, jsonArg string, stdin io.Reader) (models.ParameterSet, error) {
	params := models.ParameterSet{}

	if jsonArg != "" {
		data := []byte(jsonArg)
		if path, ok := strings.CutPrefix(jsonArg, "@"); ok {
			var err error
			if path == "-" {
				data, err = io.ReadAll(stdin)
			} else {
				data, err = os.ReadFile(path)
			}
			if err != nil {
				return nil, fmt.Errorf("read params: %w", err)
			}
		}
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&params); err != nil {
			return nil, fmt.Errorf("%w: params must be a JSON object: %v", models.ErrInvalidParameter, err)
		}
	}

	for _, arg := range args {
		key, val, ok := strings.Cut(arg, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("%w: expected key=value, got %q", models.ErrInvalidParameter, arg)
		}
		switch prev := params[key].(type) {
		case nil:
			params[key] = val
		case []any:
			params[key] = append(prev, val)
		default:
			params[key] = []any{prev, val}
		}
	}

	if len(params) == 0 {
		return nil, fmt.Errorf("%w: no parameters given", models.ErrInvalidParameter)
	}
	return params, nil
}
