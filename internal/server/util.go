package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/notebookd/internal/control"
	"github.com/loykin/notebookd/internal/resolver"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

// bindOptionalJSON decodes the request body into v; an empty body leaves v
// untouched.
func bindOptionalJSON(c *gin.Context, v any) error {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return err
	}
	_, err = decodeOptional(body, v)
	return err
}

func decodeOptional(body []byte, v any) (empty bool, err error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return true, nil
	}
	return false, json.Unmarshal(body, v)
}

// flattenSettings turns a JSON object into string settings. Scalars are
// formatted, nested values are kept as JSON text. Known launch keys are
// validated so a bad value never reaches the store.
func flattenSettings(raw map[string]any) (map[string]string, error) {
	kv := make(map[string]string, len(raw))
	for k, v := range raw {
		if strings.TrimSpace(k) == "" {
			return nil, &resolver.ConfigurationError{Field: "key", Reason: "empty setting key"}
		}
		switch t := v.(type) {
		case string:
			kv[k] = t
		case bool:
			kv[k] = strconv.FormatBool(t)
		case float64:
			kv[k] = strconv.FormatFloat(t, 'f', -1, 64)
		case nil:
			kv[k] = ""
		default:
			b, err := json.Marshal(t)
			if err != nil {
				return nil, fmt.Errorf("setting %q: %w", k, err)
			}
			kv[k] = string(b)
		}
	}
	if v, ok := kv[control.KeyPort]; ok && v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, &resolver.ConfigurationError{Field: "port", Reason: "not a number", Err: err}
		}
		if err := resolver.ValidatePort(p); err != nil {
			return nil, err
		}
	}
	if v, ok := kv[control.KeyUseNotebook]; ok && v != "" {
		if _, err := strconv.ParseBool(v); err != nil {
			return nil, &resolver.ConfigurationError{Field: "useNotebook", Reason: "not a boolean", Err: err}
		}
	}
	if v, ok := kv[control.KeyArgs]; ok {
		if _, err := resolver.SplitArgs(v); err != nil {
			return nil, &resolver.ConfigurationError{Field: "args", Reason: "cannot split", Err: err}
		}
	}
	return kv, nil
}
