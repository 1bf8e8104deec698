package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// PythonInfo describes an interpreter and the notebook packages it can import.
type PythonInfo struct {
	Executable string `json:"executable"`
	Version    string `json:"version"`
	Prefix     string `json:"prefix"`
	JupyterLab string `json:"jupyterlab,omitempty"`
	Notebook   string `json:"notebook,omitempty"`
}

// HasServer reports whether either server flavour is importable.
func (p PythonInfo) HasServer(useNotebook bool) bool {
	if useNotebook {
		return p.Notebook != ""
	}
	return p.JupyterLab != ""
}

const detectScript = `import json, sys
def v(m):
    try:
        return __import__(m).__version__
    except Exception:
        return ""
print(json.dumps({"executable": sys.executable, "version": sys.version.split()[0],
    "prefix": sys.prefix, "jupyterlab": v("jupyterlab"), "notebook": v("notebook")}))`

const detectTimeout = 15 * time.Second

// DetectPython runs exe (or the PATH default) and reports its version and
// installed notebook servers.
func DetectPython(ctx context.Context, exe string) (PythonInfo, error) {
	path, err := LookupExecutable(exe)
	if err != nil {
		return PythonInfo{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, detectTimeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path, "-c", detectScript)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return PythonInfo{}, fmt.Errorf("run %s: %w", path, err)
		}
		return PythonInfo{}, fmt.Errorf("run %s: %w: %s", path, err, msg)
	}
	return parseDetect(stdout.Bytes())
}

func parseDetect(b []byte) (PythonInfo, error) {
	// interpreters with startup hooks may print before our line
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	var info PythonInfo
	if err := json.Unmarshal([]byte(last), &info); err != nil {
		return PythonInfo{}, fmt.Errorf("parse interpreter output: %w", err)
	}
	return info, nil
}
