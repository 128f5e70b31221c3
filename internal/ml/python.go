package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrInferenceTimeout is returned when the inference subprocess overruns.
var ErrInferenceTimeout = errors.New("inference timeout")

// pythonRunner executes one inference script per call, exchanging JSON over
// stdin/stdout. It holds no mutable state.
type pythonRunner struct {
	pythonPath string
	scriptPath string
	modelPath  string
	timeout    time.Duration
}

func (r pythonRunner) run(ctx context.Context, req, resp interface{}) error {
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.pythonPath, r.scriptPath, r.modelPath)
	cmd.Stdin = bytes.NewReader(reqJSON)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		log.Error().
			Err(err).
			Str("python_path", r.pythonPath).
			Str("script_path", r.scriptPath).
			Str("model_path", r.modelPath).
			Str("stderr", stderr.String()).
			Dur("timeout", r.timeout).
			Bool("context_cancelled", ctx.Err() != nil).
			Msg("Python inference execution failed")

		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %v", ErrInferenceTimeout, r.timeout)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch {
		case strings.Contains(stderr.String(), "onnxruntime not installed"),
			strings.Contains(stdout.String(), "onnxruntime not installed"):
			return fmt.Errorf("ONNX runtime dependency missing: %w", err)
		case strings.Contains(stderr.String(), "No such file or directory"):
			return fmt.Errorf("model file not accessible: %w", err)
		case strings.Contains(stderr.String(), "Permission denied"):
			return fmt.Errorf("permission denied accessing model files: %w", err)
		}
		return fmt.Errorf("python inference failed: %w, stdout: %s, stderr: %s", err, stdout.String(), stderr.String())
	}

	if err := json.Unmarshal(stdout.Bytes(), resp); err != nil {
		return fmt.Errorf("failed to parse response: %w, stdout: %s", err, stdout.String())
	}
	return nil
}

// findPython locates a Python 3 interpreter, preferring one with
// onnxruntime installed.
func findPython() (string, error) {
	var candidates []string

	if venvPath := os.Getenv("VIRTUAL_ENV"); venvPath != "" {
		candidates = append(candidates,
			filepath.Join(venvPath, "bin", "python3"),
			filepath.Join(venvPath, "bin", "python"),
			filepath.Join(venvPath, "Scripts", "python.exe"),
		)
	}

	if execPath, err := os.Executable(); err == nil {
		execDir := filepath.Dir(execPath)
		for _, root := range []string{execDir, filepath.Dir(execDir)} {
			candidates = append(candidates,
				filepath.Join(root, "venv", "bin", "python3"),
				filepath.Join(root, ".venv", "bin", "python3"),
			)
		}
	}

	for _, name := range []string{"python3", "python", "python3.12", "python3.11", "python3.10"} {
		if path, err := exec.LookPath(name); err == nil {
			candidates = append(candidates, path)
		}
	}

	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		cmd := exec.Command(candidate, "-c", "import sys, onnxruntime; print('Python', sys.version)")
		if output, err := cmd.Output(); err == nil && strings.Contains(string(output), "Python 3") {
			log.Info().Str("python_path", candidate).Msg("Using Python with ONNX Runtime")
			return candidate, nil
		}
	}

	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		cmd := exec.Command(candidate, "-c", "import sys; exit(0 if sys.version_info[0] == 3 else 1)")
		if err := cmd.Run(); err == nil {
			log.Warn().Str("python_path", candidate).Msg("Found Python 3 but ONNX Runtime may not be installed")
			return candidate, nil
		}
	}

	return "", fmt.Errorf("no suitable Python 3 executable found")
}

// resolveScript returns scriptName next to the model, or writes the embedded
// fallback body there.
func resolveScript(modelDir, scriptName, body string) (string, error) {
	scriptPath := filepath.Join(modelDir, scriptName)
	if _, err := os.Stat(scriptPath); err == nil {
		return scriptPath, nil
	}

	embedded := filepath.Join(modelDir, strings.TrimSuffix(scriptName, ".py")+"_embedded.py")
	if err := os.WriteFile(embedded, []byte(body), 0o755); err != nil {
		return "", fmt.Errorf("write inference script: %w", err)
	}
	return embedded, nil
}

const classifierScript = `#!/usr/bin/env python3
"""Mood classifier inference (embedded). Usage: script <model_dir>"""
import json
import os
import sys

import numpy as np

try:
    import onnxruntime as ort
except ImportError:
    print(json.dumps({"error": "onnxruntime not installed"}))
    sys.exit(1)

ROLES = ("depression", "hypomanic", "manic")


def positive_probability(outputs):
    for out in outputs:
        arr = np.asarray(out)
        if arr.ndim == 2 and arr.shape[-1] == 2:
            return float(arr[0][1])
        if isinstance(out, list) and out and isinstance(out[0], dict):
            return float(out[0].get(1, out[0].get("1", 0.5)))
    return float(np.asarray(outputs[-1]).ravel()[0])


def main():
    if len(sys.argv) != 2:
        print(json.dumps({"error": "usage: script <model_dir>"}))
        sys.exit(1)
    model_dir = sys.argv[1]
    try:
        request = json.load(sys.stdin)
        features = np.array([request["features"]], dtype=np.float32)
        response = {}
        for role in ROLES:
            session = ort.InferenceSession(os.path.join(model_dir, role + ".onnx"))
            name = session.get_inputs()[0].name
            response[role] = positive_probability(session.run(None, {name: features}))
        print(json.dumps(response))
    except Exception as e:
        print(json.dumps({"error": str(e)}))
        sys.exit(1)


if __name__ == "__main__":
    main()
`

const encoderScript = `#!/usr/bin/env python3
"""Activity encoder inference (embedded). Usage: script <model_path>"""
import json
import sys

import numpy as np

try:
    import onnxruntime as ort
except ImportError:
    print(json.dumps({"error": "onnxruntime not installed"}))
    sys.exit(1)


def main():
    if len(sys.argv) != 2:
        print(json.dumps({"error": "usage: script <model_path>"}))
        sys.exit(1)
    try:
        request = json.load(sys.stdin)
        values = np.array([request["sequence"]], dtype=np.float32)
        session = ort.InferenceSession(sys.argv[1])
        name = session.get_inputs()[0].name
        out = np.asarray(session.run(None, {name: values})[0])
        if out.ndim == 3:
            out = out.mean(axis=1)
        print(json.dumps({"embedding": out.ravel().tolist()}))
    except Exception as e:
        print(json.dumps({"error": str(e)}))
        sys.exit(1)


if __name__ == "__main__":
    main()
`

func isTimeout(err error) bool {
	return errors.Is(err, ErrInferenceTimeout) || errors.Is(err, context.DeadlineExceeded)
}
