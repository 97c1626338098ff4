package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// CommandBridge executes a capability hosted in another runtime as a
// subprocess: argv carries the method name and a JSON parameter blob, stdout
// carries a single JSON result. From the caller's perspective it is just
// another call that eventually returns a Result or times out.
type CommandBridge struct {
	path    string
	timeout time.Duration
	logger  *zap.Logger
}

// NewCommandBridge creates a bridge around the executable at path.
func NewCommandBridge(path string, timeout time.Duration, logger *zap.Logger) *CommandBridge {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CommandBridge{path: path, timeout: timeout, logger: logger}
}

// Invoke implements Bridge. The action type becomes the subprocess method
// name, so one CommandBridge can serve several action types.
func (b *CommandBridge) Invoke(ctx context.Context, action Action, token string) (Result, error) {
	params := make(map[string]interface{}, len(action.Params)+1)
	for k, v := range action.Params {
		params[k] = v
	}
	if token != "" {
		params["session_id"] = token
	}
	payload, err := json.Marshal(params)
	if err != nil {
		return Result{}, fmt.Errorf("marshal params: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, b.path, string(action.Type), string(payload))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		b.logger.Warn("Capability subprocess failed",
			zap.String("path", b.path),
			zap.String("method", string(action.Type)),
			zap.String("stderr", stderr.String()),
			zap.Error(err),
		)
		return Result{}, fmt.Errorf("subprocess %s: %w", action.Type, err)
	}

	var out struct {
		Error string                 `json:"error,omitempty"`
		Data  map[string]interface{} `json:"data,omitempty"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return Result{}, fmt.Errorf("decode subprocess output: %w", err)
	}
	if out.Error != "" {
		return Fail("%s", out.Error), nil
	}
	if out.Data == nil {
		// Tolerate bare payloads: some capability scripts print the data
		// object directly instead of wrapping it.
		var bare map[string]interface{}
		if jsonErr := json.Unmarshal(stdout.Bytes(), &bare); jsonErr == nil {
			delete(bare, "error")
			delete(bare, "data")
			return Ok(bare), nil
		}
	}
	return Ok(out.Data), nil
}
