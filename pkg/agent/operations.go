package agent

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/harun/wavefront/pkg/breaker"
	"github.com/harun/wavefront/pkg/workitem"
)

// maxFetchBytes caps response bodies read by Fetch
const maxFetchBytes = 4 << 20

// protect runs op through the breaker for class. Plain workers call op directly.
func (a *Agent) protect(ctx context.Context, class breaker.Class, op breaker.Operation) (interface{}, error) {
	if a.breakers == nil {
		return op(ctx)
	}
	return a.breakers.Get(class).Execute(ctx, op, func(ctx context.Context, cause error) (interface{}, error) {
		return nil, fmt.Errorf("%s unavailable: %w", class, cause)
	})
}

func (a *Agent) resolve(path string) string {
	if filepath.IsAbs(path) || a.cfg.WorkDir == "" {
		return path
	}
	return filepath.Join(a.cfg.WorkDir, path)
}

// ReadFile reads path through the file I/O breaker
func (a *Agent) ReadFile(ctx context.Context, path string) ([]byte, error) {
	value, err := a.protect(ctx, breaker.ClassFileIO, func(ctx context.Context) (interface{}, error) {
		return os.ReadFile(a.resolve(path))
	})
	if err != nil {
		return nil, err
	}
	return value.([]byte), nil
}

// WriteFile writes path through the file I/O breaker, creating parent directories
func (a *Agent) WriteFile(ctx context.Context, path string, data []byte) error {
	_, err := a.protect(ctx, breaker.ClassFileIO, func(ctx context.Context) (interface{}, error) {
		full := a.resolve(path)
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return nil, err
		}
		return nil, os.WriteFile(full, data, 0644)
	})
	return err
}

// RunCommand runs an external command through the command breaker and
// returns its combined output
func (a *Agent) RunCommand(ctx context.Context, name string, args ...string) (string, error) {
	value, err := a.protect(ctx, breaker.ClassCommand, func(ctx context.Context) (interface{}, error) {
		cmd := exec.CommandContext(ctx, name, args...)
		if a.cfg.WorkDir != "" {
			cmd.Dir = a.cfg.WorkDir
		}
		out, err := cmd.CombinedOutput()
		if err != nil {
			return string(out), fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
		}
		return string(out), nil
	})
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

// Fetch GETs url through the network breaker. A status of 400 or above is an error.
func (a *Agent) Fetch(ctx context.Context, url string) ([]byte, error) {
	value, err := a.protect(ctx, breaker.ClassNetwork, func(ctx context.Context) (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := a.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
		}
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	return value.([]byte), nil
}

// DefaultPerformer executes a task by kind with the agent's protected operations:
//
//	note     returns params["text"] or the title
//	file     writes params["content"] to params["path"], or reads it when content is absent
//	command  runs params["command"] split on whitespace
//	http     fetches params["url"]
func DefaultPerformer(ctx context.Context, task workitem.Task, wc WorkContext) (TaskResult, error) {
	res := TaskResult{TaskID: task.ID, Kind: string(task.Kind)}

	switch task.Kind {
	case workitem.KindNote, "":
		res.Output = task.Param("text", task.Title)
		return res, nil

	case workitem.KindFile:
		path := task.Param("path", "")
		if path == "" {
			return res, fmt.Errorf("file task %s: path is required", task.ID)
		}
		if content, ok := task.Params["content"]; ok {
			if err := wc.Ops.WriteFile(ctx, path, []byte(content)); err != nil {
				return res, err
			}
			res.Output = fmt.Sprintf("wrote %d bytes to %s", len(content), path)
			return res, nil
		}
		data, err := wc.Ops.ReadFile(ctx, path)
		if err != nil {
			return res, err
		}
		res.Output = string(data)
		return res, nil

	case workitem.KindCommand:
		fields := strings.Fields(task.Param("command", ""))
		if len(fields) == 0 {
			return res, fmt.Errorf("command task %s: command is required", task.ID)
		}
		out, err := wc.Ops.RunCommand(ctx, fields[0], fields[1:]...)
		res.Output = out
		return res, err

	case workitem.KindHTTP:
		url := task.Param("url", "")
		if url == "" {
			return res, fmt.Errorf("http task %s: url is required", task.ID)
		}
		body, err := wc.Ops.Fetch(ctx, url)
		if err != nil {
			return res, err
		}
		res.Output = string(body)
		return res, nil

	default:
		return res, fmt.Errorf("task %s: unsupported kind %q", task.ID, task.Kind)
	}
}
