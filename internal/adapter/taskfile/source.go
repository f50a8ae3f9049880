// Package taskfile loads site task definitions from YAML files, one task per
// file, named <taskId>.yaml or .yml.
package taskfile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/user/pt-crawler/internal/entity"
	"github.com/user/pt-crawler/internal/repository"
)

type Source struct {
	dir string
}

var _ repository.TaskSource = (*Source)(nil)

func New(dir string) *Source {
	return &Source{dir: dir}
}

// GetTask reads and validates <dir>/<taskID>.yaml. Credentials may reference
// environment variables as ${NAME}.
func (s *Source) GetTask(_ context.Context, taskID string) (*entity.SiteTaskConfig, error) {
	if taskID == "" || strings.ContainsAny(taskID, `/\`) || strings.HasPrefix(taskID, ".") {
		return nil, fmt.Errorf("%w: bad id %q", entity.ErrInvalidTask, taskID)
	}
	path, err := s.find(taskID)
	if err != nil {
		return nil, err
	}
	return Load(path)
}

func (s *Source) ListTasks(context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read tasks dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if id, ok := taskIDFromName(e.Name()); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Source) find(taskID string) (string, error) {
	for _, ext := range []string{".yaml", ".yml"} {
		path := filepath.Join(s.dir, taskID+ext)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
	}
	return "", fmt.Errorf("task %s: %w", taskID, entity.ErrNotFound)
}

// Load parses one task document.
func Load(path string) (*entity.SiteTaskConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var task entity.SiteTaskConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&task); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if task.TaskID == "" {
		task.TaskID, _ = taskIDFromName(filepath.Base(path))
	}
	task.Credentials.Username = os.ExpandEnv(task.Credentials.Username)
	task.Credentials.Password = os.ExpandEnv(task.Credentials.Password)
	if err := task.Validate(); err != nil {
		return nil, err
	}
	return &task, nil
}

func taskIDFromName(name string) (string, bool) {
	for _, ext := range []string{".yaml", ".yml"} {
		if strings.HasSuffix(name, ext) {
			return strings.TrimSuffix(name, ext), true
		}
	}
	return "", false
}
