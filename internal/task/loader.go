package task

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Load reads tasks from every JSONL file matching pattern. Patterns support
// doublestar globs ("tasks/**/*.jsonl"); a plain path matches itself. Files
// are read in sorted path order so a run's task order is reproducible.
func Load(pattern string) ([]Task, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil, fmt.Errorf("task: empty tasks pattern")
	}

	paths, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return nil, fmt.Errorf("task: bad pattern %q: %w", pattern, err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("task: no files match %q", pattern)
	}
	sort.Strings(paths)

	var tasks []Task
	seen := map[string]string{}
	for _, path := range paths {
		loaded, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		for _, t := range loaded {
			if prev, dup := seen[t.TaskID]; dup {
				return nil, fmt.Errorf("task: duplicate task_id %q in %s (first seen in %s)", t.TaskID, path, prev)
			}
			seen[t.TaskID] = path
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

func loadFile(path string) ([]Task, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var tasks []Task
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var t Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("task: decode %s:%d: %w", path, line, err)
		}
		tasks = append(tasks, t)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("task: read %s: %w", path, err)
	}
	return tasks, nil
}
