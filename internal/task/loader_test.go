package task

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeJSONL(t *testing.T, path string, tasks ...Task) {
	t.Helper()
	var buf []byte
	for _, tk := range tasks {
		b, err := json.Marshal(tk)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		buf = append(buf, b...)
		buf = append(buf, '\n')
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadSingleFile(t *testing.T) {
	dir := t.TempDir()
	tk := validTask()
	writeJSONL(t, filepath.Join(dir, "tasks.jsonl"), tk)

	got, err := Load(filepath.Join(dir, "tasks.jsonl"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 1 || got[0].TaskID != "t1" {
		t.Fatalf("loaded: %+v", got)
	}
	if len(got[0].Steps) != 2 {
		t.Fatalf("steps: got %d want 2", len(got[0].Steps))
	}
	if got[0].FaultRules[0].Kind != "Timeout" {
		t.Fatalf("fault rule: %+v", got[0].FaultRules[0])
	}
}

func TestLoadGlobSortedOrder(t *testing.T) {
	dir := t.TempDir()
	b := validTask()
	b.TaskID = "t2"
	writeJSONL(t, filepath.Join(dir, "b.jsonl"), b)
	writeJSONL(t, filepath.Join(dir, "a.jsonl"), validTask())

	got, err := Load(filepath.Join(dir, "*.jsonl"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("tasks: got %d want 2", len(got))
	}
	if got[0].TaskID != "t1" || got[1].TaskID != "t2" {
		t.Fatalf("order: got %s,%s want t1,t2", got[0].TaskID, got[1].TaskID)
	}
}

func TestLoadDuplicateTaskID(t *testing.T) {
	dir := t.TempDir()
	writeJSONL(t, filepath.Join(dir, "a.jsonl"), validTask())
	writeJSONL(t, filepath.Join(dir, "b.jsonl"), validTask())

	if _, err := Load(filepath.Join(dir, "*.jsonl")); err == nil {
		t.Fatal("duplicate task_id accepted")
	}
}

func TestLoadSkipsBlankLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.jsonl")
	b, _ := json.Marshal(validTask())
	content := append([]byte("\n"), b...)
	content = append(content, []byte("\n\n")...)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("tasks: got %d want 1", len(got))
	}
}

func TestLoadBadJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.jsonl")
	if err := os.WriteFile(path, []byte("{not json}\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("malformed line accepted")
	}
}

func TestLoadNoMatches(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "*.jsonl")); err == nil {
		t.Fatal("empty match set accepted")
	}
}
