package trace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// JSONLSink appends events to a file, one JSON object per line.
type JSONLSink struct {
	f *os.File
	w *bufio.Writer
}

func NewJSONLSink(path string) (*JSONLSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &JSONLSink{f: f, w: bufio.NewWriter(f)}, nil
}

func (s *JSONLSink) Append(ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("trace: encode event: %w", err)
	}
	if _, err := s.w.Write(b); err != nil {
		return err
	}
	return s.w.WriteByte('\n')
}

func (s *JSONLSink) Close() error {
	if err := s.w.Flush(); err != nil {
		_ = s.f.Close()
		return err
	}
	return s.f.Close()
}

// FinalDoc is the terminal run summary written to final.json in the logs
// root. Terminal state is authoritative over the live event feed.
type FinalDoc struct {
	RunID     string `json:"run_id"`
	Strategy  string `json:"strategy"`
	Seed      int64  `json:"seed"`
	Tasks     int    `json:"tasks"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Escalated int    `json:"escalated"`
}

// WriteFinal writes doc to <logsRoot>/final.json.
func WriteFinal(logsRoot string, doc FinalDoc) error {
	if err := os.MkdirAll(logsRoot, 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(logsRoot, "final.json"), append(b, '\n'), 0o644)
}
