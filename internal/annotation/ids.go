package annotation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SessionID formats now as a session prefix for new shape ids.
func SessionID(now time.Time) string {
	return now.Format("2006-01-02_1504")
}

// FormatID builds the id of the n-th shape created in a session.
func FormatID(sessionID string, n int) string {
	return fmt.Sprintf("%s_%04d", sessionID, n)
}

// AssignIDs gives every shape under dir that lacks an id the next id of the
// session, numbering from start in file-name order. Files without new ids
// are left untouched; the others are rewritten atomically with every other
// field preserved. It returns the next free counter and the number of ids
// assigned.
func AssignIDs(dir, sessionID string, start int) (next, assigned int, err error) {
	files, err := ListFiles(dir)
	if err != nil {
		return start, 0, err
	}

	next = start
	for _, path := range files {
		n, err := assignFile(path, sessionID, next)
		if err != nil {
			return next, assigned, err
		}
		next += n
		assigned += n
	}
	return next, assigned, nil
}

func assignFile(path, sessionID string, counter int) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}

	var doc map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return 0, fmt.Errorf("decode %s: %w: %v", path, ErrDecode, err)
	}

	shapes, _ := doc["shapes"].([]any)
	assigned := 0
	for _, s := range shapes {
		obj, ok := s.(map[string]any)
		if !ok {
			continue
		}
		if id, ok := obj["id"].(string); ok && id != "" {
			continue
		}
		obj["id"] = FormatID(sessionID, counter+assigned)
		assigned++
	}
	if assigned == 0 {
		return 0, nil
	}

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", path, err)
	}
	if err := writeFileAtomic(path, append(out, '\n')); err != nil {
		return 0, err
	}
	return assigned, nil
}

// writeFileAtomic replaces path through a temp file in the same directory so
// an editor never observes a half-written record.
func writeFileAtomic(path string, data []byte) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, info.Mode().Perm()); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
