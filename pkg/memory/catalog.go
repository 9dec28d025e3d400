package memory

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
)

const maxCatalogLineSize = 1 * 1024 * 1024

// catalogEntry is one line of a per-collection record log. The catalog backs
// List, which the vector engine itself cannot serve.
type catalogEntry struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Scope     string `json:"scope"`
	CreatedAt string `json:"created_at"`
}

// appendCatalog appends an entry as a single JSONL line.
func appendCatalog(path string, entry catalogEntry) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(data)
	return err
}

// saveNames persists the sanitised → canonical collection name map.
func saveNames(path string, names map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(names, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// loadNames reads the persisted name map, if any.
func loadNames(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names map[string]string
	if err := json.Unmarshal(data, &names); err != nil {
		return nil, err
	}
	return names, nil
}

// loadCatalog reads all entries from a catalog file. Corrupt lines are
// skipped.
func loadCatalog(path string) ([]catalogEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // no records yet
		}
		return nil, err
	}
	defer f.Close()

	var entries []catalogEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxCatalogLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry catalogEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return entries, err
	}
	return entries, nil
}
