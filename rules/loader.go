package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// filenameID matches "rule-5.json" and "rule-05.json" style names so a
// file's id can back a rule that carries none.
var filenameID = regexp.MustCompile(`-(\d+)\.json$`)

// Load reads every rule file in dir and returns the normalized, validated
// rules sorted by id. Files whose names contain "template" or "unavailable"
// are skipped. A file may hold a single rule object or a JSON array of
// them. Individual bad rules are reported as warnings, not errors; the load
// fails only when the directory itself is unreadable.
func Load(dir string) ([]Rule, []string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read rules directory %s: %w", dir, err)
	}

	var (
		loaded   []Rule
		warnings []string
		seen     = make(map[int]string)
	)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		lower := strings.ToLower(name)
		if strings.Contains(lower, "template") || strings.Contains(lower, "unavailable") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v", name, err))
			continue
		}

		fallbackID := 0
		if m := filenameID.FindStringSubmatch(name); m != nil {
			fallbackID, _ = strconv.Atoi(m[1])
		}

		for _, doc := range splitDocuments(data) {
			rule, err := Normalize(doc, fallbackID)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("%s: %v", name, err))
				continue
			}
			if prev, dup := seen[rule.ID]; dup {
				warnings = append(warnings, fmt.Sprintf("%s: duplicate rule id %d (already loaded from %s)", name, rule.ID, prev))
				continue
			}
			seen[rule.ID] = name
			loaded = append(loaded, *rule)
		}
	}

	sort.Slice(loaded, func(i, j int) bool { return loaded[i].ID < loaded[j].ID })
	return loaded, warnings, nil
}

// splitDocuments returns the individual rule objects in a file: either the
// elements of a top-level array or the single top-level object.
func splitDocuments(data []byte) [][]byte {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return [][]byte{trimmed}
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(trimmed, &elems); err != nil {
		return [][]byte{trimmed}
	}
	docs := make([][]byte, len(elems))
	for i, e := range elems {
		docs[i] = e
	}
	return docs
}
