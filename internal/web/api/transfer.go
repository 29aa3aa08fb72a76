package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/patrickspencer/tickrun/internal/command"
	"github.com/patrickspencer/tickrun/internal/schedule"
	"gopkg.in/yaml.v3"
)

const maxImportBytes = 8 * 1024 * 1024 // 8 MiB

type importResult struct {
	Status  string   `json:"status"`
	Replace bool     `json:"replace"`
	DryRun  bool     `json:"dry_run"`
	Parsed  int      `json:"parsed"`
	Created []string `json:"created"`
	Updated []string `json:"updated"`
	Deleted []string `json:"deleted,omitempty"`
	Error   string   `json:"error,omitempty"`
}

func (a *API) handleExportCommands(w http.ResponseWriter, _ *http.Request) {
	defs := a.Engine.Definitions()
	sort.Slice(defs, func(i, j int) bool {
		return defs[i].Name < defs[j].Name
	})

	var out bytes.Buffer
	now := time.Now().UTC()
	fmt.Fprintf(&out, "# tickrun commands export\n# generated_at: %s\n# count: %d\n", now.Format(time.RFC3339), len(defs))
	for _, def := range defs {
		out.WriteString("---\n")
		data, err := yaml.Marshal(def)
		if err != nil {
			a.writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to marshal command %q", def.Name))
			return
		}
		out.Write(data)
	}

	w.Header().Set("Content-Type", "application/x-yaml; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"tickrun-commands-%s.yaml\"", now.Format("20060102T150405Z")))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out.Bytes())
}

func (a *API) handleImportCommands(w http.ResponseWriter, r *http.Request) {
	replace, err := parseBoolQuery(r, "replace")
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	dryRun, err := parseBoolQuery(r, "dry_run")
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxImportBytes+1))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "failed to read import payload")
		return
	}
	if int64(len(body)) > maxImportBytes {
		a.writeError(w, http.StatusRequestEntityTooLarge, "import payload too large")
		return
	}
	if strings.TrimSpace(string(body)) == "" {
		a.writeError(w, http.StatusBadRequest, "import payload is empty")
		return
	}

	imported, err := parseImportedCommands(body)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	current := a.Engine.Definitions()
	nameOf := make(map[string]string, len(current))
	idByName := make(map[string]string, len(current))
	for _, def := range current {
		nameOf[def.ID] = def.Name
		idByName[def.Name] = def.ID
	}

	// A document updates the command with its ID, or failing that the
	// command with its name. Everything else is created.
	targets := make([]string, len(imported))
	claimed := make(map[string]struct{}, len(imported))
	for i, def := range imported {
		if _, ok := nameOf[def.ID]; ok {
			targets[i] = def.ID
			claimed[def.ID] = struct{}{}
		}
	}
	var toCreate, toUpdate []command.Definition
	var updateIDs []string
	for i, def := range imported {
		if targets[i] == "" {
			if id, ok := idByName[def.Name]; ok {
				if _, taken := claimed[id]; !taken {
					targets[i] = id
					claimed[id] = struct{}{}
				}
			}
		}
		if targets[i] != "" {
			toUpdate = append(toUpdate, def)
			updateIDs = append(updateIDs, targets[i])
		} else {
			toCreate = append(toCreate, def)
		}
	}

	var toDelete []string
	if replace {
		for _, def := range current {
			if _, keep := claimed[def.ID]; !keep {
				toDelete = append(toDelete, def.ID)
			}
		}
		sort.Slice(toDelete, func(i, j int) bool { return nameOf[toDelete[i]] < nameOf[toDelete[j]] })
	}

	result := importResult{
		Status:  "imported",
		Replace: replace,
		DryRun:  dryRun,
		Parsed:  len(imported),
		Created: make([]string, 0, len(toCreate)),
		Updated: make([]string, 0, len(toUpdate)),
		Deleted: make([]string, 0, len(toDelete)),
	}

	if dryRun {
		result.Status = "dry_run"
		for _, def := range toCreate {
			result.Created = append(result.Created, def.Name)
		}
		for _, def := range toUpdate {
			result.Updated = append(result.Updated, def.Name)
		}
		for _, id := range toDelete {
			result.Deleted = append(result.Deleted, nameOf[id])
		}
		a.writeJSON(w, http.StatusOK, result)
		return
	}

	fail := func(err error) {
		result.Status = "partial_failure"
		result.Error = err.Error()
		a.writeJSON(w, statusFromError(err), result)
	}

	// Deletions go first so a replace import can reuse freed names, and
	// updates before creates so renamed commands free theirs.
	for _, id := range toDelete {
		if err := a.Engine.Delete(id); err != nil {
			fail(err)
			return
		}
		result.Deleted = append(result.Deleted, nameOf[id])
	}
	for i, def := range toUpdate {
		if _, err := a.Engine.Update(updateIDs[i], def); err != nil {
			fail(err)
			return
		}
		result.Updated = append(result.Updated, def.Name)
	}
	for _, def := range toCreate {
		if _, err := a.Engine.Create(def); err != nil {
			fail(err)
			return
		}
		result.Created = append(result.Created, def.Name)
	}

	a.writeJSON(w, http.StatusOK, result)
}

func parseBoolQuery(r *http.Request, key string) (bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return false, nil
	}
	switch strings.ToLower(raw) {
	case "1", "true", "yes", "y", "on":
		return true, nil
	case "0", "false", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean query value for %q", key)
	}
}

// parseImportedCommands decodes a multi-document YAML payload with one
// command per document. Comment-only documents are skipped.
func parseImportedCommands(data []byte) ([]command.Definition, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	imported := make([]command.Definition, 0)
	seen := make(map[string]struct{})
	seenIDs := make(map[string]struct{})
	docNum := 0

	for {
		var def command.Definition
		err := decoder.Decode(&def)
		if errors.Is(err, io.EOF) {
			break
		}
		docNum++
		if err != nil {
			return nil, fmt.Errorf("invalid YAML in document %d: %w", docNum, err)
		}
		if reflect.ValueOf(def).IsZero() {
			continue
		}

		def.Normalize()
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("invalid document %d: %w", docNum, err)
		}
		if _, err := schedule.Parse(def.Schedule); err != nil {
			return nil, fmt.Errorf("invalid document %d: %w", docNum, err)
		}

		if _, exists := seen[def.Name]; exists {
			return nil, fmt.Errorf("duplicate command name in import payload: %s", def.Name)
		}
		seen[def.Name] = struct{}{}
		if _, exists := seenIDs[def.ID]; exists {
			return nil, fmt.Errorf("duplicate command id in import payload: %s", def.ID)
		}
		seenIDs[def.ID] = struct{}{}
		imported = append(imported, def)
	}

	if len(imported) == 0 {
		return nil, errors.New("no commands found in import payload")
	}
	return imported, nil
}
