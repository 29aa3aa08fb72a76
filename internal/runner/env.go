package runner

import (
	"os"
	"sort"
	"strings"
)

// Metadata variables injected into every run.
const (
	EnvCommandID   = "TICKRUN_COMMAND_ID"
	EnvCommandName = "TICKRUN_COMMAND_NAME"
	EnvTrigger     = "TICKRUN_TRIGGER"
	EnvRunID       = "TICKRUN_RUN_ID"
)

// BuildEnv constructs the environment for a run. It starts with the current
// process environment, overlays the definition's variables, then the
// metadata variables.
func BuildEnv(overrides map[string]string, meta map[string]string) []string {
	envMap := make(map[string]string)
	for _, e := range os.Environ() {
		if k, v, ok := strings.Cut(e, "="); ok && k != "" {
			envMap[k] = v
		}
	}
	for k, v := range overrides {
		envMap[k] = v
	}
	for k, v := range meta {
		envMap[k] = v
	}

	result := make([]string, 0, len(envMap))
	for k, v := range envMap {
		result = append(result, k+"="+v)
	}
	sort.Strings(result)
	return result
}
