package api

import (
	"strings"
	"testing"

	"github.com/patrickspencer/tickrun/internal/command"
)

func TestParseImportedCommands(t *testing.T) {
	t.Parallel()

	payload := `
# export header
---
name: alpha
action:
  kind: line
  text: "echo alpha"
schedule:
  cron: "*/5 * * * *"

---
# empty document should be ignored

---
name: beta
action:
  kind: script
  text: |
    echo beta
schedule:
  interval_seconds: 300
disabled: true
restart_on_failure: yes
`

	defs, err := parseImportedCommands([]byte(payload))
	if err != nil {
		t.Fatalf("parseImportedCommands: %v", err)
	}
	if got, want := len(defs), 2; got != want {
		t.Fatalf("expected %d commands, got %d", want, got)
	}
	if defs[0].Name != "alpha" || defs[1].Name != "beta" {
		t.Fatalf("unexpected command names: %q, %q", defs[0].Name, defs[1].Name)
	}
	if defs[0].ID == "" || defs[0].MaxLogCount != command.DefaultMaxLogCount {
		t.Fatalf("expected normalized definition, got %+v", defs[0])
	}
	if !defs[1].Disabled || defs[1].RestartOnFailure != command.Yes {
		t.Fatalf("unexpected options for beta: %+v", defs[1])
	}
}

func TestParseImportedCommandsDuplicateName(t *testing.T) {
	t.Parallel()

	payload := `
name: alpha
action: {kind: line, text: "echo one"}
---
name: alpha
action: {kind: line, text: "echo two"}
`

	_, err := parseImportedCommands([]byte(payload))
	if err == nil {
		t.Fatal("expected duplicate-name error, got nil")
	}
	if !strings.Contains(err.Error(), "duplicate command name") {
		t.Fatalf("expected duplicate-name error, got: %v", err)
	}
}

func TestParseImportedCommandsRejectsInvalid(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"bad schedule":  "name: a\naction: {kind: line, text: x}\nschedule: {interval_seconds: 1}\n",
		"missing name":  "action: {kind: line, text: x}\n",
		"unknown field": "name: a\naction: {kind: line, text: x}\ntimeout: 5s\n",
		"only comments": "# nothing here\n",
	}
	for name, payload := range cases {
		name, payload := name, payload
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if _, err := parseImportedCommands([]byte(payload)); err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}
}
