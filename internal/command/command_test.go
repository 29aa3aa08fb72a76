package command

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestTriStateResolve(t *testing.T) {
	t.Parallel()

	assert.True(t, Inherit.Resolve(true))
	assert.False(t, Inherit.Resolve(false))
	assert.True(t, Yes.Resolve(false))
	assert.False(t, No.Resolve(true))
}

func TestTriStateYAML(t *testing.T) {
	t.Parallel()

	var doc struct {
		A TriState `yaml:"a"`
		B TriState `yaml:"b"`
		C TriState `yaml:"c"`
		D TriState `yaml:"d"`
		E TriState `yaml:"e"`
	}
	body := "a: yes\nb: false\nc: default\nd: ~\ne: true\n"
	require.NoError(t, yaml.Unmarshal([]byte(body), &doc))
	assert.Equal(t, Yes, doc.A)
	assert.Equal(t, No, doc.B)
	assert.Equal(t, Inherit, doc.C)
	assert.Equal(t, Inherit, doc.D)
	assert.Equal(t, Yes, doc.E)

	err := yaml.Unmarshal([]byte("a: maybe\n"), &doc)
	assert.Error(t, err)
}

func TestTriStateJSON(t *testing.T) {
	t.Parallel()

	var doc struct {
		A TriState `json:"a"`
		B TriState `json:"b"`
		C TriState `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":true,"b":"no","c":null}`), &doc))
	assert.Equal(t, Yes, doc.A)
	assert.Equal(t, No, doc.B)
	assert.Equal(t, Inherit, doc.C)

	out, err := json.Marshal(doc)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"yes","b":"no","c":"default"}`, string(out))
}

func TestOptionsResolve(t *testing.T) {
	t.Parallel()

	opts := Options{RunInShell: Yes, NotifyOnError: No}
	got := opts.Resolve(DefaultFlags())

	assert.True(t, got.RunInShell)
	assert.False(t, got.NotifyOnError)
	assert.True(t, got.IncludeOutputInNotifications)
	assert.False(t, got.NotifyOnComplete)
	assert.False(t, got.RestartOnExit)
}

func TestDefinitionYAMLInlineOptions(t *testing.T) {
	t.Parallel()

	body := `
name: backup
action: {kind: line, text: "restic backup"}
schedule: {cron: "0 3 * * *"}
restart_on_failure: yes
run_in_shell: no
`
	var def Definition
	require.NoError(t, yaml.Unmarshal([]byte(body), &def))
	def.Normalize()

	assert.NotEmpty(t, def.ID)
	assert.Equal(t, Yes, def.RestartOnFailure)
	assert.Equal(t, No, def.RunInShell)
	assert.Equal(t, Inherit, def.NotifyOnError)
	assert.Equal(t, DefaultMaxLogCount, def.MaxLogCount)
	require.NoError(t, def.Validate())
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() Definition {
		d := Definition{Name: "ok", Action: RunLine("true")}
		d.Normalize()
		return d
	}

	tests := []struct {
		name   string
		mutate func(*Definition)
		field  string
	}{
		{"missing name", func(d *Definition) { d.Name = "" }, "name"},
		{"unknown kind", func(d *Definition) { d.Action.Kind = "binary" }, "action.kind"},
		{"blank script", func(d *Definition) { d.Action = RunScript("   \n", "") }, "action.text"},
		{"log count too large", func(d *Definition) { d.MaxLogCount = 100001 }, "max_log_count"},
		{"negative delay", func(d *Definition) { d.StartupDelaySeconds = -1 }, "startup_delay_seconds"},
		{"bad env key", func(d *Definition) { d.Environment = map[string]string{"A=B": "x"} }, "environment"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			d := valid()
			tt.mutate(&d)
			err := d.Validate()
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	d := valid()
	assert.NoError(t, d.Validate())
}

func TestWarnings(t *testing.T) {
	t.Parallel()

	d := Definition{
		Name:             "w",
		Action:           RunLine("definitely-not-a-real-binary-tickrun --flag"),
		WorkingDirectory: "/nonexistent/tickrun/dir",
	}
	warnings := d.Warnings(DefaultFlags())
	assert.Len(t, warnings, 2)

	// A shell resolves the executable itself.
	warnings = d.Warnings(Flags{RunInShell: true})
	assert.Len(t, warnings, 1)
}

func TestClone(t *testing.T) {
	t.Parallel()

	d := Definition{Environment: map[string]string{"A": "1"}}
	c := d.Clone()
	c.Environment["A"] = "2"
	assert.Equal(t, "1", d.Environment["A"])
}
