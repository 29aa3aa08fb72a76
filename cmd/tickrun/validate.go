package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/patrickspencer/tickrun/internal/command"
	"github.com/patrickspencer/tickrun/internal/config"
	"github.com/patrickspencer/tickrun/internal/schedule"
)

// runValidate checks a definitions file and prints one line per command.
func runValidate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	file := fs.String("file", "", "definitions file (default: definitions_file from config)")
	fs.Parse(args)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		return 1
	}
	path := cfg.DefinitionsFile
	if *file != "" {
		path = *file
	}

	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defs, _, err := config.ParseDefinitions(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
		return 1
	}

	return reportDefinitions(defs, cfg.Defaults)
}

func reportDefinitions(defs []command.Definition, defaults command.Flags) int {
	failed := 0
	seen := make(map[string]bool, len(defs))
	for _, def := range defs {
		label := def.Name
		if label == "" {
			label = def.ID
		}
		if def.Name != "" && seen[def.Name] {
			failed++
			fmt.Printf("FAIL %s: duplicate name\n", label)
			continue
		}
		seen[def.Name] = true

		if err := def.Validate(); err != nil {
			failed++
			fmt.Printf("FAIL %s: %v\n", label, err)
			continue
		}
		spec, err := schedule.Parse(def.Schedule)
		if err != nil {
			failed++
			fmt.Printf("FAIL %s: %v\n", label, err)
			continue
		}
		fmt.Printf("ok   %s (%s)\n", label, spec.Kind)
		for _, w := range def.Warnings(def.Options.Resolve(defaults)) {
			fmt.Printf("     warning: %s\n", w)
		}
	}
	fmt.Printf("%d command(s), %d invalid\n", len(defs), failed)
	if failed > 0 {
		return 1
	}
	return 0
}
