package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/relward/relward"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	switch cmd {
	case "validate":
		handleValidate()
	case "convert":
		handleConvert()
	case "stats":
		handleStats()
	case "fingerprint":
		handleFingerprint()
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("relward-schema - Schema tool for relward")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  relward-schema validate <file>          - Validate a schema and compile its rules")
	fmt.Println("  relward-schema convert <input> <output> - Convert between formats")
	fmt.Println("  relward-schema stats <file>             - Show schema statistics")
	fmt.Println("  relward-schema fingerprint <file>       - Print the schema fingerprint")
	fmt.Println()
	fmt.Println("Supported formats: .relward, .dsl, .yaml, .yml, .json")
}

func handleValidate() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: relward-schema validate <file>")
		os.Exit(1)
	}

	filename := os.Args[2]
	cfg, err := loadSchema(filename)
	if err != nil {
		fmt.Printf("Error loading schema: %v\n", err)
		os.Exit(1)
	}

	reg, err := cfg.Build()
	if err != nil {
		fmt.Printf("Invalid schema: %v\n", err)
		os.Exit(1)
	}

	rules := 0
	for _, def := range reg.Entities() {
		rules += len(def.Rules)
	}
	fmt.Printf("Schema is valid\n")
	if reg.Principal() != "" {
		fmt.Printf("  Principal: %s\n", reg.Principal())
	}
	fmt.Printf("  Entities: %d\n", len(reg.Entities()))
	fmt.Printf("  Rules:    %d\n", rules)
	fmt.Printf("  Fingerprint: %s\n", reg.Fingerprint())
}

func handleConvert() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: relward-schema convert <input> <output>")
		os.Exit(1)
	}

	inputFile := os.Args[2]
	outputFile := os.Args[3]

	cfg, err := loadSchema(inputFile)
	if err != nil {
		fmt.Printf("Error loading schema: %v\n", err)
		os.Exit(1)
	}

	if _, err := cfg.Build(); err != nil {
		fmt.Printf("Invalid schema: %v\n", err)
		os.Exit(1)
	}

	if err := saveSchema(cfg, outputFile); err != nil {
		fmt.Printf("Error saving schema: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Converted %s -> %s\n", inputFile, outputFile)
}

func handleStats() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: relward-schema stats <file>")
		os.Exit(1)
	}

	filename := os.Args[2]
	cfg, err := loadSchema(filename)
	if err != nil {
		fmt.Printf("Error loading schema: %v\n", err)
		os.Exit(1)
	}

	reg, err := cfg.Build()
	if err != nil {
		fmt.Printf("Invalid schema: %v\n", err)
		os.Exit(1)
	}

	stat, _ := os.Stat(filename)

	fmt.Println("Schema Statistics")
	fmt.Println("=================")
	if stat != nil {
		fmt.Printf("File size: %d bytes\n", stat.Size())
	}
	if reg.Principal() != "" {
		fmt.Printf("Principal: %s\n", reg.Principal())
	}
	fmt.Printf("Fingerprint: %s\n", reg.Fingerprint())
	fmt.Println()

	fields, relations, rules := 0, 0, 0
	perOp := map[relward.Operation]int{}
	for _, def := range reg.Entities() {
		fields += len(def.Fields)
		relations += len(def.Relations)
		rules += len(def.Rules)
		for _, rule := range def.Rules {
			for _, op := range rule.Operations {
				perOp[op]++
			}
		}
	}

	fmt.Println("Components:")
	fmt.Printf("  Entities:  %d\n", len(reg.Entities()))
	fmt.Printf("  Fields:    %d\n", fields)
	fmt.Printf("  Relations: %d\n", relations)
	fmt.Printf("  Rules:     %d\n", rules)
	fmt.Println()

	if rules > 0 {
		fmt.Println("Rules by operation:")
		for _, op := range []relward.Operation{relward.OpCreate, relward.OpRead, relward.OpUpdate, relward.OpDelete} {
			if n := perOp[op]; n > 0 {
				fmt.Printf("  %-7s %d\n", op, n)
			}
		}
		fmt.Println()
	}

	fmt.Println("Entities:")
	for _, def := range reg.Entities() {
		fmt.Printf("  %-16s %d fields, %d relations, %d rules\n",
			def.Name, len(def.Fields), len(def.Relations), len(def.Rules))
	}
}

func handleFingerprint() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: relward-schema fingerprint <file>")
		os.Exit(1)
	}

	cfg, err := loadSchema(os.Args[2])
	if err != nil {
		fmt.Printf("Error loading schema: %v\n", err)
		os.Exit(1)
	}
	reg, err := cfg.Build()
	if err != nil {
		fmt.Printf("Invalid schema: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(reg.Fingerprint())
}

func loadSchema(filename string) (*relward.Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	loader := relward.NewSchemaLoader()
	ext := strings.ToLower(filepath.Ext(filename))

	switch ext {
	case ".relward", ".dsl":
		return loader.LoadDSL(data)
	case ".yaml", ".yml":
		return loader.LoadYAML(data)
	case ".json":
		return loader.LoadJSON(data)
	default:
		return nil, fmt.Errorf("unsupported file format: %s", ext)
	}
}

func saveSchema(cfg *relward.Config, filename string) error {
	ext := strings.ToLower(filepath.Ext(filename))

	var data []byte
	var err error

	switch ext {
	case ".relward", ".dsl":
		data = []byte(cfg.ToDSL())
	case ".yaml", ".yml":
		data, err = cfg.ToYAML()
	case ".json":
		data, err = cfg.ToJSON()
	default:
		return fmt.Errorf("unsupported file format: %s", ext)
	}

	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
