// Command cisip-catgen generates feature name constants from the catalog
// YAML.
//
// Usage:
//
//	cisip-catgen -catalog pkg/catalog/features.yaml -output pkg/catalog/names_gen.go
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/tools/imports"

	"github.com/cisip-protocol/cisip-go/pkg/catalog"
)

func main() {
	catalogPath := flag.String("catalog", "", "Path to the catalog YAML")
	outputPath := flag.String("output", "", "Output Go file")
	pkg := flag.String("package", "catalog", "Package name of the generated file")
	flag.Parse()

	if *catalogPath == "" || *outputPath == "" {
		fmt.Fprintln(os.Stderr, "Usage: cisip-catgen -catalog <features.yaml> -output <names_gen.go> [-package <name>]")
		flag.PrintDefaults()
		os.Exit(1)
	}

	if err := run(*catalogPath, *outputPath, *pkg); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(catalogPath, outputPath, pkg string) error {
	data, err := os.ReadFile(catalogPath)
	if err != nil {
		return fmt.Errorf("reading catalog: %w", err)
	}
	cat, err := catalog.Parse(data)
	if err != nil {
		return err
	}

	code, err := Generate(cat, pkg, filepath.Base(catalogPath))
	if err != nil {
		return err
	}
	if err := writeFormatted(outputPath, code); err != nil {
		return err
	}
	fmt.Printf("  generated %s (%d features)\n", outputPath, len(cat.All()))
	return nil
}

// writeFormatted runs goimports over code and writes it to path.
func writeFormatted(path string, code string) error {
	formatted, err := imports.Process(path, []byte(code), nil)
	if err != nil {
		// Keep the raw output around for debugging the template.
		_ = os.WriteFile(path+".broken", []byte(code), 0o644)
		return fmt.Errorf("goimports %s: %w", filepath.Base(path), err)
	}
	return os.WriteFile(path, formatted, 0o644)
}
