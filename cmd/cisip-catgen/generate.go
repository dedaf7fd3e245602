package main

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"unicode"

	"github.com/cisip-protocol/cisip-go/pkg/catalog"
)

var namesTemplate = template.Must(template.New("names").Parse(`// Code generated by cisip-catgen from {{.Source}}. DO NOT EDIT.

package {{.Package}}

// Feature names.
const (
{{- range .Features}}
	{{.Ident}} = "{{.Name}}" // {{.Description}}
{{- end}}
)

// Names lists every feature name in the catalog, sorted.
var Names = []string{
{{- range .Features}}
	{{.Ident}},
{{- end}}
}
`))

type nameEntry struct {
	Ident       string
	Name        string
	Description string
}

// Generate renders the name constants for cat.
func Generate(cat *catalog.Catalog, pkg, source string) (string, error) {
	data := struct {
		Package  string
		Source   string
		Features []nameEntry
	}{Package: pkg, Source: source}

	seen := make(map[string]string)
	for _, f := range cat.All() {
		ident := Ident(f.Name)
		if prev, dup := seen[ident]; dup {
			return "", fmt.Errorf("features %s and %s both map to %s", prev, f.Name, ident)
		}
		seen[ident] = f.Name
		data.Features = append(data.Features, nameEntry{
			Ident:       ident,
			Name:        f.Name,
			Description: strings.ReplaceAll(f.Description, "\n", " "),
		})
	}

	var buf bytes.Buffer
	if err := namesTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("executing template: %w", err)
	}
	return buf.String(), nil
}

// Ident converts a feature name to a Go identifier: "main.volumestep"
// becomes "MainVolumestep" and "GUI.display" becomes "GUIDisplay".
func Ident(name string) string {
	var b strings.Builder
	for part := range strings.FieldsFuncSeq(name, func(r rune) bool {
		return r == '.' || r == '_' || r == '-'
	}) {
		runes := []rune(part)
		runes[0] = unicode.ToUpper(runes[0])
		b.WriteString(string(runes))
	}
	return b.String()
}
