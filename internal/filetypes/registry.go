// Package filetypes maps language names to file extensions.
//
// The search path filters results by language with a fixed table; the table
// is the single source of truth so the filter behaves identically across the
// HTTP, MCP, and CLI surfaces.
package filetypes

import (
	"path/filepath"
	"strings"
)

// languageExtensions maps lowercase language names to the extensions they
// cover, without the leading dot.
var languageExtensions = map[string][]string{
	"typescript": {"ts", "tsx"},
	"javascript": {"js", "jsx", "mjs", "cjs"},
	"python":     {"py", "pyw"},
	"golang":     {"go"},
	"go":         {"go"},
	"java":       {"java"},
	"kotlin":     {"kt", "kts"},
	"scala":      {"scala"},
	"c":          {"c", "h"},
	"cpp":        {"cpp", "cc", "cxx", "hpp", "hxx"},
	"c++":        {"cpp", "cc", "cxx", "hpp", "hxx"},
	"csharp":     {"cs"},
	"ruby":       {"rb"},
	"php":        {"php"},
	"swift":      {"swift"},
	"rust":       {"rs"},
	"shell":      {"sh", "bash", "zsh"},
	"bash":       {"sh", "bash"},
	"sql":        {"sql"},
	"html":       {"html", "htm"},
	"css":        {"css", "scss", "less"},
	"yaml":       {"yaml", "yml"},
	"json":       {"json"},
	"markdown":   {"md", "markdown"},
	"proto":      {"proto"},
	"terraform":  {"tf", "tfvars"},
}

// ExtensionsFor returns the extensions covered by a language name, or nil
// when the language is unknown.
func ExtensionsFor(language string) []string {
	return languageExtensions[strings.ToLower(strings.TrimSpace(language))]
}

// Extension returns path's extension without the leading dot, lowercased.
func Extension(path string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
}

// MatchesLanguage reports whether path satisfies a language filter. The
// filter matches either as a literal extension ("ts" matches .ts) or as a
// language name from the fixed table; unknown filters match nothing.
func MatchesLanguage(path, language string) bool {
	ext := Extension(path)
	if ext == "" {
		return false
	}
	want := strings.ToLower(strings.TrimSpace(language))
	if ext == want {
		return true
	}
	for _, e := range ExtensionsFor(want) {
		if ext == e {
			return true
		}
	}
	return false
}
