package sandbox

import (
	"fmt"
	"sort"
	"strings"
)

// LanguageName constants
const (
	LanguagePython = "python"
	LanguageNodeJS = "nodejs"
	LanguageGo     = "go"
	LanguageCPP    = "cpp"
)

// Filename constants
const (
	FilenamePython = "main.py"
	FilenameNodeJS = "index.js"
	FilenameGo     = "main.go"
	FilenameCPP    = "main.cpp"
)

var languageAliases = map[string]string{
	"python":     LanguagePython,
	"python3":    LanguagePython,
	"py":         LanguagePython,
	"nodejs":     LanguageNodeJS,
	"node":       LanguageNodeJS,
	"javascript": LanguageNodeJS,
	"js":         LanguageNodeJS,
	"go":         LanguageGo,
	"golang":     LanguageGo,
	"cpp":        LanguageCPP,
	"c++":        LanguageCPP,
}

var defaultImages = map[string]string{
	LanguagePython: "python:3.11-slim",
	LanguageNodeJS: "node:20-alpine",
	LanguageGo:     "golang:1.23-alpine",
	LanguageCPP:    "gcc:13",
}

// NormalizeLanguage maps a user-supplied language name to its canonical form.
func NormalizeLanguage(language string) (string, error) {
	canonical, ok := languageAliases[strings.ToLower(strings.TrimSpace(language))]
	if !ok {
		return "", fmt.Errorf("unsupported language: %s", language)
	}
	return canonical, nil
}

// SupportedLanguages returns the canonical language names.
func SupportedLanguages() []string {
	names := make([]string, 0, len(defaultImages))
	for name := range defaultImages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetCodeFileName returns the appropriate filename based on the language
func GetCodeFileName(language string) (string, error) {
	switch language {
	case LanguagePython:
		return FilenamePython, nil
	case LanguageNodeJS:
		return FilenameNodeJS, nil
	case LanguageGo:
		return FilenameGo, nil
	case LanguageCPP:
		return FilenameCPP, nil
	default:
		return "", fmt.Errorf("unsupported language: %s", language)
	}
}

// GetRunCommand returns the shell command running the code stored in srcDir.
// Build outputs go to outDir, which must be writable.
func GetRunCommand(language, srcDir, outDir string) (string, error) {
	switch language {
	case LanguagePython:
		return fmt.Sprintf("python3 %s/%s", srcDir, FilenamePython), nil
	case LanguageNodeJS:
		return fmt.Sprintf("node %s/%s", srcDir, FilenameNodeJS), nil
	case LanguageGo:
		return fmt.Sprintf("GOCACHE=%[2]s/.gocache go build -o %[2]s/app %[1]s/%[3]s && %[2]s/app",
			srcDir, outDir, FilenameGo), nil
	case LanguageCPP:
		return fmt.Sprintf("g++ -std=c++17 -O2 -o %[2]s/app %[1]s/%[3]s && %[2]s/app",
			srcDir, outDir, FilenameCPP), nil
	default:
		return "", fmt.Errorf("unsupported language: %s", language)
	}
}

// LanguageSettings holds the image and environment for one language
type LanguageSettings struct {
	Image       string
	Environment map[string]string
}

// LanguageTable resolves per-language images and environments
type LanguageTable map[string]LanguageSettings

// Image returns the container image for language, falling back to built-in defaults.
func (t LanguageTable) Image(language string) string {
	if settings, ok := t[language]; ok && settings.Image != "" {
		return settings.Image
	}
	if image, ok := defaultImages[language]; ok {
		return image
	}
	return "alpine:latest" // fallback
}

// Environment returns the configured environment variables for language.
func (t LanguageTable) Environment(language string) map[string]string {
	if settings, ok := t[language]; ok && settings.Environment != nil {
		return settings.Environment
	}
	return map[string]string{}
}
