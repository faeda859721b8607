package executor

import (
	"fmt"
	"strings"
)

// Language maps a language tag to the Judge0 id and, when available, to a
// container image usable by the docker gateway.
type Language struct {
	Name     string
	Judge0ID int
	Image    string
	FileName string
	Command  []string
}

var languages = map[string]Language{
	"python":     {Name: "python", Judge0ID: 71, Image: "python:3.11-alpine", FileName: "main.py", Command: []string{"python", "main.py"}},
	"python3":    {Name: "python3", Judge0ID: 71, Image: "python:3.11-alpine", FileName: "main.py", Command: []string{"python", "main.py"}},
	"javascript": {Name: "javascript", Judge0ID: 63, Image: "node:20-alpine", FileName: "main.js", Command: []string{"node", "main.js"}},
	"java":       {Name: "java", Judge0ID: 62},
	"c":          {Name: "c", Judge0ID: 50},
	"cpp":        {Name: "cpp", Judge0ID: 54},
	"csharp":     {Name: "csharp", Judge0ID: 51},
	"go":         {Name: "go", Judge0ID: 60, Image: "golang:1.22-alpine", FileName: "main.go", Command: []string{"go", "run", "main.go"}},
	"ruby":       {Name: "ruby", Judge0ID: 72, Image: "ruby:3.3-alpine", FileName: "main.rb", Command: []string{"ruby", "main.rb"}},
	"rust":       {Name: "rust", Judge0ID: 73},
	"typescript": {Name: "typescript", Judge0ID: 74},
	"php":        {Name: "php", Judge0ID: 68, Image: "php:8.3-cli-alpine", FileName: "main.php", Command: []string{"php", "main.php"}},
	"swift":      {Name: "swift", Judge0ID: 83},
	"kotlin":     {Name: "kotlin", Judge0ID: 78},
}

// NormalizeLanguage lowercases the tag and strips all whitespace.
func NormalizeLanguage(language string) string {
	return strings.Join(strings.Fields(strings.ToLower(language)), "")
}

// LookupLanguage resolves a language tag case-insensitively.
func LookupLanguage(language string) (Language, error) {
	key := NormalizeLanguage(language)
	lang, ok := languages[key]
	if !ok {
		return Language{}, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, key)
	}
	return lang, nil
}

// SupportedLanguages lists the accepted language tags.
func SupportedLanguages() []string {
	names := make([]string, 0, len(languages))
	for name := range languages {
		names = append(names, name)
	}
	return names
}
