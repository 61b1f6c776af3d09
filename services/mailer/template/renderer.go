// Package template implements placeholder substitution for mail-merge
// templates. A placeholder is a {{name}} token; rendering replaces each
// occurrence with the recipient's value for that name. Substitution is
// literal in both HTML and plain-text templates: values are not escaped,
// which is the caller's responsibility for HTML bodies.
package template

import (
	"regexp"
	"strings"

	"mercury-mailer/services/mailer/models"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// Placeholders returns the unique placeholder names used in text, in order
// of first appearance. Names are lowercased to match registry identifiers.
func Placeholders(text string) []string {
	var names []string
	seen := make(map[string]bool)
	for _, match := range placeholderPattern.FindAllStringSubmatch(text, -1) {
		name := strings.ToLower(match[1])
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

// Render substitutes placeholder values into text. Every {{name}} occurrence
// is replaced by values[name]; a name with no value renders as an empty
// string and is reported in the unresolved list (once, in order of first
// appearance). Rendering never fails and is deterministic: the same text and
// values always produce the same output.
func Render(text string, values map[string]string) (string, []string) {
	var unresolved []string
	seen := make(map[string]bool)

	rendered := placeholderPattern.ReplaceAllStringFunc(text, func(token string) string {
		name := strings.ToLower(placeholderPattern.FindStringSubmatch(token)[1])
		value, ok := values[name]
		if !ok {
			if !seen[name] {
				seen[name] = true
				unresolved = append(unresolved, name)
			}
			return ""
		}
		return value
	})

	return rendered, unresolved
}

// RenderTemplate renders a template's subject and body against one
// recipient's values, returning the combined unresolved placeholder names.
func RenderTemplate(tmpl *models.Template, values map[string]string) (subject, body string, unresolved []string) {
	subject, unresolvedSubject := Render(tmpl.Subject, values)
	body, unresolvedBody := Render(tmpl.Body, values)

	seen := make(map[string]bool)
	for _, name := range append(unresolvedSubject, unresolvedBody...) {
		if !seen[name] {
			seen[name] = true
			unresolved = append(unresolved, name)
		}
	}
	return subject, body, unresolved
}

// TemplatePlaceholders returns the unique placeholder names used in a
// template's subject and body.
func TemplatePlaceholders(tmpl *models.Template) []string {
	var names []string
	seen := make(map[string]bool)
	for _, name := range append(Placeholders(tmpl.Subject), Placeholders(tmpl.Body)...) {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}
