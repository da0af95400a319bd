// Package manifest rewrites single fields of GitOps documents held on the
// Git host, guarded by the blob sha read just before the write.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrFieldNotFound is returned when a substitution matched nothing.
var ErrFieldNotFound = errors.New("field not found")

// ReplaceField sets the value of every "LABEL: ..." line in doc, keeping
// each line's indentation and leaving every other byte untouched.
func ReplaceField(doc, label, value string) (string, error) {
	re := regexp.MustCompile(`(?m)^([ \t]*)` + regexp.QuoteMeta(label) + `:[^\r\n]*`)
	if !re.MatchString(doc) {
		return doc, fmt.Errorf("%s: %w", label, ErrFieldNotFound)
	}
	return re.ReplaceAllStringFunc(doc, func(line string) string {
		indent := re.FindStringSubmatch(line)[1]
		return indent + label + ": " + value
	}), nil
}

var imageLine = regexp.MustCompile(`^\s*image\s*:`)

// ReplaceContainerImage sets the first image line that follows the list
// item "- name: <container>". At most one line changes per document.
func ReplaceContainerImage(doc, container, image string) (string, error) {
	marker := regexp.MustCompile(`^\s*-\s*name:\s*` + regexp.QuoteMeta(container) + `\s*$`)

	lines := strings.Split(doc, "\n")
	inContainer := false
	for i, line := range lines {
		if marker.MatchString(line) {
			inContainer = true
		}
		if inContainer && imageLine.MatchString(line) {
			indent := line[:strings.Index(line, "image")]
			eol := ""
			if strings.HasSuffix(line, "\r") {
				eol = "\r"
			}
			lines[i] = indent + "image: " + image + eol
			return strings.Join(lines, "\n"), nil
		}
	}
	return doc, fmt.Errorf("image of container %s: %w", container, ErrFieldNotFound)
}

// Validate checks that every document in doc still parses as YAML.
func Validate(doc string) error {
	dec := yaml.NewDecoder(bytes.NewBufferString(doc))
	for {
		var node yaml.Node
		err := dec.Decode(&node)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("invalid yaml: %w", err)
		}
	}
}
