package domain

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// EncodeYAML renders the document in its persisted YAML form.
func EncodeYAML(doc Document) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode inventory yaml: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode inventory yaml: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeYAML parses a persisted YAML document. Empty input yields an empty
// document.
func DecodeYAML(data []byte) (Document, error) {
	var doc Document
	if len(bytes.TrimSpace(data)) == 0 {
		return doc, nil
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("decode inventory yaml: %w", err)
	}
	return doc, nil
}
