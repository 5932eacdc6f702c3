package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/c360/padrelay/auth"
	"github.com/c360/padrelay/errors"
)

// PersistHashedPassword replaces a plaintext server.password in the file at
// path with its hash and returns the hash string. It returns "" and does not
// touch the file when the password is absent or already hashed.
//
// YAML files are edited through the node tree so comments and key order
// survive. JSON files are re-encoded.
func PersistHashedPassword(path string, iterations uint) (string, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return "", errors.WrapInvalid(err, "config", "PersistHashedPassword", "read file")
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return "", errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err), "config", "PersistHashedPassword", "parse file")
	}
	node := findScalar(&doc, "server", "password")
	if node == nil || node.Value == "" || strings.HasPrefix(node.Value, auth.HashPrefix) {
		return "", nil
	}

	rec, err := auth.Hash(node.Value, iterations)
	if err != nil {
		return "", err
	}
	hash := rec.String()

	var out []byte
	if strings.EqualFold(filepath.Ext(path), ".json") {
		out, err = rewriteJSON(data, hash)
	} else {
		node.Value = hash
		node.Tag = "!!str"
		out, err = encodeNode(&doc)
	}
	if err != nil {
		return "", errors.WrapFatal(err, "config", "PersistHashedPassword", "encode file")
	}

	if err := safeWriteFile(path, out); err != nil {
		return "", errors.WrapTransient(err, "config", "PersistHashedPassword", "write file")
	}
	return hash, nil
}

// findScalar walks mapping keys from the document root.
func findScalar(doc *yaml.Node, keys ...string) *yaml.Node {
	n := doc
	if n.Kind == yaml.DocumentNode {
		if len(n.Content) == 0 {
			return nil
		}
		n = n.Content[0]
	}
	for _, key := range keys {
		if n.Kind != yaml.MappingNode {
			return nil
		}
		var next *yaml.Node
		for i := 0; i+1 < len(n.Content); i += 2 {
			if n.Content[i].Value == key {
				next = n.Content[i+1]
				break
			}
		}
		if next == nil {
			return nil
		}
		n = next
	}
	if n.Kind != yaml.ScalarNode {
		return nil
	}
	return n
}

func encodeNode(doc *yaml.Node) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func rewriteJSON(data []byte, hash string) ([]byte, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	server, ok := raw["server"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("server section is not an object")
	}
	server["password"] = hash
	out, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}
