package detections

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// NamesMetadataKey is the custom metadata entry YOLO exports use for the
// class table, stored as "{0: 'cell', 1: 'rbc'}".
const NamesMetadataKey = "names"

// ParseNames reads a class table written either as a flow/block mapping of
// index to name or as a list of names.
func ParseNames(text string) (map[int]string, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(text), &doc); err != nil {
		return nil, fmt.Errorf("parse class names: %w", err)
	}
	if len(doc.Content) == 0 {
		return map[int]string{}, nil
	}
	return namesFromNode(doc.Content[0])
}

// LoadNamesFile reads a YAML file holding a class table, either at the top
// level or under a "names" key as in a dataset description.
func LoadNamesFile(path string) (map[int]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read names file: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse names file %s: %w", path, err)
	}
	if len(doc.Content) == 0 {
		return map[int]string{}, nil
	}

	root := doc.Content[0]
	if root.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(root.Content); i += 2 {
			if root.Content[i].Value == "names" {
				return namesFromNode(root.Content[i+1])
			}
		}
	}
	return namesFromNode(root)
}

func namesFromNode(node *yaml.Node) (map[int]string, error) {
	names := make(map[int]string)

	switch node.Kind {
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return nil, fmt.Errorf("decode class list: %w", err)
		}
		for i, name := range list {
			names[i] = name
		}
	case yaml.MappingNode:
		if err := node.Decode(&names); err != nil {
			return nil, fmt.Errorf("decode class map: %w", err)
		}
	default:
		return nil, fmt.Errorf("class names must be a list or a mapping, got %q", node.Value)
	}

	return names, nil
}
