// Package manifest reads the tree of exported functions to deploy.
//
// A manifest is a YAML mapping. Nested mappings group functions: a nested
// key "api" containing "hello" produces the function named "api-hello" with
// entry point "api.hello". A mapping is a function when it declares one of
// https, eventTrigger or schedule. Null entries are ignored.
package manifest

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultRegion is used for functions that do not list any region.
const DefaultRegion = "us-central1"

// ErrInvalidManifest is returned for manifests that cannot be turned into
// a list of triggers.
var ErrInvalidManifest = errors.New("invalid manifest")

// EventTrigger binds a function to a cloud event source.
type EventTrigger struct {
	EventType string `yaml:"eventType"`
	Resource  string `yaml:"resource"`
	Service   string `yaml:"service,omitempty"`
}

// Schedule is the cron configuration of a scheduled function.
type Schedule struct {
	Schedule   string `yaml:"schedule"`
	TimeZone   string `yaml:"timeZone,omitempty"`
	RetryCount int64  `yaml:"retryCount,omitempty"`
}

// Trigger describes one exported function.
type Trigger struct {
	// Name is the short function name, group keys joined by "-".
	Name string `yaml:"-"`
	// EntryPoint is the export path, group keys joined by ".".
	EntryPoint string `yaml:"-"`

	Regions       []string          `yaml:"regions,omitempty"`
	HTTPS         bool              `yaml:"https,omitempty"`
	EventTrigger  *EventTrigger     `yaml:"eventTrigger,omitempty"`
	Schedule      *Schedule         `yaml:"schedule,omitempty"`
	FailurePolicy bool              `yaml:"failurePolicy,omitempty"`
	Labels        map[string]string `yaml:"labels,omitempty"`
	MemoryMB      int64             `yaml:"memory,omitempty"`
	Timeout       string            `yaml:"timeout,omitempty"`
	Runtime       string            `yaml:"runtime,omitempty"`
}

// Scheduled reports whether the function runs on a schedule.
func (t *Trigger) Scheduled() bool {
	return t.Schedule != nil
}

// Load reads and parses the manifest at path.
func Load(path string) ([]*Trigger, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return Parse(data)
}

// Parse parses manifest data and returns the triggers in document order.
func Parse(data []byte) ([]*Trigger, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return nil, nil
	}

	root := doc.Content[0]
	if isNull(root) {
		return nil, nil
	}
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: top level must be a mapping", ErrInvalidManifest)
	}

	var triggers []*Trigger
	if err := extract(root, "", "", &triggers); err != nil {
		return nil, err
	}
	return triggers, nil
}

var triggerKeys = map[string]bool{
	"https":        true,
	"eventTrigger": true,
	"schedule":     true,
}

func extract(node *yaml.Node, name, entryPoint string, out *[]*Trigger) error {
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i].Value, node.Content[i+1]
		if isNull(value) {
			continue
		}

		childName, childEntry := key, key
		if name != "" {
			childName = name + "-" + key
			childEntry = entryPoint + "." + key
		}

		if value.Kind != yaml.MappingNode {
			return fmt.Errorf("%w: %s (line %d) must be a mapping",
				ErrInvalidManifest, childEntry, value.Line)
		}

		if !isFunction(value) {
			if err := extract(value, childName, childEntry, out); err != nil {
				return err
			}
			continue
		}

		t := &Trigger{}
		if err := value.Decode(t); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidManifest, childEntry, err)
		}
		t.Name = childName
		t.EntryPoint = childEntry
		if err := t.validate(); err != nil {
			return err
		}
		if len(t.Regions) == 0 {
			t.Regions = []string{DefaultRegion}
		}
		*out = append(*out, t)
	}
	return nil
}

func (t *Trigger) validate() error {
	kinds := 0
	if t.HTTPS {
		kinds++
	}
	if t.EventTrigger != nil {
		kinds++
	}
	if t.Schedule != nil {
		kinds++
	}
	if kinds > 1 {
		return fmt.Errorf("%w: %s declares more than one trigger", ErrInvalidManifest, t.EntryPoint)
	}
	if t.EventTrigger != nil && t.EventTrigger.EventType == "" {
		return fmt.Errorf("%w: %s: eventTrigger.eventType is required", ErrInvalidManifest, t.EntryPoint)
	}
	if t.Schedule != nil && t.Schedule.Schedule == "" {
		return fmt.Errorf("%w: %s: schedule.schedule is required", ErrInvalidManifest, t.EntryPoint)
	}
	return nil
}

func isFunction(node *yaml.Node) bool {
	for i := 0; i+1 < len(node.Content); i += 2 {
		if triggerKeys[node.Content[i].Value] {
			return true
		}
	}
	return false
}

func isNull(node *yaml.Node) bool {
	return node.Kind == yaml.ScalarNode && node.ShortTag() == "!!null"
}
