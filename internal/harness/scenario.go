package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario defines a convergence scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Start is the initial clock reading, unix seconds.
	Start int64 `yaml:"start"`

	// DaysRotation is the rotation period for every node's pruner.
	// Zero disables scheduled rotation.
	DaysRotation int `yaml:"days_rotation,omitempty"`

	// Epoch anchors the rotation schedule. Defaults to Start.
	Epoch *int64 `yaml:"epoch,omitempty"`

	// Nodes lists the node names in golden file order.
	Nodes []string `yaml:"nodes"`

	// Steps run in order. Each step sets exactly one action.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final node states.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one scenario action.
type Step struct {
	// Publish creates and broadcasts an event on a node.
	Publish *PublishStep `yaml:"publish,omitempty"`

	// Connect links two nodes.
	Connect []string `yaml:"connect,omitempty"`

	// Disconnect cuts the link between two nodes.
	Disconnect []string `yaml:"disconnect,omitempty"`

	// Sync runs one sync round on the named node.
	Sync string `yaml:"sync,omitempty"`

	// Prune runs a catch-up rotation on the named node.
	Prune string `yaml:"prune,omitempty"`

	// Advance moves the shared clock forward, as a Go duration.
	Advance string `yaml:"advance,omitempty"`
}

// PublishStep publishes Content on Node.
type PublishStep struct {
	Node    string `yaml:"node"`
	Content string `yaml:"content"`
}

// Assertion validates final node state.
type Assertion struct {
	// Type is one of converged, count, tips, genesis, contents.
	Type string `yaml:"type"`

	// Node is the node checked by count, tips and contents.
	Node string `yaml:"node,omitempty"`

	// Nodes are the nodes checked by converged and genesis.
	Nodes []string `yaml:"nodes,omitempty"`

	// Count is the expected number (count, tips).
	Count int `yaml:"count,omitempty"`

	// At is the expected genesis boundary, unix seconds (genesis).
	At uint64 `yaml:"at,omitempty"`

	// Contents is the expected content sequence (contents).
	Contents []string `yaml:"contents,omitempty"`
}

// Assertion type constants.
const (
	AssertConverged = "converged"
	AssertCount     = "count"
	AssertTips      = "tips"
	AssertGenesis   = "genesis"
	AssertContents  = "contents"
)

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// epoch returns the schedule anchor.
func (s *Scenario) epoch() int64 {
	if s.Epoch != nil {
		return *s.Epoch
	}
	return s.Start
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Start <= 0 {
		return fmt.Errorf("start must be a positive unix time")
	}
	if s.DaysRotation < 0 {
		return fmt.Errorf("days_rotation must not be negative")
	}
	if len(s.Nodes) == 0 {
		return fmt.Errorf("nodes list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	known := make(map[string]bool, len(s.Nodes))
	for _, n := range s.Nodes {
		if n == "" {
			return fmt.Errorf("node names must be non-empty")
		}
		if known[n] {
			return fmt.Errorf("duplicate node %q", n)
		}
		known[n] = true
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step, known); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, a, known); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step Step, known map[string]bool) error {
	actions := 0
	check := func(names ...string) error {
		actions++
		for _, n := range names {
			if !known[n] {
				return fmt.Errorf("steps[%d]: unknown node %q", index, n)
			}
		}
		return nil
	}
	pair := func(field string, names []string) error {
		if len(names) != 2 || names[0] == names[1] {
			return fmt.Errorf("steps[%d]: %s needs two distinct nodes", index, field)
		}
		return check(names...)
	}

	var err error
	if step.Publish != nil {
		err = check(step.Publish.Node)
	}
	if step.Connect != nil && err == nil {
		err = pair("connect", step.Connect)
	}
	if step.Disconnect != nil && err == nil {
		err = pair("disconnect", step.Disconnect)
	}
	if step.Sync != "" && err == nil {
		err = check(step.Sync)
	}
	if step.Prune != "" && err == nil {
		err = check(step.Prune)
	}
	if step.Advance != "" && err == nil {
		actions++
		d, perr := time.ParseDuration(step.Advance)
		if perr != nil || d <= 0 {
			err = fmt.Errorf("steps[%d]: advance must be a positive duration, got %q", index, step.Advance)
		}
	}
	if err != nil {
		return err
	}
	if actions != 1 {
		return fmt.Errorf("steps[%d]: exactly one action is required, got %d", index, actions)
	}
	return nil
}

func validateAssertion(index int, a Assertion, known map[string]bool) error {
	node := func() error {
		if !known[a.Node] {
			return fmt.Errorf("assertions[%d]: unknown node %q for %s", index, a.Node, a.Type)
		}
		return nil
	}
	nodes := func(least int) error {
		if len(a.Nodes) < least {
			return fmt.Errorf("assertions[%d]: %s needs at least %d nodes", index, a.Type, least)
		}
		for _, n := range a.Nodes {
			if !known[n] {
				return fmt.Errorf("assertions[%d]: unknown node %q for %s", index, n, a.Type)
			}
		}
		return nil
	}

	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertConverged:
		return nodes(2)
	case AssertCount, AssertTips:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for %s", index, a.Type)
		}
		return node()
	case AssertGenesis:
		if a.At == 0 {
			return fmt.Errorf("assertions[%d]: at is required for genesis", index)
		}
		return nodes(1)
	case AssertContents:
		return node()
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
}
