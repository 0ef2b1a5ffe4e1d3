package prompt

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"
)

// ScriptPrompter answers prompts from a fixed list, in order.
// Once the list is exhausted every prompt is cancelled.
type ScriptPrompter struct {
	mu      sync.Mutex
	answers []string
	next    int
}

// NewScriptPrompter creates a ScriptPrompter.
func NewScriptPrompter(answers ...string) *ScriptPrompter {
	return &ScriptPrompter{answers: answers}
}

// Prompt returns the next answer.
func (p *ScriptPrompter) Prompt(ctx context.Context, _ Kind) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.next >= len(p.answers) {
		return "", ErrCancelled
	}
	answer := p.answers[p.next]
	p.next++
	return answer, nil
}

// Remaining returns the number of unused answers.
func (p *ScriptPrompter) Remaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.answers) - p.next
}

// answersFile is the YAML layout of an answers file:
//
//	answers:
//	  - 42
//	  - 3.5
//	  - hello
type answersFile struct {
	Answers []yaml.Node `yaml:"answers"`
}

// LoadAnswers reads scripted answers from a YAML file. Scalars of any type
// are accepted and kept as their literal text.
func LoadAnswers(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read answers file %s: %w", path, err)
	}
	return ParseAnswers(data)
}

// ParseAnswers decodes the answers file format.
func ParseAnswers(data []byte) ([]string, error) {
	var f answersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse answers: %w", err)
	}

	answers := make([]string, 0, len(f.Answers))
	for i, node := range f.Answers {
		if node.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("answer %d: expected a scalar, got %s", i, nodeKind(node.Kind))
		}
		answers = append(answers, node.Value)
	}
	return answers, nil
}

func nodeKind(k yaml.Kind) string {
	switch k {
	case yaml.MappingNode:
		return "mapping"
	case yaml.SequenceNode:
		return "sequence"
	default:
		return "kind " + strconv.Itoa(int(k))
	}
}
