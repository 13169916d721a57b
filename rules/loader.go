package rules

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chainwatch/expr"
	"chainwatch/metrics"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// SchemaFilename is the optional JSON schema checked against every rule file in a directory.
const SchemaFilename = "typology_schema.json"

// LoadProblem describes a file or entry skipped during a load.
type LoadProblem struct {
	File   string
	RuleID string
	Err    error
}

func (p LoadProblem) String() string {
	if p.RuleID != "" {
		return fmt.Sprintf("%s: rule %s: %v", p.File, p.RuleID, p.Err)
	}
	return fmt.Sprintf("%s: %v", p.File, p.Err)
}

// LoadResult is the outcome of loading a directory.
type LoadResult struct {
	Rules    []*TypologyRule
	Problems []LoadProblem
	Files    int
}

// Loader reads typology rule files. Invalid files and entries are skipped
// with a warning and never abort the load.
type Loader struct {
	logger       *zap.SugaredLogger
	regexTimeout time.Duration
}

// NewLoader creates a loader. regexTimeout bounds =~ matches in conditions (0 keeps the default).
func NewLoader(logger *zap.SugaredLogger, regexTimeout time.Duration) *Loader {
	return &Loader{logger: logger, regexTimeout: regexTimeout}
}

// LoadDir loads every *.yaml, *.yml and *.json file in dir (not recursive).
// Duplicate ids resolve to the last definition in file name order.
func (l *Loader) LoadDir(dir string) (*LoadResult, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules directory: %w", err)
	}

	var schema *gojsonschema.Schema
	schemaPath := filepath.Join(dir, SchemaFilename)
	if data, err := os.ReadFile(schemaPath); err == nil {
		if schema, err = compileEntrySchema(data); err != nil {
			l.logger.Warnw("Invalid rule schema, skipping validation", "path", schemaPath, "error", err)
		}
	} else if !os.IsNotExist(err) {
		l.logger.Warnw("Failed to read rule schema, skipping validation", "path", schemaPath, "error", err)
	}

	result := &LoadResult{}
	index := make(map[string]int)

	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == SchemaFilename {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" && ext != ".json" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		result.Files++

		rules, problems, err := l.loadFile(path, schema)
		if err != nil {
			l.logger.Warnw("Skipping rule file", "file", path, "error", err)
			metrics.RecordRuleLoadError("file")
			result.Problems = append(result.Problems, LoadProblem{File: path, Err: err})
			continue
		}
		result.Problems = append(result.Problems, problems...)

		for _, rule := range rules {
			if i, dup := index[rule.ID]; dup {
				l.logger.Warnw("Duplicate rule id, later definition wins", "rule_id", rule.ID, "file", path)
				result.Rules[i] = rule
				continue
			}
			index[rule.ID] = len(result.Rules)
			result.Rules = append(result.Rules, rule)
		}
	}

	l.logger.Infow("Loaded typology rules", "dir", dir, "files", result.Files, "rules", len(result.Rules), "skipped", len(result.Problems))
	return result, nil
}

// LoadFile loads a single rule file without schema validation.
func (l *Loader) LoadFile(path string) ([]*TypologyRule, []LoadProblem, error) {
	return l.loadFile(path, nil)
}

func (l *Loader) loadFile(path string, schema *gojsonschema.Schema) ([]*TypologyRule, []LoadProblem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read rule file: %w", err)
	}

	var entries []ruleEntry
	if strings.EqualFold(filepath.Ext(path), ".json") {
		entries, err = splitJSON(data)
	} else {
		entries, err = splitYAML(data)
	}
	if err != nil {
		return nil, nil, err
	}

	var opts []expr.Option
	if l.regexTimeout > 0 {
		opts = append(opts, expr.WithRegexTimeout(l.regexTimeout))
	}

	var valid []*TypologyRule
	var problems []LoadProblem
	for i, entry := range entries {
		rule, err := entry.build(schema, opts)
		if err != nil {
			id := entry.id()
			l.logger.Warnw("Skipping invalid typology rule", "file", path, "index", i, "rule_id", id, "error", err)
			metrics.RecordRuleLoadError("entry")
			problems = append(problems, LoadProblem{File: path, RuleID: id, Err: err})
			continue
		}
		valid = append(valid, rule)
	}
	return valid, problems, nil
}

var errRuleFileShape = errors.New(`rule file must hold a list of rules or a document with a "rules" list`)

// ruleEntry is one element of a rule file, decoded only as far as a
// generic value so that a bad entry never spoils its siblings.
type ruleEntry struct {
	generic interface{}
	decode  func(*TypologyRule) error
}

// id recovers the entry's id for reporting even when it fails to decode.
func (e ruleEntry) id() string {
	if m, ok := e.generic.(map[string]interface{}); ok {
		if id, ok := m["id"].(string); ok {
			return strings.TrimSpace(id)
		}
	}
	return ""
}

func (e ruleEntry) build(schema *gojsonschema.Schema, opts []expr.Option) (*TypologyRule, error) {
	if schema != nil {
		if err := validateEntry(schema, e.generic); err != nil {
			return nil, err
		}
	}
	rule := &TypologyRule{}
	if err := e.decode(rule); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	if err := rule.Compile(opts...); err != nil {
		return nil, err
	}
	return rule, nil
}

// splitYAML accepts either a bare list of rules or a {rules: [...]} document.
func splitYAML(data []byte) ([]ruleEntry, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse rule file: %w", err)
	}
	if len(root.Content) == 0 {
		return nil, nil
	}

	list := root.Content[0]
	if list.Kind == yaml.MappingNode {
		list = yamlField(list, "rules")
		if list == nil {
			return nil, errRuleFileShape
		}
	}
	if list.Tag == "!!null" {
		return nil, nil
	}
	if list.Kind != yaml.SequenceNode {
		return nil, errRuleFileShape
	}

	entries := make([]ruleEntry, 0, len(list.Content))
	for _, item := range list.Content {
		var generic interface{}
		if err := item.Decode(&generic); err != nil {
			generic = nil
		}
		entries = append(entries, ruleEntry{
			generic: generic,
			decode:  func(r *TypologyRule) error { return item.Decode(r) },
		})
	}
	return entries, nil
}

func yamlField(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

// splitJSON accepts either a bare list of rules or a {"rules": [...]} document.
func splitJSON(data []byte) ([]ruleEntry, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var list []json.RawMessage
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("failed to parse rule file: %w", err)
		}
	case '{':
		var doc struct {
			Rules *[]json.RawMessage `json:"rules"`
		}
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse rule file: %w", err)
		}
		if doc.Rules == nil {
			return nil, errRuleFileShape
		}
		list = *doc.Rules
	default:
		return nil, errRuleFileShape
	}

	entries := make([]ruleEntry, 0, len(list))
	for _, raw := range list {
		var generic interface{}
		if err := json.Unmarshal(raw, &generic); err != nil {
			generic = nil
		}
		entries = append(entries, ruleEntry{
			generic: generic,
			decode:  func(r *TypologyRule) error { return json.Unmarshal(raw, r) },
		})
	}
	return entries, nil
}

// compileEntrySchema builds a schema for one rule from the "rule" definition
// of a rule file schema.
func compileEntrySchema(data []byte) (*gojsonschema.Schema, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}
	defs, _ := doc["definitions"].(map[string]interface{})
	if _, ok := defs["rule"]; !ok {
		return nil, errors.New(`schema has no "definitions.rule"`)
	}
	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(map[string]interface{}{
		"definitions": defs,
		"allOf":       []interface{}{map[string]interface{}{"$ref": "#/definitions/rule"}},
	}))
}

func validateEntry(schema *gojsonschema.Schema, entry interface{}) error {
	result, err := schema.Validate(gojsonschema.NewGoLoader(entry))
	if err != nil {
		return fmt.Errorf("%w: failed to validate against schema: %v", ErrInvalidRule, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: schema validation failed: %s", ErrInvalidRule, strings.Join(msgs, "; "))
	}
	return nil
}
