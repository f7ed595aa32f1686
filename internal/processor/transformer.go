package processor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dop251/goja"
	"github.com/sirupsen/logrus"

	"mysql-es-sync/internal/config"
	"mysql-es-sync/internal/models"
)

// ErrEventRejected is returned when a JavaScript transform function rejects an event
// by returning null or undefined
var ErrEventRejected = errors.New("event rejected by transformer")

// DocumentEvent is the unit handed to the transformation stage.
type DocumentEvent struct {
	Type     string              `json:"type"` // INSERT, UPDATE, DELETE
	Database string              `json:"database"`
	Table    string              `json:"table"`
	Key      string              `json:"key"`
	Document models.SinkDocument `json:"document"`
}

// Transformer transforms documents based on configuration rules
type Transformer struct {
	config  *config.ProcessorConfig
	logger  *logrus.Logger
	rules   []*RuleMatcher
	program *goja.Program // compiled script, shared by all runtimes
}

// RuleMatcher matches and applies transformation rules
type RuleMatcher struct {
	database  string
	table     string
	include   map[string]bool
	exclude   map[string]bool
	rename    map[string]string
	addFields map[string]string
}

// NewTransformer creates a new transformer with the given configuration
func NewTransformer(cfg *config.ProcessorConfig, logger *logrus.Logger) (*Transformer, error) {
	transformer := &Transformer{
		config: cfg,
		logger: logger,
		rules:  []*RuleMatcher{},
	}
	if cfg == nil || !cfg.Enabled {
		return transformer, nil
	}

	// Load JavaScript script if specified
	if cfg.Script != "" {
		scriptContent, err := os.ReadFile(cfg.Script)
		if err != nil {
			return nil, fmt.Errorf("failed to read JavaScript script file: %w", err)
		}
		program, err := goja.Compile(cfg.Script, string(scriptContent), false)
		if err != nil {
			return nil, fmt.Errorf("invalid JavaScript script: %w", err)
		}
		if _, err := resolveTransformFunc(goja.New(), program); err != nil {
			return nil, fmt.Errorf("invalid JavaScript script: %w", err)
		}
		transformer.program = program
		logger.Infof("Loaded JavaScript transformation script: %s", cfg.Script)
	}

	for _, rule := range cfg.Rules {
		matcher := &RuleMatcher{
			database:  rule.Database,
			table:     rule.Table,
			include:   make(map[string]bool),
			exclude:   make(map[string]bool),
			rename:    make(map[string]string),
			addFields: rule.AddFields,
		}
		for _, field := range rule.Include {
			matcher.include[strings.ToLower(field)] = true
		}
		for _, field := range rule.Exclude {
			matcher.exclude[strings.ToLower(field)] = true
		}
		for from, to := range rule.Rename {
			matcher.rename[strings.ToLower(from)] = to
		}
		transformer.rules = append(transformer.rules, matcher)
	}

	return transformer, nil
}

// resolveTransformFunc runs the program and returns the transform function.
// The script can be:
// 1. An anonymous function: (function(event) { return event; })
// 2. A named function: function transform(event) { return event; }
// 3. A function assigned to a variable: var transform = function(event) { return event; }
func resolveTransformFunc(vm *goja.Runtime, program *goja.Program) (goja.Callable, error) {
	result, err := vm.RunProgram(program)
	if err != nil {
		return nil, fmt.Errorf("failed to execute script: %w", err)
	}
	if result != nil && !goja.IsUndefined(result) && !goja.IsNull(result) {
		if fn, ok := goja.AssertFunction(result); ok {
			return fn, nil
		}
	}
	transformVar := vm.Get("transform")
	if transformVar != nil && !goja.IsUndefined(transformVar) && !goja.IsNull(transformVar) {
		if fn, ok := goja.AssertFunction(transformVar); ok {
			return fn, nil
		}
	}
	return nil, fmt.Errorf("script must export a function (either anonymous function or named 'transform' function)")
}

// Enabled reports whether Transform changes anything.
func (t *Transformer) Enabled() bool {
	return t != nil && t.config != nil && t.config.Enabled && (t.program != nil || len(t.rules) > 0)
}

// Transform applies the script or the matching rule to event. It is safe for
// concurrent use.
func (t *Transformer) Transform(event *DocumentEvent) (*DocumentEvent, error) {
	if !t.Enabled() {
		return event, nil
	}

	// Use JavaScript script if available (takes precedence over YAML rules)
	if t.program != nil {
		return t.transformWithJavaScript(event)
	}
	return t.transformWithRules(event), nil
}

// transformWithJavaScript transforms an event using the JavaScript script
func (t *Transformer) transformWithJavaScript(event *DocumentEvent) (*DocumentEvent, error) {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event to JSON: %w", err)
	}

	// goja.Runtime is not thread-safe, one per call
	vm := goja.New()
	if err := t.setupConsoleBindings(vm); err != nil {
		return nil, fmt.Errorf("failed to setup console bindings: %w", err)
	}

	callable, err := resolveTransformFunc(vm, t.program)
	if err != nil {
		return nil, err
	}

	if err := vm.Set("eventJSON", string(eventJSON)); err != nil {
		return nil, fmt.Errorf("failed to set event JSON: %w", err)
	}
	eventObj, err := vm.RunString("JSON.parse(eventJSON)")
	if err != nil {
		return nil, fmt.Errorf("failed to parse event JSON: %w", err)
	}

	result, err := callable(goja.Undefined(), eventObj)
	if err != nil {
		return nil, fmt.Errorf("JavaScript transform function error: %w", err)
	}

	// null or undefined drops the event
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		t.logger.Debugf("Event rejected by JavaScript transformer: %s.%s key %s", event.Database, event.Table, event.Key)
		return nil, ErrEventRejected
	}

	resultJSON, err := json.Marshal(result.Export())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	var transformed DocumentEvent
	if err := json.Unmarshal(resultJSON, &transformed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	if transformed.Document == nil {
		return nil, fmt.Errorf("transform result has no document")
	}

	// Scripts cannot retarget the write
	transformed.Type = event.Type
	transformed.Database = event.Database
	transformed.Table = event.Table
	transformed.Key = event.Key
	transformed.Document[models.KeyField] = event.Key

	return &transformed, nil
}

// transformWithRules transforms an event using YAML-based rules
func (t *Transformer) transformWithRules(event *DocumentEvent) *DocumentEvent {
	var matchedRule *RuleMatcher
	for _, rule := range t.rules {
		if rule.matches(event.Database, event.Table) {
			matchedRule = rule
			break
		}
	}
	if matchedRule == nil {
		return event
	}

	return &DocumentEvent{
		Type:     event.Type,
		Database: event.Database,
		Table:    event.Table,
		Key:      event.Key,
		Document: t.transformDocument(event.Document, matchedRule),
	}
}

// transformDocument applies transformation rules to a single document
func (t *Transformer) transformDocument(doc models.SinkDocument, rule *RuleMatcher) models.SinkDocument {
	transformed := make(models.SinkDocument, len(doc)+len(rule.addFields))

	// Add static fields first
	for key, value := range rule.addFields {
		transformed[key] = value
	}

	for key, value := range doc {
		if key == models.KeyField {
			transformed[key] = value
			continue
		}
		keyLower := strings.ToLower(key)

		if len(rule.exclude) > 0 && rule.exclude[keyLower] {
			continue
		}
		if len(rule.include) > 0 && !rule.include[keyLower] {
			continue
		}

		outputKey := key
		if newName, ok := rule.rename[keyLower]; ok {
			outputKey = newName
		}
		transformed[outputKey] = value
	}

	return transformed
}

// matches checks if a rule matches the given database and table
func (r *RuleMatcher) matches(database, table string) bool {
	// Match database (empty = all databases)
	if r.database != "" && !strings.EqualFold(r.database, database) {
		return false
	}

	// Match table (empty = all tables)
	if r.table != "" && !strings.EqualFold(r.table, table) {
		return false
	}

	return true
}

// setupConsoleBindings sets up console JavaScript bindings in the VM
func (t *Transformer) setupConsoleBindings(vm *goja.Runtime) error {
	consoleObj := vm.NewObject()

	formatArgs := func(call goja.FunctionCall) string {
		args := make([]interface{}, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = arg.Export()
		}
		return fmt.Sprint(args...)
	}

	bind := func(name string, log func(args ...interface{})) error {
		return consoleObj.Set(name, func(call goja.FunctionCall) goja.Value {
			log(formatArgs(call))
			return goja.Undefined()
		})
	}
	if err := bind("log", t.logger.Info); err != nil {
		return err
	}
	if err := bind("info", t.logger.Info); err != nil {
		return err
	}
	if err := bind("warn", t.logger.Warn); err != nil {
		return err
	}
	if err := bind("error", t.logger.Error); err != nil {
		return err
	}
	if err := bind("debug", t.logger.Debug); err != nil {
		return err
	}

	return vm.Set("console", consoleObj)
}
