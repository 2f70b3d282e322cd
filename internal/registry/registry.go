// Package registry holds the allowlisted render templates. Templates are
// loaded from YAML pack files in a trusted directory, their input schemas are
// compiled to JSON Schema, and rendering is pure substitution into a
// pre-validated workflow skeleton. No code execution happens during render.
package registry

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v2"

	"github.com/openclaw/gateway/internal/errkind"
)

// FieldSpec describes one template input.
type FieldSpec struct {
	Type     string        `yaml:"type" json:"type"` // string|integer|number|boolean|list
	Min      *float64      `yaml:"min,omitempty" json:"min,omitempty"`
	Max      *float64      `yaml:"max,omitempty" json:"max,omitempty"`
	Enum     []interface{} `yaml:"enum,omitempty" json:"enum,omitempty"`
	Required bool          `yaml:"required,omitempty" json:"required,omitempty"`
	Default  interface{}   `yaml:"default,omitempty" json:"default,omitempty"`
}

// Template is an allowlisted workflow with its input schema and skeleton.
type Template struct {
	ID       string                 `yaml:"id" json:"id"`
	Labels   []string               `yaml:"labels,omitempty" json:"labels,omitempty"`
	Schema   map[string]FieldSpec   `yaml:"schema" json:"schema"`
	Workflow map[string]interface{} `yaml:"workflow" json:"-"`

	compiled *jsonschema.Schema
	packHash string
	packPath string
}

type packFile struct {
	Templates []*Template `yaml:"templates"`
}

// Registry maps template IDs to templates and reloads packs on change.
type Registry struct {
	mu        sync.RWMutex
	dir       string
	templates map[string]*Template
	maxBytes  int
	watcher   *fsnotify.Watcher
}

// New loads every *.yaml pack under dir. maxBytes caps the rendered workflow
// size; renders exceeding it fail with payload_too_large.
func New(dir string, maxBytes int) (*Registry, error) {
	if maxBytes <= 0 {
		maxBytes = 512 * 1024
	}
	r := &Registry{dir: dir, templates: make(map[string]*Template), maxBytes: maxBytes}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Watch starts the fsnotify reload loop. Safe to skip in tests.
func (r *Registry) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(r.dir); err != nil {
		w.Close()
		return err
	}
	r.watcher = w
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					if err := r.reload(); err != nil {
						slog.Error("template pack reload failed", "error", err)
					} else {
						slog.Info("template packs reloaded", "trigger", ev.Name)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("template pack watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher.
func (r *Registry) Close() {
	if r.watcher != nil {
		r.watcher.Close()
	}
}

func (r *Registry) reload() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("read pack dir: %w", err)
	}
	next := make(map[string]*Template)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		path := filepath.Join(r.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var pack packFile
		if err := yaml.Unmarshal(data, &pack); err != nil {
			return fmt.Errorf("parse pack %s: %w", name, err)
		}
		sum := sha256.Sum256(data)
		hash := hex.EncodeToString(sum[:])
		for _, t := range pack.Templates {
			if t.ID == "" {
				return fmt.Errorf("pack %s: template with empty id", name)
			}
			if _, dup := next[t.ID]; dup {
				return fmt.Errorf("pack %s: duplicate template id %q", name, t.ID)
			}
			t.Workflow = normalizeYAML(t.Workflow)
			t.packHash = hash
			t.packPath = path
			if err := t.compileSchema(); err != nil {
				return fmt.Errorf("pack %s template %s: %w", name, t.ID, err)
			}
			next[t.ID] = t
		}
	}
	r.mu.Lock()
	r.templates = next
	r.mu.Unlock()
	return nil
}

// normalizeYAML converts yaml.v2 map[interface{}]interface{} trees into
// JSON-compatible map[string]interface{} trees.
func normalizeYAML(v interface{}) map[string]interface{} {
	out, _ := normalizeValue(v).(map[string]interface{})
	return out
}

func normalizeValue(v interface{}) interface{} {
	switch tv := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(tv))
		for k, val := range tv {
			m[fmt.Sprintf("%v", k)] = normalizeValue(val)
		}
		return m
	case map[string]interface{}:
		m := make(map[string]interface{}, len(tv))
		for k, val := range tv {
			m[k] = normalizeValue(val)
		}
		return m
	case []interface{}:
		s := make([]interface{}, len(tv))
		for i, item := range tv {
			s[i] = normalizeValue(item)
		}
		return s
	default:
		return v
	}
}

func (t *Template) compileSchema() error {
	doc := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
	}
	props := make(map[string]interface{}, len(t.Schema))
	var required []string
	for name, f := range t.Schema {
		prop := map[string]interface{}{}
		switch f.Type {
		case "string":
			prop["type"] = "string"
			if f.Min != nil {
				prop["minLength"] = int(*f.Min)
			}
			if f.Max != nil {
				prop["maxLength"] = int(*f.Max)
			}
		case "integer":
			prop["type"] = "integer"
			if f.Min != nil {
				prop["minimum"] = *f.Min
			}
			if f.Max != nil {
				prop["maximum"] = *f.Max
			}
		case "number":
			prop["type"] = "number"
			if f.Min != nil {
				prop["minimum"] = *f.Min
			}
			if f.Max != nil {
				prop["maximum"] = *f.Max
			}
		case "boolean":
			prop["type"] = "boolean"
		case "list":
			prop["type"] = "array"
			if f.Max != nil {
				prop["maxItems"] = int(*f.Max)
			}
			prop["items"] = map[string]interface{}{
				"type": []interface{}{"string", "number", "boolean"},
			}
		default:
			return fmt.Errorf("field %s: unknown type %q", name, f.Type)
		}
		if len(f.Enum) > 0 {
			prop["enum"] = normalizeValue(f.Enum)
		}
		props[name] = prop
		if f.Required {
			required = append(required, name)
		}
	}
	doc["properties"] = props
	if len(required) > 0 {
		sort.Strings(required)
		doc["required"] = required
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("inputs.json", parsed); err != nil {
		return err
	}
	compiled, err := compiler.Compile("inputs.json")
	if err != nil {
		return err
	}
	t.compiled = compiled
	return nil
}

// Get returns a template, or template_denied when the ID is not allowlisted.
func (r *Registry) Get(id string) (*Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[id]
	if !ok {
		return nil, errkind.Newf(errkind.TemplateDenied, "template %q is not allowlisted", id)
	}
	return t, nil
}

// List returns all templates sorted by ID.
func (r *Registry) List() []*Template {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Template, 0, len(r.templates))
	for _, t := range r.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MaxRenderedBytes reports the configured render budget.
func (r *Registry) MaxRenderedBytes() int { return r.maxBytes }

// Validate applies defaults and checks inputs against the template schema.
// Returns the normalized inputs.
func (t *Template) Validate(inputs map[string]interface{}) (map[string]interface{}, error) {
	norm := make(map[string]interface{}, len(inputs))
	for k, v := range inputs {
		norm[k] = v
	}
	for name, f := range t.Schema {
		if _, ok := norm[name]; !ok && f.Default != nil {
			norm[name] = normalizeValue(f.Default)
		}
	}
	// Round-trip through JSON so numeric types match what the schema
	// validator expects from decoded documents.
	raw, err := json.Marshal(norm)
	if err != nil {
		return nil, errkind.Wrap(errkind.ValidationError, "inputs not serializable", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, errkind.Wrap(errkind.ValidationError, "inputs not parseable", err)
	}
	if err := t.compiled.Validate(doc); err != nil {
		return nil, errkind.Wrap(errkind.ValidationError, validationDetail(err), err)
	}
	// Return the JSON-canonical form so downstream hashing and substitution
	// see stable types.
	var canonical map[string]interface{}
	if err := json.Unmarshal(raw, &canonical); err != nil {
		return nil, errkind.Wrap(errkind.ValidationError, "inputs not parseable", err)
	}
	return canonical, nil
}

func validationDetail(err error) string {
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) && len(ve.Causes) > 0 {
		c := ve.Causes[0]
		return fmt.Sprintf("field=%s reason=%s", strings.Join(c.InstanceLocation, "."), c.Error())
	}
	return err.Error()
}

// Render substitutes inputs into the workflow skeleton and enforces the
// rendered byte budget. The pack file's content hash is rechecked so a
// tampered pack cannot serve between reloads.
func (r *Registry) Render(t *Template, inputs map[string]interface{}) ([]byte, error) {
	if err := t.recheckHash(); err != nil {
		return nil, err
	}
	rendered := substitute(t.Workflow, inputs).(map[string]interface{})
	data, err := json.Marshal(rendered)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, "render marshal failed", err)
	}
	if len(data) > r.maxBytes {
		return nil, errkind.Newf(errkind.PayloadTooLarge,
			"rendered workflow is %d bytes, budget is %d", len(data), r.maxBytes)
	}
	return data, nil
}

func (t *Template) recheckHash() error {
	data, err := os.ReadFile(t.packPath)
	if err != nil {
		return errkind.Wrap(errkind.TemplateDenied, "template pack unreadable", err)
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != t.packHash {
		return errkind.New(errkind.TemplateDenied, "template pack content changed since registration")
	}
	return nil
}

// substitute walks the skeleton replacing "{{field}}" placeholders. A string
// that is exactly one placeholder takes the input's native type; embedded
// placeholders substitute textually.
func substitute(v interface{}, inputs map[string]interface{}) interface{} {
	switch tv := v.(type) {
	case string:
		if strings.HasPrefix(tv, "{{") && strings.HasSuffix(tv, "}}") && strings.Count(tv, "{{") == 1 {
			name := strings.TrimSpace(tv[2 : len(tv)-2])
			if val, ok := inputs[name]; ok {
				return val
			}
			return tv
		}
		out := tv
		for name, val := range inputs {
			out = strings.ReplaceAll(out, "{{"+name+"}}", fmt.Sprintf("%v", val))
		}
		return out
	case map[string]interface{}:
		m := make(map[string]interface{}, len(tv))
		for k, val := range tv {
			m[k] = substitute(val, inputs)
		}
		return m
	case []interface{}:
		s := make([]interface{}, len(tv))
		for i, item := range tv {
			s[i] = substitute(item, inputs)
		}
		return s
	default:
		return v
	}
}
