package tool

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"datapilot/internal/domain"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Registry holds the allow-listed tool definitions. Registration happens at
// startup; lookups after that are read-only and safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*entry // keyed by lowercase name
}

type entry struct {
	def      Definition
	compiled *jsonschema.Schema // nil when the definition carries no schema
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*entry)}
}

// Register adds a definition. Names are case-insensitive and must be unique.
// A carried JSON Schema is compiled here so Validate never pays compile cost.
func (r *Registry) Register(def Definition) error {
	key := strings.ToLower(strings.TrimSpace(def.Name))
	if key == "" {
		return domain.NewDomainError("registry.register", domain.ErrInvalidArgument, "tool name is empty")
	}
	if def.Handler == nil {
		return domain.NewDomainError("registry.register", domain.ErrInvalidArgument,
			fmt.Sprintf("tool %q has no handler", def.Name))
	}

	var compiled *jsonschema.Schema
	if len(def.Schema) > 0 {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(key+".json", strings.NewReader(string(def.Schema))); err != nil {
			return domain.NewDomainError("registry.register", domain.ErrInvalidArgument,
				fmt.Sprintf("tool %q schema: %v", def.Name, err))
		}
		s, err := c.Compile(key + ".json")
		if err != nil {
			return domain.NewDomainError("registry.register", domain.ErrInvalidArgument,
				fmt.Sprintf("tool %q schema: %v", def.Name, err))
		}
		compiled = s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[key]; dup {
		return domain.NewDomainError("registry.register", domain.ErrInvalidArgument,
			fmt.Sprintf("tool %q already registered", def.Name))
	}
	r.tools[key] = &entry{def: def, compiled: compiled}
	return nil
}

// MustRegister panics on registration failure. Intended for the composition
// root where a bad definition is a programming error.
func (r *Registry) MustRegister(def Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

func (r *Registry) lookup(name string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[strings.ToLower(strings.TrimSpace(name))]
	return e, ok
}

func (r *Registry) IsWhitelisted(name string) bool {
	_, ok := r.lookup(name)
	return ok
}

func (r *Registry) Meta(name string) (domain.ToolMeta, bool) {
	e, ok := r.lookup(name)
	if !ok {
		return domain.ToolMeta{}, false
	}
	return domain.ToolMeta{
		Name:          strings.ToLower(e.def.Name),
		Resource:      e.def.Resource,
		RequiresWrite: e.def.RequiresWrite,
		Handler:       e.def.Handler,
	}, true
}

// Names returns the registered tool names, sorted, for startup cross-checks.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for k := range r.tools {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Schemas renders the registry as function-calling declarations for the model.
func (r *Registry) Schemas() []domain.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ToolSchema, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, domain.ToolSchema{
			Name:        strings.ToLower(e.def.Name),
			Description: e.def.Description,
			Parameters:  e.def.Schema,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Validate checks raw arguments against the tool's declaration and produces a
// typed Intent. Unknown argument names are rejected, never silently dropped.
func (r *Registry) Validate(name string, raw map[string]any) (domain.Intent, error) {
	const op = "registry.validate"

	e, ok := r.lookup(name)
	if !ok {
		return domain.Intent{}, domain.NewDomainError(op, domain.ErrToolNotFound, name)
	}
	def := e.def

	if e.compiled != nil {
		var doc map[string]any = raw
		if doc == nil {
			doc = map[string]any{}
		}
		if err := e.compiled.Validate(doc); err != nil {
			return domain.Intent{}, domain.NewDomainError(op, domain.ErrInvalidArgument, schemaDetail(err))
		}
	}

	var problems []string
	for k := range raw {
		if _, declared := def.Args[k]; !declared {
			problems = append(problems, fmt.Sprintf("unexpected argument '%s'", k))
		}
	}
	for k, spec := range def.Args {
		if _, present := raw[k]; !present && spec.Required {
			problems = append(problems, fmt.Sprintf("missing required argument '%s'", k))
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return domain.Intent{}, domain.NewDomainError(op, domain.ErrInvalidArgument, strings.Join(problems, "; "))
	}

	intent := domain.Intent{
		Tool: strings.ToLower(def.Name),
		Args: make(map[string]any),
	}
	for k, spec := range def.Args {
		v, present := raw[k]
		if !present {
			continue
		}
		cv, err := coerce(k, spec, v)
		if err != nil {
			problems = append(problems, err.Error())
			continue
		}
		switch {
		case k == "filters" && spec.Kind == KindStringMap:
			intent.Filters = cv.(map[string]string)
		case k == "page" && spec.Kind == KindInt:
			intent.Page = cv.(int)
		case k == "page_size" && spec.Kind == KindInt:
			intent.PageSize = cv.(int)
		default:
			intent.Args[k] = cv
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return domain.Intent{}, domain.NewDomainError(op, domain.ErrInvalidArgument, strings.Join(problems, "; "))
	}

	if _, paged := def.Args["page"]; paged && intent.Page == 0 {
		intent.Page = 1
	}
	if _, sized := def.Args["page_size"]; sized && intent.PageSize == 0 {
		intent.PageSize = 25
	}
	return intent, nil
}

func schemaDetail(err error) string {
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		leaf := ve
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		loc := strings.TrimPrefix(leaf.InstanceLocation, "/")
		if loc == "" {
			return leaf.Message
		}
		return fmt.Sprintf("'%s': %s", loc, leaf.Message)
	}
	return err.Error()
}
