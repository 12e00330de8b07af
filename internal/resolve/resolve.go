package resolve

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/opsbridge-ai/toolbroker/internal/request"
)

// Keys the resolver owns unconditionally. Their values come from the
// request's AWS context and overwrite anything the model proposed.
const (
	KeyAccountID  = "account_id"
	KeyRegion     = "region"
	KeyBackendURL = "backend_url"
)

// MissingParamsError reports required fields that could not be resolved
// from any input. It is a returned value, never panicked or thrown.
type MissingParamsError struct {
	ToolName string
	Missing  []string
}

func (e *MissingParamsError) Error() string {
	return fmt.Sprintf("missing required parameters for %s: %s", e.ToolName, strings.Join(e.Missing, ", "))
}

// Resolver merges model-proposed arguments with trusted caller metadata
// per the tool's field table, then validates the merged result against a
// compiled JSON schema. Resolve is a pure function of its inputs.
type Resolver struct {
	extractor PromptExtractor
	schemas   map[string]*jsonschema.Schema
}

// New builds a Resolver, compiling one validation schema per known tool.
func New(extractor PromptExtractor) (*Resolver, error) {
	r := &Resolver{
		extractor: extractor,
		schemas:   make(map[string]*jsonschema.Schema, len(toolSpecs)),
	}
	for name, spec := range toolSpecs {
		sch, err := compileValidationSchema(name, spec)
		if err != nil {
			return nil, fmt.Errorf("resolve: compile schema for %s: %w", name, err)
		}
		r.schemas[name] = sch
	}
	return r, nil
}

// Resolve produces the final arguments for a tool call.
//
// Precedence, in order: context-owned keys are stamped from the request's
// AWS context; metadata-wins fields read caller metadata with a prompt
// fallback and never consult the model; model-wins fields read the model's
// value first, then metadata, then the prompt. Required fields still empty
// afterwards are collected into a MissingParamsError.
func (r *Resolver) Resolve(toolName string, modelArgs map[string]any, rctx *request.Context) (map[string]any, *MissingParamsError) {
	spec, ok := toolSpecs[toolName]
	if !ok {
		return nil, &MissingParamsError{ToolName: toolName, Missing: []string{"unknown tool"}}
	}

	out := map[string]any{
		KeyAccountID:  rctx.AWS.AccountID,
		KeyRegion:     rctx.AWS.Region,
		KeyBackendURL: rctx.AWS.BackendBaseURL,
	}

	var missing []string
	for _, f := range spec.Fields {
		v := r.resolveField(f, modelArgs, rctx)
		if isEmpty(v) {
			if f.Required {
				missing = append(missing, f.Name)
			}
			continue
		}
		out[f.Name] = v
	}

	for _, group := range spec.OneOf {
		if !anyPresent(out, group) {
			missing = append(missing, group...)
		}
	}

	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &MissingParamsError{ToolName: toolName, Missing: missing}
	}

	if bad := r.validate(toolName, out); len(bad) > 0 {
		return nil, &MissingParamsError{ToolName: toolName, Missing: bad}
	}

	return out, nil
}

func (r *Resolver) resolveField(f FieldSpec, modelArgs map[string]any, rctx *request.Context) any {
	fromMeta := func() any {
		for _, k := range f.MetaKeys {
			if v := rctx.Meta(k); v != "" {
				return v
			}
		}
		return nil
	}
	fromPrompt := func() any {
		switch f.Extract {
		case extractPRNumber:
			if v := r.extractor.PRNumber(rctx.Prompt); v != "" {
				return v
			}
		case extractStackName:
			if v := r.extractor.StackName(rctx.Prompt); v != "" {
				return v
			}
		}
		return nil
	}

	switch f.Source {
	case MetadataFirst:
		if v := fromMeta(); v != nil {
			return v
		}
		return fromPrompt()
	case ModelFirst:
		if v, ok := modelArgs[f.Name]; ok && !isEmpty(v) {
			return v
		}
		if v := fromMeta(); v != nil {
			return v
		}
		return fromPrompt()
	default:
		return nil
	}
}

// validate runs the compiled JSON schema over the merged arguments and
// returns the names of fields that failed, empty when the schema holds.
// A malformed required value is as unusable as an absent one, so schema
// violations surface through the same MissingParams path.
func (r *Resolver) validate(toolName string, args map[string]any) []string {
	sch := r.schemas[toolName]
	if sch == nil {
		return nil
	}

	// Round-trip through JSON so typed values (ints, []string) reach the
	// validator in its canonical representation.
	raw, err := json.Marshal(args)
	if err != nil {
		return []string{"arguments"}
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return []string{"arguments"}
	}

	err = sch.Validate(doc)
	if err == nil {
		return nil
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{"arguments"}
	}

	seen := map[string]bool{}
	var bad []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.InstanceLocation) > 0 {
			name := e.InstanceLocation[0]
			if !seen[name] {
				seen[name] = true
				bad = append(bad, name)
			}
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	if len(bad) == 0 {
		bad = []string{"arguments"}
	}
	sort.Strings(bad)
	return bad
}

// isEmpty reports whether a resolved value counts as absent: nil, empty
// string, empty list, or empty map.
func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	default:
		return false
	}
}

func anyPresent(args map[string]any, names []string) bool {
	for _, n := range names {
		if _, ok := args[n]; ok {
			return true
		}
	}
	return false
}
