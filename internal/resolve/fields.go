package resolve

import "sort"

// Source declares which input wins when a field is present in more than
// one place. The direction matters: metadata-wins fields carry tenant
// identity the model must not override, while model-wins fields carry the
// user's explicit in-turn intent, which beats any ambient session default.
type Source int

const (
	// ContextOwned fields are always stamped from the request's AWS
	// context. Model-proposed values are discarded.
	ContextOwned Source = iota

	// MetadataFirst fields prefer caller metadata, falling back to
	// fixed-pattern prompt extraction. Model arguments are never
	// consulted for these fields.
	MetadataFirst

	// ModelFirst fields prefer the model's proposed value, falling back
	// to caller metadata and then to prompt extraction.
	ModelFirst
)

// extractKind selects which PromptExtractor method backs a field's
// prompt-text fallback.
type extractKind int

const (
	extractNone extractKind = iota
	extractPRNumber
	extractStackName
)

// FieldSpec declares one resolvable field of a tool.
type FieldSpec struct {
	Name        string
	Source      Source
	Required    bool
	MetaKeys    []string // metadata keys consulted, in order
	Extract     extractKind
	Type        string // JSON type for the advertised schema; "" = unconstrained
	Description string
}

// toolSpec declares the full resolution table for one tool.
type toolSpec struct {
	Description string
	Fields      []FieldSpec
	// OneOf lists groups where at least one member must resolve. A group
	// with no resolved member reports every member as missing.
	OneOf [][]string
}

var (
	repoIdentity = FieldSpec{
		Name: "repo", Source: MetadataFirst, Required: true,
		MetaKeys: []string{"repository", "repo"}, Type: "string",
		Description: "Repository in owner/name form",
	}
	repoQuery = FieldSpec{
		Name: "repo", Source: ModelFirst, Required: true,
		MetaKeys: []string{"repository", "repo"}, Type: "string",
		Description: "Repository to query, owner/name form",
	}
	prNumber = FieldSpec{
		Name: "pr_number", Source: ModelFirst, Required: true,
		MetaKeys: []string{"pr_number"}, Extract: extractPRNumber, Type: "string",
		Description: "Pull request number",
	}
	actorField = FieldSpec{
		Name: "actor", Source: MetadataFirst,
		MetaKeys: []string{"actor"}, Type: "string",
		Description: "User that triggered the workflow run",
	}
	runIDIdentity = FieldSpec{
		Name: "run_id", Source: MetadataFirst,
		MetaKeys: []string{"run_id"}, Type: "string",
		Description: "Workflow run identifier",
	}
)

// toolSpecs is the per-tool resolution table, keyed by exact tool name.
// Every precedence direction in here has a dedicated unit test.
var toolSpecs = map[string]toolSpec{
	"pr_get_diff": {
		Description: "Fetch the unified diff for a pull request",
		Fields:      []FieldSpec{repoIdentity, prNumber, actorField, runIDIdentity},
	},
	"pr_summarize": {
		Description: "Summarize a pull request from its diff or changed file list",
		Fields: []FieldSpec{
			repoIdentity, prNumber, actorField, runIDIdentity,
			{Name: "diff", Source: ModelFirst, Type: "string", Description: "Unified diff text"},
			{Name: "changed_files", Source: ModelFirst, Type: "array", Description: "Changed file paths"},
		},
		OneOf: [][]string{{"diff", "changed_files"}},
	},
	"pr_check_compliance": {
		Description: "Run compliance rules against a pull request",
		Fields: []FieldSpec{
			repoIdentity, prNumber, actorField, runIDIdentity,
			{Name: "ruleset", Source: ModelFirst, Type: "string", Description: "Named ruleset, default when empty"},
		},
	},

	"deploy_query_metrics": {
		Description: "Query deployment metrics for a repository",
		Fields: []FieldSpec{
			repoQuery,
			{Name: "days", Source: ModelFirst, Type: "integer", Description: "Look-back window in days"},
			{Name: "status", Source: ModelFirst, Type: "string", Description: "Filter by run status"},
		},
	},
	"deploy_get_run": {
		Description: "Fetch one deployment run by id",
		Fields: []FieldSpec{
			repoQuery,
			{Name: "run_id", Source: ModelFirst, Required: true, MetaKeys: []string{"run_id"}, Type: "string",
				Description: "Workflow run identifier"},
		},
	},
	"deploy_failure_stats": {
		Description: "Aggregate deployment failure statistics for a repository",
		Fields: []FieldSpec{
			repoQuery,
			{Name: "window", Source: ModelFirst, Type: "string", Description: "Aggregation window, e.g. 30d"},
		},
	},

	"pricingcalc_estimate_template": {
		Description: "Estimate monthly cost of a CloudFormation template",
		Fields: []FieldSpec{
			{Name: "template_body", Source: ModelFirst, Required: true, Type: "string",
				Description: "CloudFormation template body"},
		},
	},
	"pricingcalc_estimate_stack": {
		Description: "Estimate monthly cost of a deployed CloudFormation stack",
		Fields: []FieldSpec{
			{Name: "stack_name", Source: ModelFirst, Required: true,
				MetaKeys: []string{"stack_name"}, Extract: extractStackName, Type: "string",
				Description: "Name of the deployed stack"},
		},
	},

	"ecs_call_tool": {
		Description: "Call an ECS inspection operation via the legacy gateway",
		Fields: []FieldSpec{
			{Name: "operation", Source: ModelFirst, Required: true, Type: "string",
				Description: "ECS operation, e.g. list_clusters"},
			{Name: "parameters", Source: ModelFirst, Type: "object", Description: "Operation parameters"},
		},
	},
	"iac_call_tool": {
		Description: "Call an infrastructure-as-code operation via the legacy gateway",
		Fields: []FieldSpec{
			{Name: "operation", Source: ModelFirst, Required: true, Type: "string",
				Description: "IaC operation, e.g. validate_template"},
			{Name: "template_body", Source: ModelFirst, Type: "string", Description: "Template to operate on"},
		},
	},
}

// ToolNames returns every tool the resolver knows, sorted for stable output.
func ToolNames() []string {
	names := make([]string, 0, len(toolSpecs))
	for n := range toolSpecs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
