package agents

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/pilothouse-ai/pilothouse/pkg/errors"
	"github.com/pilothouse-ai/pilothouse/pkg/models"
)

// TaskKinds maps each agent kind to the task kinds it serves, in the
// order they are advertised.
var TaskKinds = map[models.AgentKind][]string{
	models.AgentSales:      {"qualify_lead", "analyze_pipeline", "generate_proposal"},
	models.AgentMarketing:  {"create_campaign", "optimize_campaign"},
	models.AgentContent:    {"generate_content"},
	models.AgentAnalytics:  {"analyze_data"},
	models.AgentOperations: {"automate_workflow", "process_invoice", "onboard_client"},
}

// AgentFor returns the agent kind serving a task kind
func AgentFor(taskKind string) (models.AgentKind, bool) {
	for agent, kinds := range TaskKinds {
		for _, k := range kinds {
			if k == taskKind {
				return agent, true
			}
		}
	}
	return "", false
}

// payloadSchemas holds the raw JSON Schema per task kind. Schemas are
// deliberately permissive beyond the named fields: payloads carry
// customer data whose shape we do not own.
var payloadSchemas = map[string]string{
	"qualify_lead": `{
		"type": "object",
		"required": ["lead"],
		"properties": {
			"lead": {"type": "object", "required": ["name"], "properties": {
				"name":    {"type": "string", "minLength": 1},
				"company": {"type": "string"},
				"email":   {"type": "string"},
				"notes":   {"type": "string"}
			}},
			"criteria": {"type": "array", "items": {"type": "string"}}
		}
	}`,
	"analyze_pipeline": `{
		"type": "object",
		"required": ["deals"],
		"properties": {
			"deals": {"type": "array", "minItems": 1, "items": {"type": "object", "required": ["name", "stage"], "properties": {
				"name":  {"type": "string"},
				"stage": {"type": "string"},
				"value": {"type": "number", "minimum": 0}
			}}},
			"period": {"type": "string"}
		}
	}`,
	"generate_proposal": `{
		"type": "object",
		"required": ["client", "scope"],
		"properties": {
			"client": {"type": "string", "minLength": 1},
			"scope":  {"type": "string", "minLength": 1},
			"budget": {"type": "number", "minimum": 0},
			"tone":   {"type": "string", "enum": ["formal", "friendly", "technical"]}
		}
	}`,
	"create_campaign": `{
		"type": "object",
		"required": ["objective", "audience"],
		"properties": {
			"objective": {"type": "string", "minLength": 1},
			"audience":  {"type": "string", "minLength": 1},
			"channels":  {"type": "array", "items": {"type": "string"}},
			"budget":    {"type": "number", "minimum": 0}
		}
	}`,
	"optimize_campaign": `{
		"type": "object",
		"required": ["campaign", "metrics"],
		"properties": {
			"campaign": {"type": "string", "minLength": 1},
			"metrics":  {"type": "object"},
			"goal":     {"type": "string"}
		}
	}`,
	"generate_content": `{
		"type": "object",
		"required": ["topic", "format"],
		"properties": {
			"topic":    {"type": "string", "minLength": 1},
			"format":   {"type": "string", "enum": ["blog_post", "email", "social_post", "landing_page", "newsletter"]},
			"keywords": {"type": "array", "items": {"type": "string"}},
			"length":   {"type": "string", "enum": ["short", "medium", "long"]}
		}
	}`,
	"analyze_data": `{
		"type": "object",
		"required": ["dataset"],
		"properties": {
			"dataset":   {"type": "array", "minItems": 1},
			"questions": {"type": "array", "items": {"type": "string"}},
			"format":    {"type": "string"}
		}
	}`,
	"automate_workflow": `{
		"type": "object",
		"required": ["workflow"],
		"properties": {
			"workflow": {"type": "object", "required": ["steps"], "properties": {
				"name":  {"type": "string"},
				"steps": {"type": "array", "minItems": 1, "items": {"type": "object", "required": ["action"]}}
			}},
			"trigger": {"type": "string"}
		}
	}`,
	"process_invoice": `{
		"type": "object",
		"required": ["invoice"],
		"properties": {
			"invoice": {"type": "object", "required": ["number", "amount"], "properties": {
				"number":   {"type": "string", "minLength": 1},
				"amount":   {"type": "number", "minimum": 0},
				"currency": {"type": "string"},
				"vendor":   {"type": "string"}
			}}
		}
	}`,
	"onboard_client": `{
		"type": "object",
		"required": ["client"],
		"properties": {
			"client": {"type": "object", "required": ["name"], "properties": {
				"name":    {"type": "string", "minLength": 1},
				"contact": {"type": "string"},
				"plan":    {"type": "string"}
			}},
			"checklist": {"type": "array", "items": {"type": "string"}}
		}
	}`,
}

// compiled schemas, built once at package init
var compiledSchemas = func() map[string]*gojsonschema.Schema {
	out := make(map[string]*gojsonschema.Schema, len(payloadSchemas))
	for kind, raw := range payloadSchemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
		if err != nil {
			panic(fmt.Sprintf("agents: schema for %s does not compile: %v", kind, err))
		}
		out[kind] = schema
	}
	return out
}()

// ValidatePayload checks a task payload against the schema for its task
// kind and confirms the kind belongs to the agent. Violations come back
// as Validation errors with the offending fields attached.
func ValidatePayload(agent models.AgentKind, taskKind string, payload models.JSONMap) error {
	owner, ok := AgentFor(taskKind)
	if !ok {
		return errUnknownTaskKind(agent, taskKind)
	}
	if owner != agent {
		return errors.Newf(errors.KindValidation, "task kind %q belongs to the %s agent", taskKind, owner).
			WithField("kind", taskKind)
	}

	schema := compiledSchemas[taskKind]
	result, err := schema.Validate(gojsonschema.NewGoLoader(map[string]interface{}(payload)))
	if err != nil {
		return errors.Wrap(err, errors.KindValidation, "payload is not a JSON object")
	}
	if result.Valid() {
		return nil
	}

	e := errors.Newf(errors.KindValidation, "payload fails the %s schema", taskKind)
	for _, violation := range result.Errors() {
		field := violation.Field()
		if field == "(root)" {
			field = "payload"
		}
		e.WithField(field, violation.Description())
	}
	return e
}
