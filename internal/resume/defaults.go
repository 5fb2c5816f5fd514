package resume

import (
	"github.com/rendis/agentrt/internal/mapping"
	"github.com/rendis/agentrt/internal/skill"
)

func rule(from string, policy mapping.Policy, to ...string) mapping.Rule {
	r := mapping.Rule{From: mapping.PathList{from}, OnConflict: policy}
	for _, t := range to {
		r.To = append(r.To, mapping.Target{Target: t})
	}
	return r
}

var releasedRules = []mapping.Rule{
	rule("event.data.human_text", mapping.PolicyOverwrite, "resume.human_text"),
	rule("event.data.metadata.qa_form_to_agent", mapping.PolicyOverwrite, "resume.qa_form_to_agent"),
	rule("event.data.metadata.notification_to_agent", mapping.PolicyOverwrite, "resume.notification_to_agent"),
	rule("event.data.metadata.params", mapping.PolicyMergeDeep, "resume.params", "state.attributes.params"),
	rule("event.data.raw.data", mapping.PolicyMergeDeep, "resume.data"),
	rule("event.tag", mapping.PolicyOverwrite, "resume.i_tag"),
	rule("event.data.raw.correlation_id", mapping.PolicyOverwrite, "resume.correlation_id"),
	rule("event.data.raw.result", mapping.PolicyOverwrite, "resume.result"),
	rule("event.data.raw.error", mapping.PolicyOverwrite, "resume.error"),
	rule("event.type", mapping.PolicyOverwrite, "resume.event_type"),
}

var developingRules = []mapping.Rule{
	rule("event.context", mapping.PolicyMergeDeep, "resume.debug.context"),
	rule("event.timestamp", mapping.PolicyOverwrite, "resume.debug.received_at"),
	rule("event.source", mapping.PolicyOverwrite, "resume.debug.source"),
	rule("state.attributes.__this_node__.name", mapping.PolicyOverwrite, "resume.debug.node"),
}

// Defaults returns the built-in rule set for runMode. Developing mode adds
// debug fields under resume.debug.
func Defaults(runMode string) *mapping.RuleSet {
	rules := append([]mapping.Rule(nil), releasedRules...)
	if runMode == skill.RunModeDeveloping {
		rules = append(rules, developingRules...)
	}
	return &mapping.RuleSet{Mappings: rules}
}
