// Package router evaluates the declarative rule set against a parsed email
// and produces the ordered webhook fan-out list. Evaluation is pure: the
// same email and rule set always yield the same decision.
package router

import (
	"encoding/json"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/mailhook-dev/mailhook/internal/model"
)

// DefaultTargetPriority is assigned to the synthesized default-URL target.
// It intentionally differs from DefaultRulePriority.
const DefaultTargetPriority = 9999

// DefaultRuleName labels the synthesized default-URL target.
const DefaultRuleName = "default"

// Target is one entry of a routing decision.
type Target struct {
	Webhook  string `json:"webhook"`
	RuleName string `json:"ruleName"`
	Priority int    `json:"priority"`
}

// Router holds a compiled, priority-sorted rule list plus the fallback URL.
type Router struct {
	rules             []Rule
	defaultURL        string
	allowInsecureHTTP bool
	logger            *slog.Logger
}

// New builds a Router from the raw WEBHOOK_RULES value and the default URL.
func New(rawRules interface{}, defaultURL string, allowInsecureHTTP bool, logger *slog.Logger) *Router {
	rules := ParseRules(rawRules)
	logger = logger.With("component", "router")
	logger.Info("webhook rules loaded", "rules", len(rules), "default_url", defaultURL != "")
	return &Router{
		rules:             rules,
		defaultURL:        defaultURL,
		allowInsecureHTTP: allowInsecureHTTP,
		logger:            logger,
	}
}

// Rules exposes the compiled rule list in evaluation order.
func (r *Router) Rules() []Rule {
	return r.rules
}

// Route walks the sorted rules, collecting every match until a matching rule
// sets stopProcessing. An empty match list falls back to the default URL.
// Plain-HTTP targets are dropped unless insecure HTTP is allowed; the
// decision may therefore be empty, which the dispatcher surfaces as an
// error.
func (r *Router) Route(email *model.ParsedEmail) []Target {
	targets := make([]Target, 0, 1)

	for i := range r.rules {
		rule := &r.rules[i]
		if !r.ruleMatches(rule, email) {
			continue
		}
		targets = append(targets, Target{
			Webhook:  rule.Webhook,
			RuleName: rule.Name,
			Priority: rule.Priority,
		})
		if rule.StopProcessing {
			break
		}
	}

	if len(targets) == 0 && r.defaultURL != "" {
		targets = append(targets, Target{
			Webhook:  r.defaultURL,
			RuleName: DefaultRuleName,
			Priority: DefaultTargetPriority,
		})
	}

	allowed := targets[:0]
	for _, t := range targets {
		if r.urlAllowed(t.Webhook) {
			allowed = append(allowed, t)
		} else {
			r.logger.Warn("dropping insecure webhook target", "webhook", t.Webhook, "rule", t.RuleName)
		}
	}

	return allowed
}

func (r *Router) urlAllowed(raw string) bool {
	if r.allowInsecureHTTP {
		return true
	}
	u, err := url.Parse(raw)
	if err != nil {
		return true
	}
	return !strings.EqualFold(u.Scheme, "http")
}

// ruleMatches applies every compiled condition; all must hold.
func (r *Router) ruleMatches(rule *Rule, email *model.ParsedEmail) bool {
	for field, cond := range rule.compiled {
		if !conditionHolds(field, cond, email) {
			return false
		}
	}
	return true
}

func conditionHolds(field string, cond condition, email *model.ParsedEmail) bool {
	var candidates []string

	switch strings.ToLower(field) {
	case "from":
		candidates = addressCandidates(email.From)
	case "to":
		candidates = addressCandidates(email.To)
	case "cc":
		candidates = addressCandidates(email.Cc)
	case "subject":
		candidates = []string{email.Subject}
	case "hasattachments":
		candidates = []string{strconv.FormatBool(email.HasAttachments())}
	case "header":
		candidates = email.Headers.Get(cond.headerName)
	default:
		candidates = dotPath(email, field)
	}

	for _, c := range candidates {
		if cond.matcher.matches(c) {
			return true
		}
	}
	return false
}

// addressCandidates flattens an address header into matchable strings: the
// raw text plus each decoded address.
func addressCandidates(list *model.AddressList) []string {
	if list == nil {
		return nil
	}
	out := make([]string, 0, len(list.Value)+1)
	if list.Text != "" {
		out = append(out, list.Text)
	}
	for _, a := range list.Value {
		out = append(out, a.Address)
	}
	return out
}

// dotPath resolves an arbitrary condition field against the email's JSON
// representation, e.g. "storageSummary.total" or "from.value.address".
// Traversing a list propagates the lookup to every element.
func dotPath(email *model.ParsedEmail, path string) []string {
	data, err := json.Marshal(email)
	if err != nil {
		return nil
	}
	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil
	}

	values := []interface{}{generic}
	for _, seg := range strings.Split(path, ".") {
		var next []interface{}
		for _, v := range values {
			switch t := v.(type) {
			case map[string]interface{}:
				if child, ok := t[seg]; ok {
					next = append(next, child)
				}
			case []interface{}:
				for _, elem := range t {
					if obj, ok := elem.(map[string]interface{}); ok {
						if child, ok := obj[seg]; ok {
							next = append(next, child)
						}
					}
				}
			}
		}
		values = next
		if len(values) == 0 {
			return nil
		}
	}

	out := make([]string, 0, len(values))
	for _, v := range values {
		switch t := v.(type) {
		case []interface{}:
			for _, elem := range t {
				out = append(out, stringify(elem))
			}
		default:
			out = append(out, stringify(v))
		}
	}
	return out
}
