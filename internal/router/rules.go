package router

import (
	"encoding/json"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// DefaultRulePriority is assigned to rules that do not specify a priority.
const DefaultRulePriority = 999

// Rule is one declarative routing rule. Conditions map an email field to a
// matcher value; a rule with no conditions matches every email.
type Rule struct {
	Name           string                 `json:"name"`
	Conditions     map[string]interface{} `json:"conditions"`
	Webhook        string                 `json:"webhook"`
	Priority       int                    `json:"priority"`
	StopProcessing bool                   `json:"stopProcessing"`

	compiled map[string]condition
}

// condition is a single compiled (field, matcher) pair.
type condition struct {
	headerName string // set only for the header field
	matcher    matcher
}

// matcher is the tagged variant a condition value compiles into.
type matcher struct {
	kind matchKind
	// exact value, lowercased, for kindExact
	exact string
	// compiled pattern for kindWildcard and kindRegex; nil means the regex
	// literal failed to compile and the condition never matches
	re *regexp.Regexp
}

type matchKind int

const (
	kindExact matchKind = iota
	kindWildcard
	kindRegex
)

// regexLiteral recognizes /pattern/flags condition values. A lone "/" or a
// value without a closing slash is not a literal and falls through to exact
// matching.
var regexLiteral = regexp.MustCompile(`^/(.+)/([a-z]*)$`)

// compileMatcher turns a raw condition string into its matcher variant.
func compileMatcher(value string) matcher {
	if m := regexLiteral.FindStringSubmatch(value); m != nil {
		pattern, flags := m[1], m[2]
		var prefix string
		for _, f := range flags {
			switch f {
			case 'i':
				prefix += "i"
			case 's':
				prefix += "s"
			case 'm':
				prefix += "m"
			}
		}
		if prefix != "" {
			pattern = "(?" + prefix + ")" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			// Invalid pattern: the condition evaluates to false without
			// aborting the rest of the rule.
			return matcher{kind: kindRegex, re: nil}
		}
		return matcher{kind: kindRegex, re: re}
	}

	if strings.Contains(value, "*") {
		escaped := regexp.QuoteMeta(value)
		pattern := "(?i)^" + strings.ReplaceAll(escaped, `\*`, ".*") + "$"
		re, err := regexp.Compile(pattern)
		if err != nil {
			return matcher{kind: kindWildcard, re: nil}
		}
		return matcher{kind: kindWildcard, re: re}
	}

	return matcher{kind: kindExact, exact: strings.ToLower(value)}
}

// matches applies the matcher to one candidate value.
func (m matcher) matches(value string) bool {
	switch m.kind {
	case kindExact:
		return strings.ToLower(value) == m.exact
	default:
		if m.re == nil {
			return false
		}
		return m.re.MatchString(value)
	}
}

// compile precompiles every condition of the rule. Condition values that are
// not strings (other than the header object form) are compared via their
// string rendering.
func (r *Rule) compile() {
	r.compiled = make(map[string]condition, len(r.Conditions))
	for field, raw := range r.Conditions {
		c := condition{}
		if strings.EqualFold(field, "header") {
			if obj, ok := raw.(map[string]interface{}); ok {
				c.headerName, _ = obj["name"].(string)
				c.matcher = compileMatcher(stringify(obj["value"]))
				r.compiled[field] = c
				continue
			}
		}
		c.matcher = compileMatcher(stringify(raw))
		r.compiled[field] = c
	}
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

// ParseRules ingests the WEBHOOK_RULES value. Accepted shapes: a JSON array,
// a JSON object with a "rules" array, or a native list already decoded from
// the config file. Malformed input yields an empty rule list; routing then
// relies on the default URL alone.
func ParseRules(raw interface{}) []Rule {
	var rules []Rule

	switch v := raw.(type) {
	case nil:
		return nil
	case string:
		if strings.TrimSpace(v) == "" {
			return nil
		}
		rules = parseJSONRules([]byte(v))
	case []byte:
		rules = parseJSONRules(v)
	case []interface{}:
		data, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		rules = parseJSONRules(data)
	default:
		return nil
	}

	for i := range rules {
		rules[i].compile()
	}

	// Ascending priority; ties keep configuration order.
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority < rules[j].Priority
	})

	return rules
}

// ruleJSON distinguishes an absent priority from an explicit zero.
type ruleJSON struct {
	Name           string                 `json:"name"`
	Conditions     map[string]interface{} `json:"conditions"`
	Webhook        string                 `json:"webhook"`
	Priority       *int                   `json:"priority"`
	StopProcessing bool                   `json:"stopProcessing"`
}

func parseJSONRules(data []byte) []Rule {
	var list []ruleJSON
	if err := json.Unmarshal(data, &list); err != nil {
		var wrapper struct {
			Rules []ruleJSON `json:"rules"`
		}
		if err := json.Unmarshal(data, &wrapper); err != nil {
			return nil
		}
		list = wrapper.Rules
	}

	rules := make([]Rule, 0, len(list))
	for _, rj := range list {
		priority := DefaultRulePriority
		if rj.Priority != nil {
			priority = *rj.Priority
		}
		rules = append(rules, Rule{
			Name:           rj.Name,
			Conditions:     rj.Conditions,
			Webhook:        rj.Webhook,
			Priority:       priority,
			StopProcessing: rj.StopProcessing,
		})
	}
	return rules
}
