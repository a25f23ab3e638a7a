package cloak

import (
	"regexp"
	"sync"

	"github.com/jmerrifield20/cloakgate/internal/domain/model"
)

// Classification is the binary outcome for a visitor.
type Classification string

const (
	ClassBot   Classification = "bot"
	ClassHuman Classification = "human"
)

// Rule names reported in Verdict.Rule.
const (
	RuleUABlock      = "ua"
	RuleBotSignature = "bot"
	RuleNone         = "unknown"
)

// builtinBotPattern matches common crawler, preview and automation agents.
var builtinBotPattern = regexp.MustCompile(`(?i)bot|crawl|slurp|spider|mediapartners|facebookexternalhit|headlesschrome|curl`)

// Verdict is the result of classifying one request.
type Verdict struct {
	Class Classification
	Rule  string
}

// Classifier decides whether a request comes from a bot.
type Classifier interface {
	Classify(userAgent string, rules model.Rules) Verdict
}

// ruleFunc inspects the user-agent and reports whether its rule matches.
type ruleFunc func(c *RuleBasedClassifier, userAgent string, rules model.Rules) (string, bool)

// RuleBasedClassifier runs a fixed list of rules in order; the first match
// classifies the request as a bot. Compiled override patterns are cached.
type RuleBasedClassifier struct {
	rules    []ruleFunc
	mu       sync.RWMutex
	compiled map[string]*regexp.Regexp // nil value marks an invalid pattern
}

// NewRuleBasedClassifier returns a classifier loaded with the default rules.
func NewRuleBasedClassifier() *RuleBasedClassifier {
	return &RuleBasedClassifier{
		rules: []ruleFunc{
			ruleUABlock,
			ruleBotSignature,
		},
		compiled: make(map[string]*regexp.Regexp),
	}
}

// Classify implements Classifier.
func (c *RuleBasedClassifier) Classify(userAgent string, rules model.Rules) Verdict {
	for _, r := range c.rules {
		if name, ok := r(c, userAgent, rules); ok {
			return Verdict{Class: ClassBot, Rule: name}
		}
	}
	return Verdict{Class: ClassHuman, Rule: RuleNone}
}

func ruleUABlock(c *RuleBasedClassifier, userAgent string, rules model.Rules) (string, bool) {
	if rules.UABlock == "" {
		return "", false
	}
	re := c.pattern(rules.UABlock)
	if re == nil || !re.MatchString(userAgent) {
		return "", false
	}
	return RuleUABlock, true
}

func ruleBotSignature(_ *RuleBasedClassifier, userAgent string, _ model.Rules) (string, bool) {
	if !builtinBotPattern.MatchString(userAgent) {
		return "", false
	}
	return RuleBotSignature, true
}

// pattern returns the compiled case-insensitive form of expr, or nil when
// expr does not compile.
func (c *RuleBasedClassifier) pattern(expr string) *regexp.Regexp {
	c.mu.RLock()
	re, ok := c.compiled[expr]
	c.mu.RUnlock()
	if ok {
		return re
	}

	re, err := regexp.Compile("(?i)" + expr)
	if err != nil {
		re = nil
	}
	c.mu.Lock()
	if len(c.compiled) > 10_000 {
		c.compiled = make(map[string]*regexp.Regexp)
	}
	c.compiled[expr] = re
	c.mu.Unlock()
	return re
}
