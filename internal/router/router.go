// Package router decides which agent driver handles a task.
package router

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/agenthub/agenthub/internal/common/logger"
)

// Plan is a routing recommendation for a task.
type Plan struct {
	Task              string   `json:"task"`
	Intent            string   `json:"intent"`
	Complexity        float64  `json:"complexity"`
	RequiresMultiple  bool     `json:"requires_multiple"`
	RecommendedAgents []string `json:"recommended_agents"`
	Parallel          bool     `json:"parallel"`
	EstimatedTokens   int      `json:"estimated_tokens"`
}

// Provider produces routing plans. The keyword router is the default;
// an LLM-backed provider satisfies the same interface.
type Provider interface {
	Plan(ctx context.Context, task string, available []string, taskContext map[string]any) (*Plan, error)
}

// Intent categories.
const (
	IntentCode     = "code"
	IntentResearch = "research"
	IntentAnalysis = "analysis"
	IntentCreative = "creative"
	IntentTerminal = "terminal"
	IntentGeneral  = "general"
)

// intentKeywords maps each intent to its trigger keywords.
var intentKeywords = map[string][]string{
	IntentCode:     {"code", "program", "function", "debug", "refactor", "implement"},
	IntentResearch: {"research", "find", "search", "learn", "discover"},
	IntentAnalysis: {"analyze", "explain", "why does", "how does", "how can", "understand"},
	IntentCreative: {"create", "imagine", "brainstorm", "design", "generate"},
	IntentTerminal: {"terminal", "command", "shell", "bash", "run"},
}

// intentPriority orders classification checks, most specific first.
var intentPriority = []string{IntentCode, IntentTerminal, IntentResearch, IntentCreative, IntentAnalysis}

// defaultPreferences maps intents to preferred driver kinds.
var defaultPreferences = map[string]string{
	IntentCode:     "claude",
	IntentResearch: "claude",
	IntentAnalysis: "claude",
	IntentCreative: "gemini",
	IntentTerminal: "claude",
	IntentGeneral:  "claude",
}

// KeywordRouter is a rule-based Provider matching task keywords against
// intent tables.
type KeywordRouter struct {
	preferences map[string]string
	log         *logger.Logger
}

// NewKeywordRouter creates a keyword router. Preference overrides replace
// the default per-intent driver choices.
func NewKeywordRouter(preferences map[string]string, log *logger.Logger) *KeywordRouter {
	if log == nil {
		log = logger.Default()
	}
	prefs := make(map[string]string, len(defaultPreferences))
	for intent, kind := range defaultPreferences {
		prefs[intent] = kind
	}
	for intent, kind := range preferences {
		prefs[intent] = kind
	}
	return &KeywordRouter{
		preferences: prefs,
		log:         log.WithFields(zap.String("component", "router")),
	}
}

// ClassifyIntent matches the task against the keyword tables in priority
// order and falls back to general.
func (r *KeywordRouter) ClassifyIntent(task string) string {
	taskLower := strings.ToLower(task)
	for _, intent := range intentPriority {
		for _, keyword := range intentKeywords[intent] {
			if strings.Contains(taskLower, keyword) {
				return intent
			}
		}
	}
	return IntentGeneral
}

// SelectDriver picks a driver kind for the task. A preferred kind wins when
// available; otherwise the intent's default; otherwise the first available
// kind in sorted order.
func (r *KeywordRouter) SelectDriver(task string, available []string, preferred string) string {
	if len(available) == 0 {
		return ""
	}
	has := func(kind string) bool {
		for _, a := range available {
			if a == kind {
				return true
			}
		}
		return false
	}

	if preferred != "" && has(preferred) {
		return preferred
	}

	intent := r.ClassifyIntent(task)
	if kind, ok := r.preferences[intent]; ok && has(kind) {
		return kind
	}

	sorted := append([]string(nil), available...)
	sort.Strings(sorted)
	return sorted[0]
}

// Plan classifies the task and recommends a single driver. The keyword
// router never recommends multiple agents; that remains an explicit caller
// choice.
func (r *KeywordRouter) Plan(_ context.Context, task string, available []string, _ map[string]any) (*Plan, error) {
	intent := r.ClassifyIntent(task)
	selected := r.SelectDriver(task, available, "")

	plan := &Plan{
		Task:             task,
		Intent:           intent,
		Complexity:       0.5,
		RequiresMultiple: false,
		Parallel:         false,
		EstimatedTokens:  len(task)/4 + 500,
	}
	if selected != "" {
		plan.RecommendedAgents = []string{selected}
	}

	r.log.Debug("routed task",
		zap.String("intent", intent),
		zap.String("driver", selected))
	return plan, nil
}
