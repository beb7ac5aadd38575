package orchestrator

import (
	"fmt"
	"strings"

	"github.com/agenthub/agenthub/internal/fleet"
)

const (
	panelWidth   = 68
	contentWidth = 66
	headerWidth  = 70
)

// formatMultiResults renders agent results as side-by-side panels with a
// totals footer. A single result is returned as-is.
func formatMultiResults(results []*fleet.Instance, task string) string {
	if len(results) == 0 {
		return "No results from agents"
	}
	if len(results) == 1 {
		return responseOf(results[0])
	}

	rule := strings.Repeat("=", headerWidth)
	var out []string
	out = append(out,
		"",
		rule,
		fmt.Sprintf("Results from %d agents", len(results)),
		"Task: "+task,
		rule,
		"",
	)

	for i, inst := range results {
		out = append(out, formatPanel(i+1, inst)...)
	}

	var totalCost float64
	var totalTokens int64
	var totalSeconds float64
	for _, inst := range results {
		if inst.Result != nil {
			totalCost += inst.Result.Cost
			totalTokens += inst.Result.TokensUsed
		}
		totalSeconds += durationSeconds(inst)
	}
	avgTime := totalSeconds / float64(len(results))

	out = append(out,
		"",
		rule,
		fmt.Sprintf("Total Cost: $%.4f | Total Tokens: %d", totalCost, totalTokens),
		fmt.Sprintf("Average Time: %.2fs", avgTime),
		rule,
		"",
	)
	return strings.Join(out, "\n")
}

func formatPanel(n int, inst *fleet.Instance) []string {
	name := inst.DriverKind
	pad := 50 - len(name)
	if pad < 0 {
		pad = 0
	}

	var tokens int64
	var cost float64
	toolCount := 0
	if inst.Result != nil {
		tokens = inst.Result.TokensUsed
		cost = inst.Result.Cost
		toolCount = inst.Result.ToolUseCount
	}

	lines := []string{
		"",
		fmt.Sprintf("┌─ Agent %d: %s %s┐", n, name, strings.Repeat("─", pad)),
		fmt.Sprintf("│ Time: %.2fs | Tokens: %d | Cost: $%.4f", durationSeconds(inst), tokens, cost),
		fmt.Sprintf("│ Tools used: %d", toolCount),
		"├" + strings.Repeat("─", panelWidth) + "┤",
	}
	for _, line := range strings.Split(responseOf(inst), "\n") {
		lines = append(lines, wrapPanelLine(line)...)
	}
	lines = append(lines, "└"+strings.Repeat("─", panelWidth)+"┘")
	return lines
}

func responseOf(inst *fleet.Instance) string {
	if inst.State == fleet.StateFailed {
		return "Failed: " + inst.Err
	}
	if inst.Result == nil {
		return ""
	}
	return inst.Result.Response
}

func durationSeconds(inst *fleet.Instance) float64 {
	if inst.Result != nil {
		return inst.Result.Duration.Seconds()
	}
	if inst.CompletedAt != nil {
		return inst.CompletedAt.Sub(inst.SpawnedAt).Seconds()
	}
	return 0
}

// wrapPanelLine boxes one response line, word-wrapping anything wider than
// the panel.
func wrapPanelLine(line string) []string {
	if len(line) <= contentWidth {
		return []string{fmt.Sprintf("│ %-*s │", contentWidth, line)}
	}

	var wrapped []string
	current := "│ "
	for _, word := range strings.Fields(line) {
		if len(current)+len(word)+1 <= panelWidth {
			current += word + " "
		} else {
			wrapped = append(wrapped, fmt.Sprintf("%-*s │", panelWidth, current))
			current = "│ " + word + " "
		}
	}
	if strings.TrimSpace(current) != "│" {
		wrapped = append(wrapped, fmt.Sprintf("%-*s │", panelWidth, current))
	}
	return wrapped
}
