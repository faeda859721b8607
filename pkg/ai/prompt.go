package ai

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

const (
	maxCodeLength    = 30000
	maxProblemLength = 10000
	maxOutputLength  = 10000
	truncationMarker = "\n... [truncated]"
)

const noSolutionRules = `**Critical Rules:**
- Do NOT provide corrected code or direct solutions
- Explain WHY the logic is flawed so the student can find the fix
- Be educational and supportive
`

var statementPolicy = bluemonday.StrictPolicy()

// truncate caps text at limit runes and appends the truncation marker.
func truncate(text string, limit int) string {
	if text == "" {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + truncationMarker
}

// plainStatement strips markup from a professor authored problem statement.
func plainStatement(statement string) string {
	return strings.TrimSpace(html.UnescapeString(statementPolicy.Sanitize(statement)))
}

// BuildPrompt renders the tutor prompt for the input's verdict. Inputs are
// truncated before rendering, the same way for every call path.
func BuildPrompt(input FeedbackInput) (Verdict, string) {
	verdict := ClassifyVerdict(input.Result)
	language := strings.TrimSpace(input.Language)
	code := truncate(input.SourceCode, maxCodeLength)
	problem := truncate(plainStatement(input.ProblemStatement), maxProblemLength)

	builder := strings.Builder{}
	switch verdict {
	case VerdictAccepted:
		builder.WriteString("You are an expert programming tutor. The student got it right. Review this code for cleanliness and efficiency.\n\n")
		writeContext(&builder, language, problem, code)
		builder.WriteString("**Instructions:**\nProvide constructive feedback on:\n")
		builder.WriteString("1. **Code Quality** - readability, naming and organisation\n")
		builder.WriteString("2. **Efficiency** - time and space complexity, with optimisations if applicable\n")
		builder.WriteString("3. **Best Practices** - " + language + " specific improvements or modern patterns\n")
		builder.WriteString("4. **Strengths** - what they did well\n\n")
		builder.WriteString("Keep the feedback concise and actionable. Start by congratulating the student, then give your review.\n")
	case VerdictError:
		builder.WriteString("You are an expert programming tutor helping a student understand an error their code produced.\n\n")
		writeContext(&builder, language, problem, code)
		builder.WriteString("**Error Message:**\n```\n")
		builder.WriteString(truncate(input.ErrorMessage, maxOutputLength))
		builder.WriteString("\n```\n\n")
		builder.WriteString("**Instructions:**\n")
		builder.WriteString("1. **Error Explanation** - what the message means in beginner friendly terms and what kind of error it is\n")
		builder.WriteString("2. **Likely Location & Cause** - which part of the code most likely triggered it\n")
		builder.WriteString("3. **How to Debug This** - concrete steps and guiding questions\n")
		builder.WriteString("4. **Understanding This Error Type** - common causes and how to avoid them\n\n")
		builder.WriteString(noSolutionRules)
	default:
		builder.WriteString("You are an expert programming tutor helping a student understand why their code produced incorrect output.\n\n")
		writeContext(&builder, language, problem, code)
		builder.WriteString("**Expected Output:**\n```\n")
		builder.WriteString(truncate(input.ExpectedOutput, maxOutputLength))
		builder.WriteString("\n```\n\n**Student's Actual Output:**\n```\n")
		builder.WriteString(truncate(input.ActualOutput, maxOutputLength))
		builder.WriteString("\n```\n\n")
		builder.WriteString("**Instructions:**\n")
		builder.WriteString("1. **Identify the Logic Flaw** - explain conceptually what is wrong with the approach\n")
		builder.WriteString("2. **Analyze the Discrepancy** - compare expected and actual output and explain the difference\n")
		builder.WriteString("3. **Guide Their Thinking** - ask questions that lead toward understanding\n\n")
		builder.WriteString(noSolutionRules)
	}
	builder.WriteString("\n**Response:**")
	return verdict, builder.String()
}

func writeContext(builder *strings.Builder, language, problem, code string) {
	builder.WriteString("**Programming Language:** ")
	builder.WriteString(language)
	builder.WriteString("\n\n**Problem:**\n")
	builder.WriteString(problem)
	builder.WriteString("\n\n**Student's Code:**\n```")
	builder.WriteString(language)
	builder.WriteString("\n")
	builder.WriteString(code)
	builder.WriteString("\n```\n\n")
}
