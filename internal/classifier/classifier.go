// Package classifier scores tutor answers for pedagogical fit. Scoring is a
// pure function of its inputs.
package classifier

import (
	"math"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// ReviewThreshold is the confidence below which an answer is flagged.
	ReviewThreshold = 0.7

	minResponseRunes = 50
)

const (
	IssueTooShort     = "response_too_short"
	IssueNoWorking    = "no_working_shown"
	IssueFullSolution = "full_solution_given"
	IssueUnfriendly   = "unfriendly_tone"
)

type Result struct {
	Confidence  float64  `json:"confidence"`
	Issues      []string `json:"issues"`
	NeedsReview bool     `json:"needsReview"`
}

type input struct {
	question string
	answer   string
	subject  string
}

type rule struct {
	issue   string
	penalty float64
	match   func(in input) bool
}

var rules = []rule{
	{issue: IssueTooShort, penalty: 0.2, match: tooShort},
	{issue: IssueNoWorking, penalty: 0.3, match: noWorkingShown},
	{issue: IssueFullSolution, penalty: 0.4, match: givesFullSolution},
	{issue: IssueUnfriendly, penalty: 0.1, match: unfriendly},
}

var numericSubjects = map[string]bool{
	"math":      true,
	"physics":   true,
	"chemistry": true,
}

var solveKeywords = []string{
	"solve", "calculate", "compute", "find the value",
	"реши", "решить", "вычисли", "посчитай", "найди", "задач",
}

var friendlyWords = []string{
	"great", "well done", "good job", "let's", "try", "awesome", "nice",
	"отлично", "молодец", "хорошо", "давай", "попробуй", "супер", "здорово",
}

var (
	operatorPattern   = regexp.MustCompile(`[+\-*/=×÷^]`)
	fullAnswerPattern = regexp.MustCompile(`(?i)(answer|ответ)\s*[:=]\s*-?\d+([.,]\d+)?`)
)

// Classify starts at full confidence and subtracts the penalty of every rule
// that fires, in rule order, flooring at zero.
func Classify(question, answer, subject string) Result {
	in := input{
		question: strings.ToLower(question),
		answer:   answer,
		subject:  strings.ToLower(strings.TrimSpace(subject)),
	}

	confidence := 1.0
	issues := make([]string, 0, len(rules))
	for _, r := range rules {
		if r.match(in) {
			confidence -= r.penalty
			issues = append(issues, r.issue)
		}
	}
	// Penalties are tenths; rounding keeps 1.0-0.3 at 0.7, not 0.69999.
	confidence = math.Max(0, math.Round(confidence*100)/100)

	return Result{
		Confidence:  confidence,
		Issues:      issues,
		NeedsReview: NeedsReview(confidence),
	}
}

func NeedsReview(confidence float64) bool {
	return confidence < ReviewThreshold
}

func tooShort(in input) bool {
	return utf8.RuneCountInString(in.answer) < minResponseRunes
}

func noWorkingShown(in input) bool {
	if !numericSubjects[in.subject] || !asksToSolve(in.question) {
		return false
	}
	return !operatorPattern.MatchString(in.answer)
}

func givesFullSolution(in input) bool {
	return asksToSolve(in.question) && fullAnswerPattern.MatchString(in.answer)
}

func unfriendly(in input) bool {
	lower := strings.ToLower(in.answer)
	for _, w := range friendlyWords {
		if strings.Contains(lower, w) {
			return false
		}
	}
	return true
}

func asksToSolve(lowerQuestion string) bool {
	for _, k := range solveKeywords {
		if strings.Contains(lowerQuestion, k) {
			return true
		}
	}
	return false
}
