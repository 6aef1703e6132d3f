package classifier

import (
	"reflect"
	"strings"
	"testing"
)

const friendlyLong = "Давай разберёмся вместе: что нам дано в условии и какую формулу можно применить?"

func TestClassifyCleanAnswer(t *testing.T) {
	res := Classify("Помоги понять дроби", friendlyLong, "math")
	if res.Confidence != 1.0 || len(res.Issues) != 0 || res.NeedsReview {
		t.Fatalf("expected clean result, got %+v", res)
	}
}

func TestClassifyRules(t *testing.T) {
	cases := []struct {
		name     string
		question string
		answer   string
		subject  string
		want     float64
		issues   []string
	}{
		{
			name:     "short",
			question: "что такое глагол",
			answer:   "Давай подумаем.",
			subject:  "russian",
			want:     0.8,
			issues:   []string{IssueTooShort},
		},
		{
			name:     "no working on numeric subject",
			question: "реши задачу про поезд",
			answer:   friendlyLong,
			subject:  "physics",
			want:     0.7,
			issues:   []string{IssueNoWorking},
		},
		{
			name:     "no working ignored for non-numeric subject",
			question: "реши задачу про поезд",
			answer:   friendlyLong,
			subject:  "history",
			want:     1.0,
			issues:   []string{},
		},
		{
			name:     "full solution",
			question: "Реши уравнение x + 2 = 5",
			answer:   "Отлично, смотри: переносим 2 вправо, x = 5 - 2. Ответ: 3, проверь подстановкой.",
			subject:  "math",
			want:     0.6,
			issues:   []string{IssueFullSolution},
		},
		{
			name:     "unfriendly",
			question: "explain photosynthesis",
			answer:   strings.Repeat("Plants convert light into chemical energy. ", 2),
			subject:  "biology",
			want:     0.9,
			issues:   []string{IssueUnfriendly},
		},
		{
			name:     "floored at zero",
			question: "solve 2+2",
			answer:   "Answer: 4",
			subject:  "math",
			want:     0.0,
			issues:   []string{IssueTooShort, IssueNoWorking, IssueFullSolution, IssueUnfriendly},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := Classify(tc.question, tc.answer, tc.subject)
			if res.Confidence != tc.want {
				t.Fatalf("confidence=%v, want %v (issues %v)", res.Confidence, tc.want, res.Issues)
			}
			if !reflect.DeepEqual(res.Issues, tc.issues) {
				t.Fatalf("issues=%v, want %v", res.Issues, tc.issues)
			}
			if res.NeedsReview != (tc.want < ReviewThreshold) {
				t.Fatalf("needsReview=%v for confidence %v", res.NeedsReview, tc.want)
			}
		})
	}
}

func TestClassifyDeterministic(t *testing.T) {
	q, a, s := "реши задачу", "Ответ: 42", "math"
	first := Classify(q, a, s)
	for i := 0; i < 10; i++ {
		if got := Classify(q, a, s); !reflect.DeepEqual(got, first) {
			t.Fatalf("classify is not deterministic: %+v vs %+v", got, first)
		}
	}
}
