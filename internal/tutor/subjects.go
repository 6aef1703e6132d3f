package tutor

import "strings"

type Subject struct {
	Code    string `json:"code"`
	Name    string `json:"name"`
	Numeric bool   `json:"numeric"`
}

var subjects = []Subject{
	{Code: "math", Name: "Математика", Numeric: true},
	{Code: "russian", Name: "Русский язык"},
	{Code: "english", Name: "Английский язык"},
	{Code: "physics", Name: "Физика", Numeric: true},
	{Code: "chemistry", Name: "Химия", Numeric: true},
	{Code: "biology", Name: "Биология"},
	{Code: "history", Name: "История"},
	{Code: "literature", Name: "Литература"},
	{Code: "french", Name: "Французский язык"},
}

func Subjects() []Subject {
	out := make([]Subject, len(subjects))
	copy(out, subjects)
	return out
}

func LookupSubject(code string) (Subject, bool) {
	code = strings.ToLower(strings.TrimSpace(code))
	for _, s := range subjects {
		if s.Code == code {
			return s, true
		}
	}
	return Subject{}, false
}
