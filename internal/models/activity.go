package models

import (
	"time"

	"gorm.io/datatypes"
)

// TestCase is one stdin / expected stdout pair declared on an activity.
type TestCase struct {
	Input          string `json:"input"`
	ExpectedOutput string `json:"expected_output"`
}

// Activity is a coding problem published by a professor.
type Activity struct {
	ID                  uint                          `gorm:"primaryKey" json:"id"`
	ProfessorID         uint                          `gorm:"index;not null" json:"professor_id"`
	Title               string                        `gorm:"size:200;not null" json:"title"`
	Description         string                        `gorm:"type:text" json:"description"`
	ProblemStatement    string                        `gorm:"type:text" json:"problem_statement"`
	StarterCode         string                        `gorm:"type:text" json:"starter_code"`
	ExpectedOutput      string                        `gorm:"type:text" json:"expected_output"`
	TestCases           datatypes.JSONSlice[TestCase] `json:"test_cases"`
	Difficulty          string                        `gorm:"size:10;default:medium" json:"difficulty"`
	ProgrammingLanguage string                        `gorm:"size:50;default:python" json:"programming_language"`
	IsActive            bool                          `gorm:"default:true" json:"is_active"`
	DueDate             *time.Time                    `json:"due_date"`
	CreatedAt           time.Time                     `json:"created_at"`
	UpdatedAt           time.Time                     `json:"updated_at"`
	Professor           Professor                     `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
}

// EffectiveTestCases returns the declared test cases, or a single case built
// from ExpectedOutput with empty stdin when none are declared.
func (a Activity) EffectiveTestCases() []TestCase {
	if len(a.TestCases) > 0 {
		cases := make([]TestCase, len(a.TestCases))
		copy(cases, a.TestCases)
		return cases
	}
	return []TestCase{{Input: "", ExpectedOutput: a.ExpectedOutput}}
}

// SampleInput is the stdin used for quick runs.
func (a Activity) SampleInput() string {
	if len(a.TestCases) == 0 {
		return ""
	}
	return a.TestCases[0].Input
}
