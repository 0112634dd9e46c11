package symptom

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/careagent/pregnancy/internal/platform/agent"
)

// ScaleMin and ScaleMax bound the numeric questionnaire answers.
const (
	ScaleMin = 1
	ScaleMax = 10
)

// WarningAnswer is the value a yes/no question takes when the symptom is present.
const WarningAnswer = "warning"

// Report is the outcome of classifying one questionnaire.
type Report struct {
	Measurements []agent.Measurement `json:"measurements"`
	Warnings     []string            `json:"warnings"`
}

// Urgent reports whether the doctor has to be told.
func (r Report) Urgent() bool { return len(r.Warnings) > 0 }

type flagQuestion struct {
	field   string
	warning string
}

// flagQuestions are the yes/no symptoms, in the order they are reported.
var flagQuestions = []flagQuestion{
	{"stomachache", "abdominal pain"},
	{"vision_problems", "blurred vision, fog or floaters"},
	{"itching", "generalized itching that gets worse at night"},
	{"swelling", "generalized swelling"},
	{"liquid_discharge", "clear watery vaginal discharge"},
	{"blood_discharge", "bloody vaginal discharge"},
}

// Classify turns raw questionnaire answers into measurements to store and
// warnings for the doctor. week is the current gestational week, or -1 when
// unknown. Answers that are missing, non-numeric or out of range are ignored.
func Classify(fields map[string]string, week int) Report {
	r := Report{Measurements: []agent.Measurement{}, Warnings: []string{}}

	if pain, ok := scale(fields["headache"]); ok {
		r.add("headache", float64(pain))
		if pain >= 5 {
			r.Warnings = append(r.Warnings, "headache of 5 points or more")
		}
	}

	if times, ok := scale(fields["vomiting"]); ok {
		r.add("vomiting", float64(times))
		if times >= 3 || (times > 1 && week >= 14) {
			r.Warnings = append(r.Warnings, fmt.Sprintf("vomiting %d time(s)", times))
		}
	}

	for _, q := range flagQuestions {
		if strings.TrimSpace(fields[q.field]) == WarningAnswer {
			r.add(q.field, 1)
			r.Warnings = append(r.Warnings, q.warning)
		}
	}
	return r
}

func (r *Report) add(category string, value float64) {
	r.Measurements = append(r.Measurements, agent.Measurement{Category: category, Value: value})
}

// scale parses a whole number answer on the questionnaire scale.
func scale(raw string) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < ScaleMin || n > ScaleMax {
		return 0, false
	}
	return n, true
}
