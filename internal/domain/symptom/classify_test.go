package symptom

import (
	"reflect"
	"testing"

	"github.com/careagent/pregnancy/internal/platform/agent"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		fields   map[string]string
		week     int
		records  []agent.Measurement
		warnings int
	}{
		{
			name:    "mild headache",
			fields:  map[string]string{"headache": "4"},
			week:    10,
			records: []agent.Measurement{{Category: "headache", Value: 4}},
		},
		{
			name:     "strong headache",
			fields:   map[string]string{"headache": "5"},
			week:     10,
			records:  []agent.Measurement{{Category: "headache", Value: 5}},
			warnings: 1,
		},
		{
			name:    "vomiting twice early",
			fields:  map[string]string{"vomiting": "2"},
			week:    13,
			records: []agent.Measurement{{Category: "vomiting", Value: 2}},
		},
		{
			name:     "vomiting twice from week 14",
			fields:   map[string]string{"vomiting": "2"},
			week:     14,
			records:  []agent.Measurement{{Category: "vomiting", Value: 2}},
			warnings: 1,
		},
		{
			name:     "vomiting three times",
			fields:   map[string]string{"vomiting": "3"},
			week:     5,
			records:  []agent.Measurement{{Category: "vomiting", Value: 3}},
			warnings: 1,
		},
		{
			name:    "vomiting once late",
			fields:  map[string]string{"vomiting": "1"},
			week:    30,
			records: []agent.Measurement{{Category: "vomiting", Value: 1}},
		},
		{
			name:    "vomiting twice with unknown week",
			fields:  map[string]string{"vomiting": "2"},
			week:    -1,
			records: []agent.Measurement{{Category: "vomiting", Value: 2}},
		},
		{
			name:     "flag questions",
			fields:   map[string]string{"swelling": "warning", "itching": "ok", "blood_discharge": "warning"},
			week:     20,
			records:  []agent.Measurement{{Category: "swelling", Value: 1}, {Category: "blood_discharge", Value: 1}},
			warnings: 2,
		},
		{
			name:    "invalid answers ignored",
			fields:  map[string]string{"headache": "11", "vomiting": "two", "stomachache": "WARNING", "unknown": "warning"},
			week:    20,
			records: []agent.Measurement{},
		},
		{
			name:    "zero is out of scale",
			fields:  map[string]string{"headache": "0"},
			week:    20,
			records: []agent.Measurement{},
		},
		{
			name:    "empty questionnaire",
			fields:  map[string]string{},
			week:    20,
			records: []agent.Measurement{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Classify(tt.fields, tt.week)
			if !reflect.DeepEqual(r.Measurements, tt.records) {
				t.Errorf("measurements = %v, want %v", r.Measurements, tt.records)
			}
			if len(r.Warnings) != tt.warnings {
				t.Errorf("warnings = %v, want %d", r.Warnings, tt.warnings)
			}
			if r.Urgent() != (tt.warnings > 0) {
				t.Errorf("Urgent() = %v", r.Urgent())
			}
		})
	}
}

func TestClassify_AllFlagsInOrder(t *testing.T) {
	fields := map[string]string{}
	for _, q := range flagQuestions {
		fields[q.field] = WarningAnswer
	}
	r := Classify(fields, 20)
	if len(r.Measurements) != len(flagQuestions) {
		t.Fatalf("expected %d records, got %d", len(flagQuestions), len(r.Measurements))
	}
	for i, q := range flagQuestions {
		if r.Measurements[i].Category != q.field || r.Warnings[i] != q.warning {
			t.Errorf("position %d: got %s/%q", i, r.Measurements[i].Category, r.Warnings[i])
		}
	}
}
