package schema

import (
	"errors"
	"reflect"
	"testing"
)

func TestSchemaForRequiredOrder(t *testing.T) {
	tests := []struct {
		table Table
		want  []string
	}{
		{Symptoms, []string{"description", "start_date", "severity"}},
		{Medications, []string{"medication_name", "start_date", "dosage", "status"}},
		{MoodEntries, []string{"date", "body", "mind", "sleep", "mood"}},
		{DiaryEntries, []string{"entry_type", "title", "date"}},
		{Documents, []string{"file_name", "document_type"}},
	}
	for _, tt := range tests {
		s, err := SchemaFor(tt.table)
		if err != nil {
			t.Fatalf("SchemaFor(%s) failed: %v", tt.table, err)
		}
		if got := s.RequiredNames(); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("%s required = %v, want %v", tt.table, got, tt.want)
		}
	}
}

func TestSchemaForUnknownTable(t *testing.T) {
	_, err := SchemaFor("appointments")
	if !errors.Is(err, ErrUnknownTable) {
		t.Fatalf("expected ErrUnknownTable, got %v", err)
	}
}

func TestMustSchemaForPanicsOnUnknown(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for unknown table")
		}
	}()
	MustSchemaFor("nope")
}

func TestHasNotes(t *testing.T) {
	for _, table := range Tables() {
		if !MustSchemaFor(table).HasNotes() {
			t.Errorf("%s should accept notes", table)
		}
	}
}

func TestFieldKinds(t *testing.T) {
	mood := MustSchemaFor(MoodEntries)
	for _, name := range []string{"body", "mind", "sleep", "mood"} {
		f, ok := mood.Field(name)
		if !ok || f.Kind != KindRating {
			t.Errorf("mood_entries.%s should be a rating, got %+v", name, f)
		}
	}
	diary := MustSchemaFor(DiaryEntries)
	if f, _ := diary.Field("attendees"); f.Kind != KindList {
		t.Errorf("attendees should be a list, got %s", f.Kind)
	}
	if f, _ := diary.Field("entry_type"); f.Kind != KindEnum || len(f.Choices) == 0 {
		t.Errorf("entry_type should be an enum with choices, got %+v", f)
	}
	if _, ok := diary.Field("profile_id"); ok {
		t.Error("owner column must not be a data field")
	}
}

func TestColumnsAndHasColumn(t *testing.T) {
	s := MustSchemaFor(Symptoms)
	want := []string{"description", "start_date", "severity", "end_date", "notes"}
	if got := s.Columns(); !reflect.DeepEqual(got, want) {
		t.Errorf("Columns() = %v, want %v", got, want)
	}
	if !s.HasColumn("end_date") || s.HasColumn("dosage") {
		t.Error("HasColumn returned unexpected result")
	}
}
