// Package schema declares the insertable record types Meeka knows about.
//
// Each table has an ordered list of required fields (the dialogue walk order)
// and a set of optional fields. Field kinds drive coercion at submit time.
// The registry is static and never mutated at runtime.
package schema

import (
	"errors"
	"fmt"
	"slices"
)

// Table is a record-store table name.
type Table string

const (
	Symptoms     Table = "symptoms"
	Medications  Table = "medications"
	MoodEntries  Table = "mood_entries"
	DiaryEntries Table = "diary_entries"
	Documents    Table = "documents"
)

// Common column names.
const (
	FieldNotes = "notes"
	OwnerField = "profile_id"
)

// ErrUnknownTable is returned by SchemaFor for a table that is not registered.
// Callers should treat it as a programming error.
var ErrUnknownTable = errors.New("unknown table")

// Kind is the value type of a field.
type Kind string

const (
	KindText   Kind = "text"
	KindDate   Kind = "date"
	KindRating Kind = "rating"
	KindEnum   Kind = "enum"
	KindList   Kind = "list"
)

// Field describes one column.
type Field struct {
	Name    string
	Kind    Kind
	Choices []string // KindEnum only
}

// Schema is the immutable declaration for one table.
type Schema struct {
	Table    Table
	Required []Field
	Optional []Field
}

// DiaryEntryTypes are the accepted values of diary_entries.entry_type.
var DiaryEntryTypes = []string{"appointment", "note", "event", "test", "procedure", "other"}

var registry = map[Table]Schema{
	Symptoms: {
		Table: Symptoms,
		Required: []Field{
			{Name: "description", Kind: KindText},
			{Name: "start_date", Kind: KindDate},
			{Name: "severity", Kind: KindText},
		},
		Optional: []Field{
			{Name: "end_date", Kind: KindDate},
			{Name: FieldNotes, Kind: KindText},
		},
	},
	Medications: {
		Table: Medications,
		Required: []Field{
			{Name: "medication_name", Kind: KindText},
			{Name: "start_date", Kind: KindDate},
			{Name: "dosage", Kind: KindText},
			{Name: "status", Kind: KindText},
		},
		Optional: []Field{
			{Name: "end_date", Kind: KindDate},
			{Name: "prescribed_by", Kind: KindText},
			{Name: FieldNotes, Kind: KindText},
		},
	},
	MoodEntries: {
		Table: MoodEntries,
		Required: []Field{
			{Name: "date", Kind: KindDate},
			{Name: "body", Kind: KindRating},
			{Name: "mind", Kind: KindRating},
			{Name: "sleep", Kind: KindRating},
			{Name: "mood", Kind: KindRating},
		},
		Optional: []Field{
			{Name: FieldNotes, Kind: KindText},
		},
	},
	DiaryEntries: {
		Table: DiaryEntries,
		Required: []Field{
			{Name: "entry_type", Kind: KindEnum, Choices: DiaryEntryTypes},
			{Name: "title", Kind: KindText},
			{Name: "date", Kind: KindDate},
		},
		Optional: []Field{
			{Name: FieldNotes, Kind: KindText},
			{Name: "severity", Kind: KindText},
			{Name: "attendees", Kind: KindList},
		},
	},
	Documents: {
		Table: Documents,
		Required: []Field{
			{Name: "file_name", Kind: KindText},
			{Name: "document_type", Kind: KindText},
		},
		Optional: []Field{
			{Name: "summary", Kind: KindText},
			{Name: FieldNotes, Kind: KindText},
		},
	},
}

// SchemaFor returns the declaration for table, or ErrUnknownTable.
func SchemaFor(table Table) (Schema, error) {
	s, ok := registry[table]
	if !ok {
		return Schema{}, fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	return s, nil
}

// MustSchemaFor is SchemaFor for tables known at compile time. It panics on an unknown table.
func MustSchemaFor(table Table) Schema {
	s, err := SchemaFor(table)
	if err != nil {
		panic(err)
	}
	return s
}

// Tables lists every registered table in a stable order.
func Tables() []Table {
	return []Table{Symptoms, Medications, MoodEntries, DiaryEntries, Documents}
}

// RequiredNames returns the required field names in walk order.
func (s Schema) RequiredNames() []string {
	names := make([]string, len(s.Required))
	for i, f := range s.Required {
		names[i] = f.Name
	}
	return names
}

// OptionalNames returns the optional field names.
func (s Schema) OptionalNames() []string {
	names := make([]string, len(s.Optional))
	for i, f := range s.Optional {
		names[i] = f.Name
	}
	return names
}

// Columns returns every data column (required then optional), excluding the owner column.
func (s Schema) Columns() []string {
	return append(s.RequiredNames(), s.OptionalNames()...)
}

// HasNotes reports whether the table accepts a free-text notes field.
func (s Schema) HasNotes() bool {
	return slices.Contains(s.OptionalNames(), FieldNotes)
}

// HasColumn reports whether name is a data column of the table.
func (s Schema) HasColumn(name string) bool {
	return slices.Contains(s.Columns(), name)
}

// Field looks up a column by name.
func (s Schema) Field(name string) (Field, bool) {
	for _, f := range s.Required {
		if f.Name == name {
			return f, true
		}
	}
	for _, f := range s.Optional {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}
