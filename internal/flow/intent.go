package flow

import (
	"strings"

	"github.com/BTreeMap/meeka/internal/schema"
)

// Intent is a coarse classification of what the user wants to do.
type Intent string

const (
	IntentAddSymptom    Intent = "add_symptom"
	IntentAddMedication Intent = "add_medication"
	IntentTrackMood     Intent = "track_mood"
	IntentAddDiaryEntry Intent = "add_diary_entry"
	IntentChat          Intent = "chat"
)

// Keyword order is significant: the first substring hit wins.
var intentKeywords = []struct {
	keyword string
	table   schema.Table
}{
	{"symptom", schema.Symptoms},
	{"medication", schema.Medications},
	{"track mood", schema.MoodEntries},
	{"mood", schema.MoodEntries},
	{"diary", schema.DiaryEntries},
	{"note", schema.DiaryEntries},
}

var tableIntents = map[schema.Table]Intent{
	schema.Symptoms:     IntentAddSymptom,
	schema.Medications:  IntentAddMedication,
	schema.MoodEntries:  IntentTrackMood,
	schema.DiaryEntries: IntentAddDiaryEntry,
}

// DetectIntent maps free text to the table a collection should start for.
// Matching is a case-insensitive substring scan.
func DetectIntent(text string) (schema.Table, bool) {
	lower := strings.ToLower(text)
	for _, k := range intentKeywords {
		if strings.Contains(lower, k.keyword) {
			return k.table, true
		}
	}
	return "", false
}

// IntentForTable returns the intent that collects into table.
func IntentForTable(table schema.Table) Intent {
	if i, ok := tableIntents[table]; ok {
		return i
	}
	return IntentChat
}

// notesDeclines are the answers that mean "no notes".
var notesDeclines = map[string]bool{
	"no":           true,
	"none":         true,
	"n/a":          true,
	"skip":         true,
	"not really":   true,
	"no thanks":    true,
	"no thank you": true,
	"nope":         true,
	"nothing":      true,
}

// IsNotesDecline reports whether text declines the notes prompt.
// Case, surrounding space and trailing punctuation are ignored.
func IsNotesDecline(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	t = strings.TrimRight(t, ".!,; ")
	return notesDeclines[t]
}
