package flow

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/meeka/internal/schema"
)

type tablePrompts struct {
	noun    string
	intro   string
	fields  map[string]string
	notes   string
	labelOf string
}

var prompts = map[schema.Table]tablePrompts{
	schema.Symptoms: {
		noun:  "symptom",
		intro: "Sure, let's add a symptom.",
		fields: map[string]string{
			"description": "What symptom are you experiencing?",
			"start_date":  "When did it start? You can say \"today\", \"yesterday\" or give a date like 2024-01-31.",
			"severity":    "How severe is it? For example mild, moderate or severe.",
		},
		notes:   "Anything else you'd like to note about this symptom? Say \"no\" to skip.",
		labelOf: "description",
	},
	schema.Medications: {
		noun:  "medication",
		intro: "Okay, let's record a medication.",
		fields: map[string]string{
			"medication_name": "What's the name of the medication?",
			"start_date":      "When did you start taking it?",
			"dosage":          "What dosage are you taking? For example 500mg twice a day.",
			"status":          "Are you still taking it, or has it been paused or stopped?",
		},
		notes:   "Any notes about this medication, like side effects? Say \"no\" to skip.",
		labelOf: "medication_name",
	},
	schema.MoodEntries: {
		noun:  "mood entry",
		intro: "Let's track your mood.",
		fields: map[string]string{
			"date":  "Which day is this for? Say \"today\" if it's for today.",
			"body":  "On a scale of 1 to 5, how does your body feel?",
			"mind":  "From 1 to 5, how is your mind?",
			"sleep": "From 1 to 5, how did you sleep?",
			"mood":  "And from 1 to 5, how is your overall mood?",
		},
		notes:   "Want to add a note about how you're feeling? Say \"no\" to skip.",
		labelOf: "date",
	},
	schema.DiaryEntries: {
		noun:  "diary entry",
		intro: "Let's add a diary entry.",
		fields: map[string]string{
			"entry_type": "What kind of entry is this? For example appointment, test, procedure, event or note.",
			"title":      "What title should I give it?",
			"date":       "What date did it happen?",
		},
		notes:   "Any details you'd like to add? Say \"no\" to skip.",
		labelOf: "title",
	},
}

// FieldPrompt returns the question asked for field of table.
func FieldPrompt(table schema.Table, field string) string {
	if p, ok := prompts[table]; ok {
		if q, ok := p.fields[field]; ok {
			return q
		}
	}
	return fmt.Sprintf("What's the %s?", strings.ReplaceAll(field, "_", " "))
}

// NotesPrompt returns the optional-notes question for table.
func NotesPrompt(table schema.Table) string {
	if p, ok := prompts[table]; ok {
		return p.notes
	}
	return "Anything else to add? Say \"no\" to skip."
}

func introFor(table schema.Table) string {
	if p, ok := prompts[table]; ok {
		return p.intro
	}
	return "Okay."
}

// Noun is the human name of one record of table.
func Noun(table schema.Table) string {
	if p, ok := prompts[table]; ok {
		return p.noun
	}
	return strings.TrimSuffix(strings.ReplaceAll(string(table), "_", " "), "s")
}

func successMessage(table schema.Table, fields map[string]any) string {
	label := ""
	if p, ok := prompts[table]; ok {
		if v, ok := fields[p.labelOf].(string); ok {
			label = v
		}
	}
	if label == "" {
		return fmt.Sprintf("Done! I've added your %s.", Noun(table))
	}
	if table == schema.MoodEntries {
		return fmt.Sprintf("Done! I've saved your mood entry for %s.", label)
	}
	return fmt.Sprintf("Done! I've added your %s %q.", Noun(table), label)
}

func failureMessage(table schema.Table, err error) string {
	return fmt.Sprintf("Sorry, I couldn't save your %s: %v. Let's try again when you're ready.", Noun(table), err)
}

const processingMessage = "Processing your request..."

// Greeting is shown once each time the assistant panel is opened.
const Greeting = "Hi, I'm Meeka. I can log symptoms, medications, moods and diary entries for you, or answer questions about your records."

const selectPatientMessage = "First, choose who these records are for."

// ExamplePrompts are suggested starting messages shown with the greeting.
var ExamplePrompts = []string{
	"I want to add a symptom",
	"Log my medication",
	"Track mood",
	"Add a diary entry",
}

// FallbackReply is sent when the AI completion fails or returns nothing.
const FallbackReply = "Sorry, I'm having trouble answering right now. Please try again in a moment."

// SystemPreamble instructs the completion model. The record digest is appended to it.
const SystemPreamble = `You are Meeka, a friendly assistant inside a personal health-record app.
You can help people log symptoms, medications, mood entries and diary entries, and answer questions about the records summarised below.
Keep replies short, warm and plain-spoken.
Never diagnose conditions, suggest treatments or give clinical advice. For medical concerns, encourage the person to talk to a qualified health professional. For emergencies, tell them to contact local emergency services.
To log something, the person can say things like "add a symptom", "log my medication", "track mood" or "add a diary entry".`

var replayPhrases = map[Intent]string{
	IntentAddSymptom:    "I want to add a symptom",
	IntentAddMedication: "I want to log a medication",
	IntentTrackMood:     "track mood",
	IntentAddDiaryEntry: "I want to add a diary entry",
}

const genericReplayPhrase = "What can you help me with?"

// ReplayPhrase is the canonical message that re-triggers intent.
func ReplayPhrase(intent string) string {
	if p, ok := replayPhrases[Intent(intent)]; ok {
		return p
	}
	return genericReplayPhrase
}
