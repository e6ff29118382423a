// Package models defines the core data structures for Meeka.
//
// It includes chat transcript types, patient and assistant-event records, and
// the JSON envelope used by the HTTP API. These are shared across modules.
package models

import (
	"errors"
	"time"
)

// Role identifies the author of a chat message.
type Role string

const (
	// RoleUser marks a message typed by the person using the app.
	RoleUser Role = "user"
	// RoleAssistant marks a message produced by Meeka.
	RoleAssistant Role = "assistant"
)

// Meta keys used on assistant messages to drive UI affordances.
const (
	MetaKind            = "kind"
	MetaKindGreeting    = "greeting"
	MetaKindProcessing  = "processing"
	MetaKindResult      = "result"
	MetaKindPatientPick = "patient_selection"
	MetaExamplePrompts  = "example_prompts"
	MetaPatients        = "patients"
	MetaTable           = "table"
	MetaRecordID        = "record_id"
	MetaError           = "error"
)

// MaxMessageLength bounds a single user message accepted by the engine.
const MaxMessageLength = 4096

var (
	ErrEmptyMessage   = errors.New("message cannot be empty")
	ErrMessageTooLong = errors.New("message exceeds maximum length")
)

// Message is one turn in a chat transcript.
type Message struct {
	ID        string         `json:"id"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Meta      map[string]any `json:"meta,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Patient is a candidate record owner (a profile the actor can write to).
type Patient struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// EventResult is the terminal outcome of a logged assistant interaction.
type EventResult string

const (
	EventResultSuccess  EventResult = "success"
	EventResultError    EventResult = "error"
	EventResultFallback EventResult = "fallback"
)

// Event routes describe which path of the assistant handled a turn.
const (
	RouteForm = "form"
	RouteAI   = "ai"
)

// RecentEvent is an immutable record of one completed assistant interaction.
type RecentEvent struct {
	ID         string         `json:"id"`
	ActorID    string         `json:"actor_id"`
	Intent     string         `json:"intent"`
	Confidence float64        `json:"confidence"`
	Route      string         `json:"route"`
	Result     EventResult    `json:"result"`
	Meta       map[string]any `json:"meta,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Response represents an inbound message received on a delivery channel.
type Response struct {
	MessageID string `json:"message_id,omitempty"`
	From      string `json:"from"`
	Body      string `json:"body"`
	Time      int64  `json:"time"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
}

func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusOK).WithResult(result).Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusOK).WithMessage(message).WithResult(result).Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusError).WithMessage(message).Build()
}
