package models

import (
	"encoding/json"
	"fmt"

	"mercury-mailer/shared/models"
)

// SendStatus represents the delivery state of a single recipient.
// Lifecycle: pending -> sending -> sent | failed. Sent and failed are
// terminal; an explicit reset returns a failed recipient to pending.
type SendStatus string

const (
	StatusPending SendStatus = "pending"
	StatusSending SendStatus = "sending"
	StatusSent    SendStatus = "sent"
	StatusFailed  SendStatus = "failed"
)

// Label returns the human-readable form used in CSV exports
func (s SendStatus) Label() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusSending:
		return "Sending"
	case StatusSent:
		return "Sent"
	case StatusFailed:
		return "Failed"
	default:
		return string(s)
	}
}

// Recipient represents one row of the recipient list. Values holds the
// placeholder values as a JSON object keyed by parameter name. RowIndex is
// the import order and determines the send order.
type Recipient struct {
	models.BaseModel
	RowIndex int        `gorm:"uniqueIndex;not null" json:"row_index"`
	Values   string     `gorm:"type:jsonb;not null" json:"-"`
	Status   SendStatus `gorm:"not null;default:'pending';size:20;index" json:"status"`
	Error    string     `gorm:"type:text" json:"error,omitempty"`
}

// ValueMap decodes the stored placeholder values
func (r *Recipient) ValueMap() map[string]string {
	values := make(map[string]string)
	if r.Values == "" {
		return values
	}
	if err := json.Unmarshal([]byte(r.Values), &values); err != nil {
		return make(map[string]string)
	}
	return values
}

// SetValueMap encodes and stores the placeholder values
func (r *Recipient) SetValueMap(values map[string]string) error {
	data, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("failed to encode recipient values: %w", err)
	}
	r.Values = string(data)
	return nil
}

// ToResponse converts a recipient to its API representation
func (r *Recipient) ToResponse() *RecipientResponse {
	return &RecipientResponse{
		RowIndex:    r.RowIndex,
		Values:      r.ValueMap(),
		Status:      r.Status,
		StatusLabel: r.Status.Label(),
		Error:       r.Error,
	}
}

// ParameterSource tells whether a parameter is built in or user defined
type ParameterSource string

const (
	SourceDefault ParameterSource = "default"
	SourceCustom  ParameterSource = "custom"
)

// ParameterDefinition describes one known placeholder name
type ParameterDefinition struct {
	Name     string          `json:"name"`
	Label    string          `json:"label"`
	Required bool            `json:"required"`
	Source   ParameterSource `json:"source"`
}

// TemplateFormat is the body format of a template
type TemplateFormat string

const (
	FormatHTML  TemplateFormat = "html"
	FormatPlain TemplateFormat = "plain"
)

// Template is the message template a batch run renders per recipient.
// Subject and body are both subject to placeholder substitution.
type Template struct {
	Format  TemplateFormat `json:"format" binding:"required,oneof=html plain"`
	Subject string         `json:"subject" binding:"required"`
	Body    string         `json:"body" binding:"required"`
}

// RecipientError describes one recipient-level failure inside a batch run
type RecipientError struct {
	RowIndex int    `json:"row_index"`
	Email    string `json:"email,omitempty"`
	Message  string `json:"message"`
}

// BatchResult is the aggregate outcome of one batch run
type BatchResult struct {
	Sent        int              `json:"sent"`
	Failed      int              `json:"failed"`
	Skipped     int              `json:"skipped"`
	Errors      []RecipientError `json:"errors,omitempty"`
	Cancelled   bool             `json:"cancelled,omitempty"`
	Aborted     bool             `json:"aborted,omitempty"`
	AbortReason string           `json:"abort_reason,omitempty"`
}

// RecipientResponse is the API representation of a recipient
type RecipientResponse struct {
	RowIndex    int               `json:"row_index"`
	Values      map[string]string `json:"values"`
	Status      SendStatus        `json:"status"`
	StatusLabel string            `json:"status_label"`
	Error       string            `json:"error,omitempty"`
}

// PreviewResponse is one rendered preview entry
type PreviewResponse struct {
	RowIndex   int      `json:"row_index"`
	Email      string   `json:"email"`
	Subject    string   `json:"subject"`
	Body       string   `json:"body"`
	Unresolved []string `json:"unresolved,omitempty"`
}

// Request payloads

// AddRecipientRequest adds a single recipient by hand
type AddRecipientRequest struct {
	Values map[string]string `json:"values" binding:"required"`
}

// UpdateRecipientRequest edits one field of one recipient inline
type UpdateRecipientRequest struct {
	Field string `json:"field" binding:"required"`
	Value string `json:"value"`
}

// RegisterParameterRequest registers a custom placeholder name
type RegisterParameterRequest struct {
	Name     string `json:"name" binding:"required"`
	Label    string `json:"label"`
	Required bool   `json:"required"`
}

// PreviewRequest renders a template against the first recipients
type PreviewRequest struct {
	Template Template `json:"template" binding:"required"`
	Limit    int      `json:"limit"`
}

// SMTPSettings carries the SMTP configuration for a batch request. Empty
// fields are filled from the service environment defaults.
type SMTPSettings struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	FromEmail string `json:"from_email"`
	FromName  string `json:"from_name"`
	TLSMode   string `json:"tls_mode"`
}

// SendBatchRequest starts a batch run
type SendBatchRequest struct {
	Template Template     `json:"template" binding:"required"`
	SMTP     SMTPSettings `json:"smtp"`
}
