package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"mercury-mailer/services/mailer/email"
	"mercury-mailer/services/mailer/models"
	"mercury-mailer/services/mailer/params"
	"mercury-mailer/services/mailer/repository"
	"mercury-mailer/services/mailer/template"
	"mercury-mailer/shared/logger"
)

// ErrBatchAborted marks a batch run that lost its SMTP session and could not
// reconnect. Recipients not yet reached stay pending.
var ErrBatchAborted = errors.New("batch aborted: smtp session lost")

// DefaultPreviewLimit is how many recipients a preview renders by default
const DefaultPreviewLimit = 10

// RowError describes one invalid row in an import
type RowError struct {
	RowIndex int      `json:"row_index"`
	Missing  []string `json:"missing"`
}

// ImportValidationError aggregates every invalid row of an import. The
// import is all-or-nothing: when this is returned the store is unchanged.
type ImportValidationError struct {
	RowErrors []RowError
}

func (e *ImportValidationError) Error() string {
	var parts []string
	for _, re := range e.RowErrors {
		parts = append(parts, fmt.Sprintf("row %d missing %s", re.RowIndex, strings.Join(re.Missing, ", ")))
	}
	return "import validation failed: " + strings.Join(parts, "; ")
}

// MailerUsecase defines the mail-merge business logic
type MailerUsecase interface {
	// Recipient list
	ImportRecipients(rows []map[string]string) (int, error)
	ExportRecipients() ([]string, []map[string]string, error)
	ListRecipients() ([]*models.RecipientResponse, error)
	AddRecipient(values map[string]string) (*models.RecipientResponse, error)
	UpdateRecipient(rowIndex int, field, value string) error
	DeleteRecipient(rowIndex int) error
	ResetFailed() (int64, error)

	// Parameters
	RegisterParameter(name, label string, required bool) error
	RemoveParameter(name string) error
	ListParameters() []models.ParameterDefinition

	// Template
	ValidateTemplate(tmpl *models.Template) []string
	Preview(tmpl *models.Template, limit int) ([]*models.PreviewResponse, error)

	// Sending
	TestConnection(cfg email.Config) error
	SendBatch(ctx context.Context, tmpl *models.Template, cfg email.Config) (*models.BatchResult, error)
}

// SenderFactory builds an SMTP sender for a validated configuration. Tests
// swap this for a fake transport.
type SenderFactory func(cfg email.Config) email.Sender

// mailerUsecase implements MailerUsecase
type mailerUsecase struct {
	recipientRepo repository.RecipientRepository
	registry      *params.Registry
	newSender     SenderFactory
}

// NewMailerUsecase creates a new mailer usecase. A nil factory selects the
// real SMTP transport.
func NewMailerUsecase(
	recipientRepo repository.RecipientRepository,
	registry *params.Registry,
	newSender SenderFactory,
) MailerUsecase {
	if newSender == nil {
		newSender = func(cfg email.Config) email.Sender {
			return email.NewSMTPSender(cfg)
		}
	}
	return &mailerUsecase{
		recipientRepo: recipientRepo,
		registry:      registry,
		newSender:     newSender,
	}
}

// Recipient list

// ImportRecipients replaces the recipient list with the given rows. Every
// row must carry a value for each required parameter; otherwise the whole
// import is rejected with an ImportValidationError listing every bad row,
// and the store keeps its previous contents.
func (u *mailerUsecase) ImportRecipients(rows []map[string]string) (int, error) {
	var rowErrors []RowError
	recipients := make([]*models.Recipient, 0, len(rows))

	for i, row := range rows {
		values := normalizeRow(row)
		if missing := u.registry.Validate(values); len(missing) > 0 {
			rowErrors = append(rowErrors, RowError{RowIndex: i, Missing: missing})
			continue
		}

		recipient := &models.Recipient{
			RowIndex: i,
			Status:   models.StatusPending,
		}
		if err := recipient.SetValueMap(values); err != nil {
			return 0, err
		}
		recipients = append(recipients, recipient)
	}

	if len(rowErrors) > 0 {
		return 0, &ImportValidationError{RowErrors: rowErrors}
	}

	if err := u.recipientRepo.Replace(recipients); err != nil {
		return 0, err
	}

	logger.WithField("count", len(recipients)).Info("Recipient list imported")
	return len(recipients), nil
}

// ExportRecipients returns the column order and one row per recipient,
// including the human-readable status and the last error.
func (u *mailerUsecase) ExportRecipients() ([]string, []map[string]string, error) {
	recipients, err := u.recipientRepo.All()
	if err != nil {
		return nil, nil, err
	}

	columns := make([]string, 0)
	seen := make(map[string]bool)
	for _, def := range u.registry.All() {
		columns = append(columns, def.Name)
		seen[def.Name] = true
	}
	// Columns imported before their parameter was registered still export.
	extra := make([]string, 0)
	for _, recipient := range recipients {
		for name := range recipient.ValueMap() {
			if !seen[name] {
				seen[name] = true
				extra = append(extra, name)
			}
		}
	}
	sort.Strings(extra)
	columns = append(columns, extra...)
	columns = append(columns, "status", "error")

	rows := make([]map[string]string, 0, len(recipients))
	for _, recipient := range recipients {
		row := recipient.ValueMap()
		row["status"] = recipient.Status.Label()
		row["error"] = recipient.Error
		rows = append(rows, row)
	}
	return columns, rows, nil
}

func (u *mailerUsecase) ListRecipients() ([]*models.RecipientResponse, error) {
	recipients, err := u.recipientRepo.All()
	if err != nil {
		return nil, err
	}

	responses := make([]*models.RecipientResponse, 0, len(recipients))
	for _, recipient := range recipients {
		responses = append(responses, recipient.ToResponse())
	}
	return responses, nil
}

func (u *mailerUsecase) AddRecipient(values map[string]string) (*models.RecipientResponse, error) {
	normalized := normalizeRow(values)
	if missing := u.registry.Validate(normalized); len(missing) > 0 {
		return nil, &ImportValidationError{RowErrors: []RowError{{RowIndex: 0, Missing: missing}}}
	}

	recipient, err := u.recipientRepo.Add(normalized)
	if err != nil {
		return nil, err
	}
	return recipient.ToResponse(), nil
}

func (u *mailerUsecase) UpdateRecipient(rowIndex int, field, value string) error {
	return u.recipientRepo.UpdateField(rowIndex, strings.ToLower(strings.TrimSpace(field)), value)
}

func (u *mailerUsecase) DeleteRecipient(rowIndex int) error {
	return u.recipientRepo.Delete(rowIndex)
}

func (u *mailerUsecase) ResetFailed() (int64, error) {
	return u.recipientRepo.ResetFailed()
}

// Parameters

func (u *mailerUsecase) RegisterParameter(name, label string, required bool) error {
	return u.registry.Register(name, label, required)
}

func (u *mailerUsecase) RemoveParameter(name string) error {
	return u.registry.Remove(name)
}

func (u *mailerUsecase) ListParameters() []models.ParameterDefinition {
	return u.registry.All()
}

// Template

// ValidateTemplate returns the placeholder names used by the template that
// are not registered parameters. An empty result means the template only
// references known names.
func (u *mailerUsecase) ValidateTemplate(tmpl *models.Template) []string {
	known := u.registry.Names()
	var undefined []string
	for _, name := range template.TemplatePlaceholders(tmpl) {
		if !known[name] {
			undefined = append(undefined, name)
		}
	}
	return undefined
}

// Preview renders the template for the first recipients without touching
// any stored state.
func (u *mailerUsecase) Preview(tmpl *models.Template, limit int) ([]*models.PreviewResponse, error) {
	if limit <= 0 {
		limit = DefaultPreviewLimit
	}

	recipients, err := u.recipientRepo.All()
	if err != nil {
		return nil, err
	}
	if len(recipients) > limit {
		recipients = recipients[:limit]
	}

	previews := make([]*models.PreviewResponse, 0, len(recipients))
	for _, recipient := range recipients {
		values := recipient.ValueMap()
		subject, body, unresolved := template.RenderTemplate(tmpl, values)
		previews = append(previews, &models.PreviewResponse{
			RowIndex:   recipient.RowIndex,
			Email:      values["email"],
			Subject:    subject,
			Body:       body,
			Unresolved: unresolved,
		})
	}
	return previews, nil
}

// Sending

func (u *mailerUsecase) TestConnection(cfg email.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	session, err := u.newSender(cfg).Connect()
	if err != nil {
		return err
	}
	return session.Close()
}

// SendBatch drives one sequential batch run over the recipient list.
//
// The configuration is validated before any recipient is touched, and one
// SMTP session is opened for the whole batch. Recipients already sent are
// skipped. A validation or render problem marks the recipient failed and the
// run continues; a transport error marks the recipient failed and triggers
// one reconnect attempt, and if that reconnect fails the run aborts with the
// remaining recipients left pending. Between recipients the context is
// checked for cancellation, which also leaves the rest pending but returns a
// normal partial result.
func (u *mailerUsecase) SendBatch(ctx context.Context, tmpl *models.Template, cfg email.Config) (*models.BatchResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	recipients, err := u.recipientRepo.All()
	if err != nil {
		return nil, err
	}

	sender := u.newSender(cfg)
	session, err := sender.Connect()
	if err != nil {
		return nil, fmt.Errorf("failed to open smtp session: %w", err)
	}
	defer func() {
		if session != nil {
			if cerr := session.Close(); cerr != nil {
				logger.WithError(cerr).Warn("Failed to close smtp session")
			}
		}
	}()

	result := &models.BatchResult{}

	logger.WithFields(map[string]interface{}{
		"recipients": len(recipients),
		"format":     tmpl.Format,
	}).Info("Batch send started")

	for _, recipient := range recipients {
		if ctx.Err() != nil {
			result.Cancelled = true
			logger.WithField("sent", result.Sent).Info("Batch send cancelled")
			break
		}

		if recipient.Status == models.StatusSent {
			result.Skipped++
			continue
		}

		values := recipient.ValueMap()
		subject, body, unresolved := template.RenderTemplate(tmpl, values)

		if reason := validationFailure(u.registry.Validate(values), unresolved); reason != "" {
			u.recordFailure(recipient, reason, result)
			continue
		}

		u.setStatus(recipient, models.StatusSending, "")

		msg := &email.Message{
			To:      values["email"],
			ToName:  values["name"],
			Subject: subject,
		}
		if tmpl.Format == models.FormatHTML {
			msg.HTMLBody = body
		} else {
			msg.TextBody = body
		}

		if serr := session.Send(msg); serr != nil {
			u.recordFailure(recipient, serr.Error(), result)

			// The session itself may be broken; try one reconnect before
			// moving on.
			if cerr := session.Close(); cerr != nil {
				logger.WithError(cerr).Debug("Failed to close broken smtp session")
			}
			session, err = sender.Connect()
			if err != nil {
				session = nil
				result.Aborted = true
				result.AbortReason = fmt.Sprintf("reconnect failed: %v", err)
				logger.WithError(err).Error("Batch send aborted: smtp reconnect failed")
				return result, fmt.Errorf("%w: %v", ErrBatchAborted, err)
			}
			continue
		}

		u.setStatus(recipient, models.StatusSent, "")
		result.Sent++
	}

	logger.WithFields(map[string]interface{}{
		"sent":    result.Sent,
		"failed":  result.Failed,
		"skipped": result.Skipped,
	}).Info("Batch send finished")

	return result, nil
}

// recordFailure marks one recipient failed and tracks it in the result
func (u *mailerUsecase) recordFailure(recipient *models.Recipient, reason string, result *models.BatchResult) {
	u.setStatus(recipient, models.StatusFailed, reason)
	result.Failed++
	result.Errors = append(result.Errors, models.RecipientError{
		RowIndex: recipient.RowIndex,
		Email:    recipient.ValueMap()["email"],
		Message:  reason,
	})
}

// setStatus writes a status transition through the repository so pollers
// observe progress while the batch runs
func (u *mailerUsecase) setStatus(recipient *models.Recipient, status models.SendStatus, errMsg string) {
	recipient.Status = status
	recipient.Error = errMsg
	if err := u.recipientRepo.SetStatus(recipient.RowIndex, status, errMsg); err != nil {
		logger.WithFields(map[string]interface{}{
			"row_index": recipient.RowIndex,
			"status":    status,
			"error":     err.Error(),
		}).Error("Failed to record recipient status")
	}
}

// validationFailure builds the per-recipient error message for missing
// required parameters and unresolved placeholders
func validationFailure(missing, unresolved []string) string {
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing required values: "+strings.Join(missing, ", "))
	}
	if len(unresolved) > 0 {
		parts = append(parts, "unresolved placeholders: "+strings.Join(unresolved, ", "))
	}
	return strings.Join(parts, "; ")
}

// normalizeRow lowercases and trims the keys of an imported row so they
// match registry identifiers
func normalizeRow(row map[string]string) map[string]string {
	values := make(map[string]string, len(row))
	for key, value := range row {
		values[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}
	return values
}
