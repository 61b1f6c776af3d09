package handlers

import (
	"bytes"
	"encoding/csv"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"mercury-mailer/services/mailer/email"
	"mercury-mailer/services/mailer/models"
	"mercury-mailer/services/mailer/params"
	"mercury-mailer/services/mailer/repository"
	"mercury-mailer/services/mailer/usecase"
	"mercury-mailer/services/mailer/worker"
	"mercury-mailer/shared/logger"

	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
)

// MailerHandler handles HTTP requests for the mail-merge service
type MailerHandler struct {
	mailerUsecase usecase.MailerUsecase
	batchRunner   *worker.BatchRunner
	smtpDefaults  email.Config
}

// NewMailerHandler creates a new mailer handler. smtpDefaults seeds batch
// requests that leave SMTP fields empty.
func NewMailerHandler(mailerUsecase usecase.MailerUsecase, batchRunner *worker.BatchRunner, smtpDefaults email.Config) *MailerHandler {
	return &MailerHandler{
		mailerUsecase: mailerUsecase,
		batchRunner:   batchRunner,
		smtpDefaults:  smtpDefaults,
	}
}

// Recipients

// ListRecipients returns the recipient list with statuses, in send order
// GET /api/v1/recipients
func (h *MailerHandler) ListRecipients(c *gin.Context) {
	requestID := requestid.Get(c)

	recipients, err := h.mailerUsecase.ListRecipients()
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"request_id": requestID,
			"error":      err.Error(),
		}).Error("Failed to list recipients")

		c.JSON(http.StatusInternalServerError, gin.H{
			"error":      "Failed to list recipients",
			"request_id": requestID,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"recipients": recipients,
		"total":      len(recipients),
	})
}

// AddRecipient appends one recipient by hand
// POST /api/v1/recipients
func (h *MailerHandler) AddRecipient(c *gin.Context) {
	requestID := requestid.Get(c)

	var req models.AddRecipientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":      "Invalid request body",
			"details":    err.Error(),
			"request_id": requestID,
		})
		return
	}

	recipient, err := h.mailerUsecase.AddRecipient(req.Values)
	if err != nil {
		h.respondError(c, requestID, err, "Failed to add recipient")
		return
	}

	logger.WithFields(map[string]interface{}{
		"request_id": requestID,
		"row_index":  recipient.RowIndex,
	}).Info("Recipient added")

	c.JSON(http.StatusCreated, gin.H{"recipient": recipient})
}

// UpdateRecipient edits one field of one recipient inline; its status is not
// touched
// PUT /api/v1/recipients/:index
func (h *MailerHandler) UpdateRecipient(c *gin.Context) {
	requestID := requestid.Get(c)

	rowIndex, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":      "Invalid row index",
			"request_id": requestID,
		})
		return
	}

	var req models.UpdateRecipientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":      "Invalid request body",
			"details":    err.Error(),
			"request_id": requestID,
		})
		return
	}

	if err := h.mailerUsecase.UpdateRecipient(rowIndex, req.Field, req.Value); err != nil {
		h.respondError(c, requestID, err, "Failed to update recipient")
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Recipient updated"})
}

// DeleteRecipient removes one recipient from the list
// DELETE /api/v1/recipients/:index
func (h *MailerHandler) DeleteRecipient(c *gin.Context) {
	requestID := requestid.Get(c)

	rowIndex, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":      "Invalid row index",
			"request_id": requestID,
		})
		return
	}

	if err := h.mailerUsecase.DeleteRecipient(rowIndex); err != nil {
		h.respondError(c, requestID, err, "Failed to delete recipient")
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Recipient deleted"})
}

// ResetFailed returns every failed recipient to pending so a later batch run
// retries them
// POST /api/v1/recipients/reset-failed
func (h *MailerHandler) ResetFailed(c *gin.Context) {
	requestID := requestid.Get(c)

	count, err := h.mailerUsecase.ResetFailed()
	if err != nil {
		h.respondError(c, requestID, err, "Failed to reset recipients")
		return
	}

	logger.WithFields(map[string]interface{}{
		"request_id": requestID,
		"reset":      count,
	}).Info("Failed recipients reset to pending")

	c.JSON(http.StatusOK, gin.H{"reset": count})
}

// ImportRecipients replaces the recipient list from a CSV body. The first
// row must be a header naming the parameter columns. The import is
// all-or-nothing: any invalid row rejects the whole file.
// POST /api/v1/recipients/import
func (h *MailerHandler) ImportRecipients(c *gin.Context) {
	requestID := requestid.Get(c)

	rows, err := readCSVRows(c.Request.Body)
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"request_id": requestID,
			"error":      err.Error(),
		}).Warn("Invalid CSV upload")

		c.JSON(http.StatusBadRequest, gin.H{
			"error":      "Invalid CSV file",
			"details":    err.Error(),
			"request_id": requestID,
		})
		return
	}

	count, err := h.mailerUsecase.ImportRecipients(rows)
	if err != nil {
		h.respondError(c, requestID, err, "Failed to import recipients")
		return
	}

	logger.WithFields(map[string]interface{}{
		"request_id": requestID,
		"imported":   count,
	}).Info("Recipient list imported")

	c.JSON(http.StatusOK, gin.H{"imported": count})
}

// ExportRecipients returns the current list as CSV, with status and error
// columns appended
// GET /api/v1/recipients/export
func (h *MailerHandler) ExportRecipients(c *gin.Context) {
	requestID := requestid.Get(c)

	columns, rows, err := h.mailerUsecase.ExportRecipients()
	if err != nil {
		h.respondError(c, requestID, err, "Failed to export recipients")
		return
	}

	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	if err := writer.Write(columns); err == nil {
		for _, row := range rows {
			record := make([]string, len(columns))
			for i, column := range columns {
				record[i] = row[column]
			}
			if err := writer.Write(record); err != nil {
				break
			}
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		h.respondError(c, requestID, err, "Failed to export recipients")
		return
	}

	c.Header("Content-Disposition", `attachment; filename="recipients.csv"`)
	c.Data(http.StatusOK, "text/csv; charset=utf-8", buf.Bytes())
}

// Parameters

// ListParameters returns every known placeholder name, defaults first
// GET /api/v1/parameters
func (h *MailerHandler) ListParameters(c *gin.Context) {
	definitions := h.mailerUsecase.ListParameters()
	c.JSON(http.StatusOK, gin.H{"parameters": definitions})
}

// RegisterParameter adds a custom placeholder name
// POST /api/v1/parameters
func (h *MailerHandler) RegisterParameter(c *gin.Context) {
	requestID := requestid.Get(c)

	var req models.RegisterParameterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":      "Invalid request body",
			"details":    err.Error(),
			"request_id": requestID,
		})
		return
	}

	if err := h.mailerUsecase.RegisterParameter(req.Name, req.Label, req.Required); err != nil {
		h.respondError(c, requestID, err, "Failed to register parameter")
		return
	}

	logger.WithFields(map[string]interface{}{
		"request_id": requestID,
		"parameter":  req.Name,
	}).Info("Parameter registered")

	c.JSON(http.StatusCreated, gin.H{"message": "Parameter registered"})
}

// RemoveParameter deletes a custom placeholder name
// DELETE /api/v1/parameters/:name
func (h *MailerHandler) RemoveParameter(c *gin.Context) {
	requestID := requestid.Get(c)

	if err := h.mailerUsecase.RemoveParameter(c.Param("name")); err != nil {
		h.respondError(c, requestID, err, "Failed to remove parameter")
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Parameter removed"})
}

// Template

// ValidateTemplate reports placeholder names the template uses that are not
// registered parameters
// POST /api/v1/template/validate
func (h *MailerHandler) ValidateTemplate(c *gin.Context) {
	requestID := requestid.Get(c)

	var tmpl models.Template
	if err := c.ShouldBindJSON(&tmpl); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":      "Invalid template",
			"details":    err.Error(),
			"request_id": requestID,
		})
		return
	}

	undefined := h.mailerUsecase.ValidateTemplate(&tmpl)
	c.JSON(http.StatusOK, gin.H{
		"valid":     len(undefined) == 0,
		"undefined": undefined,
	})
}

// Preview renders the template against the first recipients without
// changing any state
// POST /api/v1/preview
func (h *MailerHandler) Preview(c *gin.Context) {
	requestID := requestid.Get(c)

	var req models.PreviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":      "Invalid request body",
			"details":    err.Error(),
			"request_id": requestID,
		})
		return
	}

	previews, err := h.mailerUsecase.Preview(&req.Template, req.Limit)
	if err != nil {
		h.respondError(c, requestID, err, "Failed to render preview")
		return
	}

	c.JSON(http.StatusOK, gin.H{"previews": previews})
}

// SMTP and batch

// TestConnection checks the SMTP settings by opening and closing a session
// POST /api/v1/smtp/test
func (h *MailerHandler) TestConnection(c *gin.Context) {
	requestID := requestid.Get(c)

	var settings models.SMTPSettings
	if err := c.ShouldBindJSON(&settings); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":      "Invalid request body",
			"details":    err.Error(),
			"request_id": requestID,
		})
		return
	}

	if err := h.mailerUsecase.TestConnection(h.mergeSMTP(settings)); err != nil {
		logger.WithFields(map[string]interface{}{
			"request_id": requestID,
			"error":      err.Error(),
		}).Warn("SMTP connection test failed")

		status := http.StatusBadGateway
		if errors.Is(err, email.ErrInvalidConfig) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{
			"connected":  false,
			"error":      err.Error(),
			"request_id": requestID,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"connected": true})
}

// StartBatch begins a background batch run. Progress is observed by polling
// GET /api/v1/batch and GET /api/v1/recipients.
// POST /api/v1/batch
func (h *MailerHandler) StartBatch(c *gin.Context) {
	requestID := requestid.Get(c)

	var req models.SendBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":      "Invalid request body",
			"details":    err.Error(),
			"request_id": requestID,
		})
		return
	}

	if err := h.batchRunner.Start(&req.Template, h.mergeSMTP(req.SMTP)); err != nil {
		h.respondError(c, requestID, err, "Failed to start batch")
		return
	}

	logger.WithField("request_id", requestID).Info("Batch run started")

	c.JSON(http.StatusAccepted, gin.H{"message": "Batch started"})
}

// BatchStatus returns the state of the current or last batch run
// GET /api/v1/batch
func (h *MailerHandler) BatchStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.batchRunner.Status())
}

// CancelBatch stops the running batch between recipients
// DELETE /api/v1/batch
func (h *MailerHandler) CancelBatch(c *gin.Context) {
	requestID := requestid.Get(c)

	if err := h.batchRunner.Cancel(); err != nil {
		h.respondError(c, requestID, err, "Failed to cancel batch")
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Cancellation requested"})
}

// mergeSMTP fills empty request fields from the service defaults
func (h *MailerHandler) mergeSMTP(settings models.SMTPSettings) email.Config {
	cfg := h.smtpDefaults
	if settings.Host != "" {
		cfg.Host = settings.Host
	}
	if settings.Port != 0 {
		cfg.Port = settings.Port
	}
	if settings.Username != "" {
		cfg.Username = settings.Username
	}
	if settings.Password != "" {
		cfg.Password = settings.Password
	}
	if settings.FromEmail != "" {
		cfg.FromEmail = settings.FromEmail
	}
	if settings.FromName != "" {
		cfg.FromName = settings.FromName
	}
	if settings.TLSMode != "" {
		cfg.TLSMode = settings.TLSMode
	}
	return cfg
}

// respondError maps domain errors onto HTTP status codes
func (h *MailerHandler) respondError(c *gin.Context, requestID string, err error, fallback string) {
	var importErr *usecase.ImportValidationError

	switch {
	case errors.As(err, &importErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":      "Import validation failed",
			"rows":       importErr.RowErrors,
			"request_id": requestID,
		})
	case errors.Is(err, repository.ErrUnknownRecipient),
		errors.Is(err, params.ErrUnknownParameter),
		errors.Is(err, worker.ErrNoBatch):
		c.JSON(http.StatusNotFound, gin.H{
			"error":      err.Error(),
			"request_id": requestID,
		})
	case errors.Is(err, params.ErrDuplicateParameter),
		errors.Is(err, worker.ErrBatchRunning):
		c.JSON(http.StatusConflict, gin.H{
			"error":      err.Error(),
			"request_id": requestID,
		})
	case errors.Is(err, params.ErrProtectedParameter),
		errors.Is(err, params.ErrInvalidIdentifier),
		errors.Is(err, email.ErrInvalidConfig):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":      err.Error(),
			"request_id": requestID,
		})
	default:
		logger.WithFields(map[string]interface{}{
			"request_id": requestID,
			"error":      err.Error(),
		}).Error(fallback)

		c.JSON(http.StatusInternalServerError, gin.H{
			"error":      fallback,
			"request_id": requestID,
		})
	}
}

// readCSVRows parses a CSV stream into one map per data row, keyed by the
// header names. Status and error columns from a previous export are dropped:
// re-imported recipients always start pending.
func readCSVRows(r io.Reader) ([]map[string]string, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	headers, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return nil, errors.New("empty CSV file")
		}
		return nil, err
	}
	for i, header := range headers {
		headers[i] = strings.TrimSpace(header)
	}

	var rows []map[string]string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		row := make(map[string]string, len(headers))
		for i, header := range headers {
			if i >= len(record) {
				break
			}
			lower := strings.ToLower(header)
			if lower == "status" || lower == "error" {
				continue
			}
			row[header] = strings.TrimSpace(record[i])
		}
		rows = append(rows, row)
	}

	if len(rows) == 0 {
		return nil, errors.New("CSV file has no data rows")
	}
	return rows, nil
}
