package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mercury-mailer/services/mailer/email"
	"mercury-mailer/services/mailer/models"
	"mercury-mailer/services/mailer/params"
	"mercury-mailer/services/mailer/repository"
	"mercury-mailer/services/mailer/usecase"
	"mercury-mailer/services/mailer/worker"
	"mercury-mailer/shared/database"
	"mercury-mailer/shared/middleware"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const testJWTSecret = "test-secret-key"

// fakeTransport stands in for the SMTP server in handler tests
type fakeTransport struct {
	sent     []*email.Message
	sendErrs map[string]error
}

func (f *fakeTransport) Connect() (email.Session, error) {
	return &fakeSession{transport: f}, nil
}

type fakeSession struct {
	transport *fakeTransport
}

func (s *fakeSession) Send(msg *email.Message) error {
	if err, ok := s.transport.sendErrs[msg.To]; ok {
		delete(s.transport.sendErrs, msg.To)
		return err
	}
	s.transport.sent = append(s.transport.sent, msg)
	return nil
}

func (s *fakeSession) Close() error { return nil }

type testServer struct {
	router    *gin.Engine
	runner    *worker.BatchRunner
	transport *fakeTransport
	token     string
}

func setupTestServer(t *testing.T) *testServer {
	gin.SetMode(gin.TestMode)

	gormDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	// The batch goroutine shares this in-memory database; a second pooled
	// connection would see a different empty database.
	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	db := &database.DB{DB: gormDB}
	require.NoError(t, db.Migrate(&models.Recipient{}))

	transport := &fakeTransport{sendErrs: make(map[string]error)}
	registry := params.NewRegistry()
	repo := repository.NewRecipientRepository(db)
	uc := usecase.NewMailerUsecase(repo, registry, func(cfg email.Config) email.Sender {
		return transport
	})
	runner := worker.NewBatchRunner(uc)
	t.Cleanup(runner.Shutdown)

	handler := NewMailerHandler(uc, runner, email.Config{
		Host:      "smtp.example.com",
		Port:      587,
		Username:  "mailer",
		Password:  "secret",
		FromEmail: "noreply@example.com",
		TLSMode:   "auto",
	})

	jwtConfig := middleware.DefaultJWTConfig(testJWTSecret)
	token, err := middleware.GenerateToken(1, "operator@example.com", jwtConfig)
	require.NoError(t, err)

	router := gin.New()
	router.Use(middleware.RequestIDMiddleware())

	v1 := router.Group("/api/v1")
	v1.Use(middleware.JWTMiddleware(jwtConfig))
	{
		recipients := v1.Group("/recipients")
		{
			recipients.GET("", handler.ListRecipients)
			recipients.POST("", handler.AddRecipient)
			recipients.PUT("/:index", handler.UpdateRecipient)
			recipients.DELETE("/:index", handler.DeleteRecipient)
			recipients.POST("/reset-failed", handler.ResetFailed)
			recipients.POST("/import", handler.ImportRecipients)
			recipients.GET("/export", handler.ExportRecipients)
		}

		parameters := v1.Group("/parameters")
		{
			parameters.GET("", handler.ListParameters)
			parameters.POST("", handler.RegisterParameter)
			parameters.DELETE("/:name", handler.RemoveParameter)
		}

		v1.POST("/template/validate", handler.ValidateTemplate)
		v1.POST("/preview", handler.Preview)
		v1.POST("/smtp/test", handler.TestConnection)

		batch := v1.Group("/batch")
		{
			batch.POST("", handler.StartBatch)
			batch.GET("", handler.BatchStatus)
			batch.DELETE("", handler.CancelBatch)
		}
	}

	return &testServer{
		router:    router,
		runner:    runner,
		transport: transport,
		token:     token,
	}
}

func (s *testServer) do(method, path, contentType string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+s.token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) doJSON(method, path string, payload interface{}) *httptest.ResponseRecorder {
	body, _ := json.Marshal(payload)
	return s.do(method, path, "application/json", body)
}

func (s *testServer) importCSV(t *testing.T, csvBody string) {
	w := s.do("POST", "/api/v1/recipients/import", "text/csv", []byte(csvBody))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestRequiresAuthentication(t *testing.T) {
	s := setupTestServer(t)

	req := httptest.NewRequest("GET", "/api/v1/recipients", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest("GET", "/api/v1/recipients", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestImportAndListRecipients(t *testing.T) {
	s := setupTestServer(t)

	s.importCSV(t, "email,name\na@example.com,Alice\nb@example.com,Bob\n")

	w := s.do("GET", "/api/v1/recipients", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, float64(2), body["total"])
	recipients := body["recipients"].([]interface{})
	first := recipients[0].(map[string]interface{})
	assert.Equal(t, "pending", first["status"])
	assert.Equal(t, "Alice", first["values"].(map[string]interface{})["name"])
}

func TestImportRejectsInvalidRows(t *testing.T) {
	s := setupTestServer(t)

	w := s.do("POST", "/api/v1/recipients/import", "text/csv",
		[]byte("email,name\na@example.com,Alice\nb@example.com,\n"))
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	body := decodeBody(t, w)
	rows := body["rows"].([]interface{})
	require.Len(t, rows, 1)
	assert.Equal(t, float64(1), rows[0].(map[string]interface{})["row_index"])

	// The store was not touched
	w = s.do("GET", "/api/v1/recipients", "", nil)
	assert.Equal(t, float64(0), decodeBody(t, w)["total"])
}

func TestImportRejectsEmptyFile(t *testing.T) {
	s := setupTestServer(t)

	w := s.do("POST", "/api/v1/recipients/import", "text/csv", []byte(""))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do("POST", "/api/v1/recipients/import", "text/csv", []byte("email,name\n"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAddUpdateDeleteRecipient(t *testing.T) {
	s := setupTestServer(t)

	w := s.doJSON("POST", "/api/v1/recipients", models.AddRecipientRequest{
		Values: map[string]string{"email": "a@example.com", "name": "Alice"},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = s.doJSON("PUT", "/api/v1/recipients/0", models.UpdateRecipientRequest{
		Field: "name", Value: "Alicia",
	})
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.doJSON("PUT", "/api/v1/recipients/9", models.UpdateRecipientRequest{
		Field: "name", Value: "x",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do("DELETE", "/api/v1/recipients/0", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do("DELETE", "/api/v1/recipients/0", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestParameterEndpoints(t *testing.T) {
	s := setupTestServer(t)

	w := s.doJSON("POST", "/api/v1/parameters", models.RegisterParameterRequest{
		Name: "Code", Label: "Signup code",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	// Duplicate registration conflicts
	w = s.doJSON("POST", "/api/v1/parameters", models.RegisterParameterRequest{
		Name: "code",
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	// Invalid identifier
	w = s.doJSON("POST", "/api/v1/parameters", models.RegisterParameterRequest{
		Name: "first name",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do("GET", "/api/v1/parameters", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	definitions := decodeBody(t, w)["parameters"].([]interface{})
	require.Len(t, definitions, 3)
	assert.Equal(t, "email", definitions[0].(map[string]interface{})["name"])
	assert.Equal(t, "code", definitions[2].(map[string]interface{})["name"])

	// Defaults are protected
	w = s.do("DELETE", "/api/v1/parameters/email", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do("DELETE", "/api/v1/parameters/code", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do("DELETE", "/api/v1/parameters/code", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestValidateTemplateEndpoint(t *testing.T) {
	s := setupTestServer(t)

	w := s.doJSON("POST", "/api/v1/template/validate", models.Template{
		Format:  models.FormatPlain,
		Subject: "Hello {{name}}",
		Body:    "Your code: {{code}}",
	})
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, false, body["valid"])
	assert.Equal(t, []interface{}{"code"}, body["undefined"])
}

func TestPreviewEndpoint(t *testing.T) {
	s := setupTestServer(t)
	s.importCSV(t, "email,name\na@example.com,Alice\n")

	w := s.doJSON("POST", "/api/v1/preview", models.PreviewRequest{
		Template: models.Template{
			Format:  models.FormatPlain,
			Subject: "Hello {{name}}",
			Body:    "Hi {{name}}",
		},
	})
	require.Equal(t, http.StatusOK, w.Code)

	previews := decodeBody(t, w)["previews"].([]interface{})
	require.Len(t, previews, 1)
	assert.Equal(t, "Hello Alice", previews[0].(map[string]interface{})["subject"])
}

func TestSMTPTestEndpoint(t *testing.T) {
	s := setupTestServer(t)

	// Empty settings fall back to the service defaults, which the fake
	// transport accepts
	w := s.doJSON("POST", "/api/v1/smtp/test", models.SMTPSettings{})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decodeBody(t, w)["connected"])

	w = s.doJSON("POST", "/api/v1/smtp/test", models.SMTPSettings{FromEmail: "bogus"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBatchLifecycle(t *testing.T) {
	s := setupTestServer(t)
	s.importCSV(t, "email,name\na@example.com,Alice\nb@example.com,Bob\n")

	w := s.doJSON("POST", "/api/v1/batch", models.SendBatchRequest{
		Template: models.Template{
			Format:  models.FormatPlain,
			Subject: "Hello {{name}}",
			Body:    "Hi {{name}}",
		},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	// Poll until the background run finishes
	require.Eventually(t, func() bool {
		w := s.do("GET", "/api/v1/batch", "", nil)
		return decodeBody(t, w)["state"] == "done"
	}, 5*time.Second, 10*time.Millisecond)

	w = s.do("GET", "/api/v1/batch", "", nil)
	status := decodeBody(t, w)
	result := status["result"].(map[string]interface{})
	assert.Equal(t, float64(2), result["sent"])
	assert.Len(t, s.transport.sent, 2)

	// Cancelling after completion is a 404
	w = s.do("DELETE", "/api/v1/batch", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBatchRejectsBadConfiguration(t *testing.T) {
	s := setupTestServer(t)
	s.importCSV(t, "email,name\na@example.com,Alice\n")

	w := s.doJSON("POST", "/api/v1/batch", models.SendBatchRequest{
		Template: models.Template{
			Format:  models.FormatPlain,
			Subject: "Hello",
			Body:    "Hi",
		},
		SMTP: models.SMTPSettings{TLSMode: "carrier-pigeon"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExportEndpoint(t *testing.T) {
	s := setupTestServer(t)
	s.importCSV(t, "email,name\na@example.com,Alice\n")

	w := s.do("GET", "/api/v1/recipients/export", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "recipients.csv")

	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "email,name,status,error", lines[0])
	assert.Equal(t, "a@example.com,Alice,Pending,", lines[1])
}

func TestExportImportRoundTripResetsStatus(t *testing.T) {
	s := setupTestServer(t)
	s.importCSV(t, "email,name\na@example.com,Alice\n")

	// Run a batch so the status moves off pending
	w := s.doJSON("POST", "/api/v1/batch", models.SendBatchRequest{
		Template: models.Template{
			Format:  models.FormatPlain,
			Subject: "Hello {{name}}",
			Body:    "Hi {{name}}",
		},
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Eventually(t, func() bool {
		w := s.do("GET", "/api/v1/batch", "", nil)
		return decodeBody(t, w)["state"] == "done"
	}, 5*time.Second, 10*time.Millisecond)

	exported := s.do("GET", "/api/v1/recipients/export", "", nil)
	require.Equal(t, http.StatusOK, exported.Code)
	assert.Contains(t, exported.Body.String(), "Sent")

	// Importing the export drops the status column: everyone is pending
	s.importCSV(t, exported.Body.String())

	w = s.do("GET", "/api/v1/recipients", "", nil)
	recipients := decodeBody(t, w)["recipients"].([]interface{})
	require.Len(t, recipients, 1)
	assert.Equal(t, "pending", recipients[0].(map[string]interface{})["status"])
}

func TestResetFailedEndpoint(t *testing.T) {
	s := setupTestServer(t)
	s.transport.sendErrs["a@example.com"] = fmt.Errorf("550 no such user")
	s.importCSV(t, "email,name\na@example.com,Alice\n")

	w := s.doJSON("POST", "/api/v1/batch", models.SendBatchRequest{
		Template: models.Template{
			Format:  models.FormatPlain,
			Subject: "Hello {{name}}",
			Body:    "Hi {{name}}",
		},
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Eventually(t, func() bool {
		w := s.do("GET", "/api/v1/batch", "", nil)
		return decodeBody(t, w)["state"] == "done"
	}, 5*time.Second, 10*time.Millisecond)

	w = s.do("POST", "/api/v1/recipients/reset-failed", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decodeBody(t, w)["reset"])

	w = s.do("GET", "/api/v1/recipients", "", nil)
	recipients := decodeBody(t, w)["recipients"].([]interface{})
	assert.Equal(t, "pending", recipients[0].(map[string]interface{})["status"])
}
