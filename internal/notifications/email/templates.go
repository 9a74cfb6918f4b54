package email

import (
	"encoding/json"
	"reflect"
)

// Template names. The name is also the dedup and metrics dimension.
const (
	TemplateMissingDocument   = "missing_document_reminder"
	TemplateDocumentUploaded  = "document_uploaded"
	TemplateLoadStatusChanged = "load_status_changed"
)

// MissingDocumentData feeds the scheduled reminder for a (load, document)
// pair that has no upload yet.
type MissingDocumentData struct {
	RecipientName  string `json:"recipient_name" validate:"max=200"`
	LoadNumber     string `json:"load_number" validate:"required"`
	DocumentType   string `json:"document_type" validate:"required"`
	UploadURL      string `json:"upload_url" validate:"required,url"`
	ReminderNumber int    `json:"reminder_number" validate:"gte=0"`
}

// DocumentUploadedData feeds the request-time notification sent when a
// document lands on a load.
type DocumentUploadedData struct {
	RecipientName string `json:"recipient_name" validate:"max=200"`
	LoadNumber    string `json:"load_number" validate:"required"`
	DocumentType  string `json:"document_type" validate:"required"`
	UploadedBy    string `json:"uploaded_by" validate:"required"`
	ViewURL       string `json:"view_url" validate:"required,url"`
}

type LoadStatusData struct {
	RecipientName  string `json:"recipient_name" validate:"max=200"`
	LoadNumber     string `json:"load_number" validate:"required"`
	PreviousStatus string `json:"previous_status"`
	Status         string `json:"status" validate:"required"`
	ViewURL        string `json:"view_url" validate:"omitempty,url"`
}

// templateSpec binds a template name to its subject line and payload type.
type templateSpec struct {
	subject  string
	dataType reflect.Type
	decode   func([]byte) (any, error)
}

func define[T any](subject string) templateSpec {
	return templateSpec{
		subject:  subject,
		dataType: reflect.TypeFor[T](),
		decode: func(raw []byte) (any, error) {
			var v T
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, err
			}
			return v, nil
		},
	}
}

var catalog = map[string]templateSpec{
	TemplateMissingDocument:   define[MissingDocumentData]("Action needed: {{.DocumentType}} missing for load {{.LoadNumber}}"),
	TemplateDocumentUploaded:  define[DocumentUploadedData]("{{.DocumentType}} uploaded for load {{.LoadNumber}}"),
	TemplateLoadStatusChanged: define[LoadStatusData]("Load {{.LoadNumber}} is now {{.Status}}"),
}
