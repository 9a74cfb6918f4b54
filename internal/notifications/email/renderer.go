// Package email renders the engine's transactional emails from embedded
// templates and parses provider feedback (SES bounces and complaints
// delivered over SNS).
package email

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"reflect"
	"sort"
	"strings"
	texttemplate "text/template"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"courier/internal/types"
)

//go:embed templates/*.html templates/*.txt
var templateFS embed.FS

var validate = validator.New()

// Rendered is the pre-rendered content handed to the queue.
type Rendered struct {
	Subject string
	HTML    string
	Text    string
}

type compiled struct {
	spec    templateSpec
	subject *texttemplate.Template
	html    *template.Template
	text    *texttemplate.Template
}

// Renderer renders named templates from typed payloads. Payloads are
// validated before rendering so a producer fails fast, before anything is
// queued.
type Renderer struct {
	templates map[string]*compiled
	events    types.EventLogger
	clock     types.Clock
}

type RendererConfig struct {
	// Events receives a PREVIEWED event per Preview call. Optional.
	Events types.EventLogger
	Clock  types.Clock
}

// NewRenderer parses every catalog template. A parse failure is a build
// defect and is returned as an error.
func NewRenderer(cfg RendererConfig) (*Renderer, error) {
	r := &Renderer{
		templates: make(map[string]*compiled, len(catalog)),
		events:    cfg.Events,
		clock:     cfg.Clock,
	}
	if r.clock == nil {
		r.clock = types.RealClock{}
	}

	for name, spec := range catalog {
		c := &compiled{spec: spec}
		var err error
		if c.subject, err = texttemplate.New(name + ".subject").Option("missingkey=error").Parse(spec.subject); err != nil {
			return nil, fmt.Errorf("renderer: failed to parse subject for %s: %w", name, err)
		}
		if c.html, err = template.New(name).Option("missingkey=error").ParseFS(templateFS, "templates/base.html", "templates/"+name+".html"); err != nil {
			return nil, fmt.Errorf("renderer: failed to parse %s.html: %w", name, err)
		}
		if c.text, err = texttemplate.New(name+".txt").Option("missingkey=error").ParseFS(templateFS, "templates/"+name+".txt"); err != nil {
			return nil, fmt.Errorf("renderer: failed to parse %s.txt: %w", name, err)
		}
		r.templates[name] = c
	}
	return r, nil
}

// Templates lists the available template names, sorted.
func (r *Renderer) Templates() []string {
	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Render produces subject, HTML and text for name. Errors are
// ErrCodeNotFoundTemplate (TEMPLATE_NOT_FOUND) or
// ErrCodeValidationTemplateData (TEMPLATE_VALIDATION_ERROR).
func (r *Renderer) Render(name string, data any) (*Rendered, error) {
	c, ok := r.templates[name]
	if !ok {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeNotFoundTemplate,
			fmt.Sprintf("template %q does not exist", name), nil, map[string]any{"template": name})
	}

	data, err := normalize(c.spec, name, data)
	if err != nil {
		return nil, err
	}
	if err := validate.Struct(data); err != nil {
		return nil, validationError(name, err)
	}

	var subject, html, text bytes.Buffer
	if err := c.subject.Execute(&subject, data); err != nil {
		return nil, renderError(name, "subject", err)
	}
	if err := c.html.ExecuteTemplate(&html, "base", data); err != nil {
		return nil, renderError(name, "html", err)
	}
	if err := c.text.ExecuteTemplate(&text, name+".txt", data); err != nil {
		return nil, renderError(name, "text", err)
	}

	return &Rendered{
		Subject: strings.TrimSpace(subject.String()),
		HTML:    html.String(),
		Text:    strings.TrimSpace(text.String()) + "\n",
	}, nil
}

// Preview renders name from a JSON payload without queuing anything and
// records a PREVIEWED event.
func (r *Renderer) Preview(ctx context.Context, name string, raw []byte) (*Rendered, error) {
	c, ok := r.templates[name]
	if !ok {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeNotFoundTemplate,
			fmt.Sprintf("template %q does not exist", name), nil, map[string]any{"template": name})
	}
	data, err := c.spec.decode(raw)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidJSON, "preview payload is not valid JSON for this template", err)
	}

	out, err := r.Render(name, data)
	if err != nil {
		return nil, err
	}
	if r.events != nil {
		r.events.LogEvent(ctx, types.EmailEvent{
			ID:           uuid.NewString(),
			Type:         types.EventPreviewed,
			Timestamp:    r.clock.Now(),
			TemplateName: name,
			Metadata:     map[string]any{"subject": out.Subject},
		})
	}
	return out, nil
}

// normalize accepts the payload by value or by pointer.
func normalize(spec templateSpec, name string, data any) (any, error) {
	if data == nil {
		return nil, types.NewAppError(types.ErrCodeValidationTemplateData,
			fmt.Sprintf("template %q requires a payload", name), nil)
	}
	v := reflect.ValueOf(data)
	if v.Kind() == reflect.Pointer && !v.IsNil() {
		v = v.Elem()
	}
	if v.Type() != spec.dataType {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationTemplateData,
			fmt.Sprintf("template %q expects %s, got %T", name, spec.dataType.Name(), data), nil,
			map[string]any{"template": name})
	}
	return v.Interface(), nil
}

func validationError(name string, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return types.NewAppError(types.ErrCodeValidationTemplateData, "template payload is invalid", err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s:%s", fe.Field(), fe.Tag()))
	}
	return types.NewAppErrorWithDetails(types.ErrCodeValidationTemplateData,
		fmt.Sprintf("template %q payload failed validation", name), err,
		map[string]any{"template": name, "fields": fields})
}

func renderError(name, part string, err error) error {
	return types.NewAppErrorWithDetails(types.ErrCodeValidationTemplateData,
		fmt.Sprintf("failed to render %s for %q", part, name), err,
		map[string]any{"template": name})
}
