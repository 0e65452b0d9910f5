// Package template resolves campaign templates and renders per-recipient
// content with the Liquid language ({{ first_name | default: "Friend" }}).
package template

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/osteele/liquid"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/failure"
	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
)

// ErrNotFound is returned when a template does not exist.
var ErrNotFound = errors.New("template not found")

// Template is the stored content of a campaign template.
type Template struct {
	ID        string    `json:"id" db:"id"`
	Subject   string    `json:"subject" db:"subject"`
	HTML      string    `json:"html" db:"html_content"`
	Text      string    `json:"text" db:"text_content"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Repository loads templates.
type Repository interface {
	GetTemplate(ctx context.Context, id string) (*Template, error)
}

// Rendered is the personalized content of one message.
type Rendered struct {
	Subject string
	HTML    string
	Text    string
}

// Service renders templates with caching. It is safe for concurrent use.
type Service struct {
	repo   Repository
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

// NewService creates a template service with the custom filters registered.
func NewService(repo Repository) *Service {
	s := &Service{repo: repo, engine: liquid.NewEngine()}
	s.registerFilters()
	return s
}

func (s *Service) registerFilters() {
	// {{ first_name | default: "Friend" }}
	s.engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		str := fmt.Sprintf("%v", value)
		if str == "" || str == "<nil>" {
			return defaultVal
		}
		return value
	})
	s.engine.RegisterFilter("capitalize", func(str string) string {
		if str == "" {
			return str
		}
		return strings.ToUpper(str[:1]) + strings.ToLower(str[1:])
	})
	s.engine.RegisterFilter("urlencode", func(str string) string {
		return url.QueryEscape(str)
	})
	s.engine.RegisterFilter("escape", func(str string) string {
		return html.EscapeString(str)
	})
	s.engine.RegisterFilter("email_domain", func(email string) string {
		if i := strings.LastIndex(email, "@"); i >= 0 {
			return email[i+1:]
		}
		return ""
	})
}

// GetTemplate loads a template by id.
func (s *Service) GetTemplate(ctx context.Context, id string) (*Template, error) {
	t, err := s.repo.GetTemplate(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get template %s: %w", id, err)
	}
	return t, nil
}

// Bindings builds the render context of a recipient. Every custom field is
// exposed under its own name plus the built-in columns; fieldMap then maps
// template variables to recipient fields, and fallbacks fill variables that
// resolve empty.
func Bindings(fieldMap map[string]string, r *domain.Recipient, fallbacks map[string]string) map[string]interface{} {
	b := make(map[string]interface{}, len(r.Fields)+len(fieldMap)+3)
	for k, v := range r.Fields {
		b[k] = v
	}
	b["email"] = r.Email
	b["first_name"] = r.FirstName
	b["last_name"] = r.LastName

	for variable, source := range fieldMap {
		if v, ok := r.Field(source); ok {
			b[variable] = v
		} else {
			b[variable] = ""
		}
	}
	for variable, fb := range fallbacks {
		v, ok := b[variable]
		if !ok || v == nil || fmt.Sprintf("%v", v) == "" {
			b[variable] = fb
		}
	}
	return b
}

// Personalize renders content for one recipient. Failures are classified
// as template errors so they are never retried.
func (s *Service) Personalize(content string, fieldMap map[string]string, r *domain.Recipient, fallbacks map[string]string) (string, error) {
	return s.render("", content, Bindings(fieldMap, r, fallbacks))
}

// Render personalizes every part of t. Compiled parts are cached per
// template version.
func (s *Service) Render(t *Template, fieldMap map[string]string, r *domain.Recipient, fallbacks map[string]string) (Rendered, error) {
	b := Bindings(fieldMap, r, fallbacks)
	version := fmt.Sprintf("%s:%d", t.ID, t.UpdatedAt.UnixNano())

	var out Rendered
	var err error
	if out.Subject, err = s.render(version+":subject", t.Subject, b); err != nil {
		return Rendered{}, err
	}
	if out.HTML, err = s.render(version+":html", t.HTML, b); err != nil {
		return Rendered{}, err
	}
	if t.Text != "" {
		if out.Text, err = s.render(version+":text", t.Text, b); err != nil {
			return Rendered{}, err
		}
	}
	return out, nil
}

func (s *Service) render(cacheKey, content string, b map[string]interface{}) (string, error) {
	var tpl *liquid.Template
	if cacheKey != "" {
		if cached, ok := s.cache.Load(cacheKey); ok {
			tpl = cached.(*liquid.Template)
		}
	}
	if tpl == nil {
		parsed, perr := s.engine.ParseString(content)
		if perr != nil {
			logger.Warn("[Template] parse error", "key", cacheKey, "error", perr.Error())
			return "", failure.Wrap(failure.TemplateError, "", perr)
		}
		tpl = parsed
		if cacheKey != "" {
			s.cache.Store(cacheKey, tpl)
		}
	}

	out, rerr := tpl.RenderString(b)
	if rerr != nil {
		return "", failure.Wrap(failure.TemplateError, "", rerr)
	}
	return out, nil
}
