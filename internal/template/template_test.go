package template

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/failure"
)

type mapRepo map[string]*Template

func (m mapRepo) GetTemplate(_ context.Context, id string) (*Template, error) {
	t, ok := m[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

func testRecipient() *domain.Recipient {
	return &domain.Recipient{
		ID:        "r1",
		Email:     "jane@example.com",
		FirstName: "jane",
		Fields:    map[string]any{"city": "Austin", "plan": ""},
	}
}

func TestPersonalizeSubstitutesVariables(t *testing.T) {
	s := NewService(mapRepo{})
	out, err := s.Personalize("Hi {{first_name | capitalize}} from {{ city }}", nil, testRecipient(), nil)
	require.NoError(t, err)
	assert.Equal(t, "Hi Jane from Austin", out)
}

func TestPersonalizeFieldMapAndFallbacks(t *testing.T) {
	s := NewService(mapRepo{})
	fieldMap := map[string]string{"town": "city", "tier": "plan", "surname": "last_name"}
	fallbacks := map[string]string{"tier": "basic", "surname": "Customer", "missing": "n/a"}

	out, err := s.Personalize("{{town}}|{{tier}}|{{surname}}|{{missing}}", fieldMap, testRecipient(), fallbacks)
	require.NoError(t, err)
	assert.Equal(t, "Austin|basic|Customer|n/a", out)
}

func TestPersonalizeFilters(t *testing.T) {
	s := NewService(mapRepo{})
	out, err := s.Personalize(`{{ nickname | default: "Friend" }} {{ email | urlencode }} {{ email | email_domain }}`,
		nil, testRecipient(), nil)
	require.NoError(t, err)
	assert.Equal(t, "Friend jane%40example.com example.com", out)
}

func TestPersonalizeSyntaxErrorIsTemplateError(t *testing.T) {
	s := NewService(mapRepo{})
	_, err := s.Personalize("Hi {% if first_name %}", nil, testRecipient(), nil)
	require.Error(t, err)
	assert.Equal(t, failure.TemplateError, failure.Classify(err))
	assert.Equal(t, failure.Permanent, failure.OutcomeOf(err))
}

func TestRenderTemplateParts(t *testing.T) {
	repo := mapRepo{"t1": {ID: "t1", Subject: "Hello {{first_name}}", HTML: "<p>{{city}}</p>"}}
	s := NewService(repo)

	tpl, err := s.GetTemplate(context.Background(), "t1")
	require.NoError(t, err)

	out, err := s.Render(tpl, nil, testRecipient(), nil)
	require.NoError(t, err)
	assert.Equal(t, "Hello jane", out.Subject)
	assert.Equal(t, "<p>Austin</p>", out.HTML)
	assert.Empty(t, out.Text)

	// second render hits the compiled cache
	other := testRecipient()
	other.FirstName = "Bob"
	out, err = s.Render(tpl, nil, other, nil)
	require.NoError(t, err)
	assert.Equal(t, "Hello Bob", out.Subject)
}

func TestGetTemplateNotFound(t *testing.T) {
	s := NewService(mapRepo{})
	_, err := s.GetTemplate(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}
