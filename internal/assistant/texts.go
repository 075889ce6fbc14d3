package assistant

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/FollowMyVote/assistant/internal/models"
	"gopkg.in/yaml.v3"
)

//go:embed texts.yaml
var defaultTexts []byte

// Texts is the dialog text catalog.
type Texts struct {
	AssistantName string                    `yaml:"assistantName"`
	States        map[models.StateID]string `yaml:"states"`
	FailedURL     struct {
		Preludes struct {
			Trying  string `yaml:"trying"`
			Timeout string `yaml:"timeout"`
		} `yaml:"preludes"`
		Reasons struct {
			NotFound    string `yaml:"notFound"`
			Forbidden   string `yaml:"forbidden"`
			BadRequest  string `yaml:"badRequest"`
			ServerError string `yaml:"serverError"`
			Nonsense    string `yaml:"nonsense"`
		} `yaml:"reasons"`
	} `yaml:"failedUrl"`
	Placeholders struct {
		InviteCode string `yaml:"inviteCode"`
		NodeURL    string `yaml:"nodeURL"`
	} `yaml:"placeholders"`
}

// LoadTexts parses a catalog. Empty data loads the built-in catalog.
func LoadTexts(data []byte) (*Texts, error) {
	if len(data) == 0 {
		data = defaultTexts
	}
	var t Texts
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse dialog texts: %w", err)
	}
	for id, text := range t.States {
		t.States[id] = strings.ReplaceAll(text, "{{name}}", t.AssistantName)
	}
	return &t, nil
}

// DefaultTexts returns the built-in catalog.
func DefaultTexts() *Texts {
	t, err := LoadTexts(nil)
	if err != nil {
		panic(err)
	}
	return t
}

// Text returns the text for id.
func (t *Texts) Text(id models.StateID) string {
	return t.States[id]
}

// FailedURLReason picks the failedUrl explanation for an HTTP status code.
func (t *Texts) FailedURLReason(code int) string {
	r := t.FailedURL.Reasons
	switch {
	case code == 404:
		return r.NotFound
	case code == 403:
		return r.Forbidden
	case code >= 400 && code < 500:
		return r.BadRequest
	case code >= 500 && code < 600:
		return r.ServerError
	default:
		return r.Nonsense
	}
}
