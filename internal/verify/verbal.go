package verify

import (
	"context"
	"math"
	"os"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/witness-cli/internal/model"
)

// Element is one required piece of the verbal acknowledgment. It is present
// when any phrase occurs in the transcript, or, for form-reference elements,
// when the session's form reference is spoken.
type Element struct {
	Name          string   `yaml:"name"`
	Phrases       []string `yaml:"phrases"`
	FormReference bool     `yaml:"form_reference"`
}

// DefaultElements is used when no elements file is configured.
var DefaultElements = []Element{
	{Name: "consent", Phrases: []string{"i consent", "i agree", "i authorize", "i give permission"}},
	{Name: "form_reference", Phrases: []string{"form 1583", "this form", "the form"}, FormReference: true},
	{Name: "acknowledgment", Phrases: []string{"i acknowledge", "i understand", "i confirm that"}},
	{Name: "identity_confirmation", Phrases: []string{"my name is", "i am the applicant", "this is my"}},
}

type elementsFile struct {
	Elements []Element `yaml:"elements"`
}

// LoadElements reads element definitions from a YAML file.
func LoadElements(path string) ([]Element, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "verify: read elements %s", path)
	}
	var f elementsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "verify: parse elements %s", path)
	}
	if len(f.Elements) == 0 {
		return nil, eris.Errorf("verify: elements %s: no elements defined", path)
	}
	for _, e := range f.Elements {
		if e.Name == "" || (len(e.Phrases) == 0 && !e.FormReference) {
			return nil, eris.Errorf("verify: elements %s: element %q has no phrases", path, e.Name)
		}
	}
	return f.Elements, nil
}

// VerbalCollector checks a transcript for the required acknowledgment elements.
// The check is deterministic and local.
type VerbalCollector struct {
	elements []Element
}

// NewVerbalCollector creates a collector. Nil elements means DefaultElements.
func NewVerbalCollector(elements []Element) *VerbalCollector {
	if len(elements) == 0 {
		elements = DefaultElements
	}
	return &VerbalCollector{elements: elements}
}

// Collect scores transcript. The result is compliant when at most one element
// is missing. An empty transcript yields a degraded result.
func (c *VerbalCollector) Collect(_ context.Context, transcript, formReference string) model.VerbalResult {
	text := normalizeSpeech(transcript)
	if text == "" {
		zap.L().Warn("verify: verbal degraded", zap.String("reason", "empty transcript"))
		return model.VerbalResult{
			MissingElements: c.names(),
			Confidence:      neutralScore,
			Degraded:        true,
		}
	}

	ref := normalizeSpeech(formReference)
	missing := []string{}
	for _, e := range c.elements {
		if !e.present(text, ref) {
			missing = append(missing, e.Name)
		}
	}

	total := len(c.elements)
	present := total - len(missing)
	return model.VerbalResult{
		IsCompliant:     len(missing) <= 1,
		MissingElements: missing,
		Confidence:      math.Round(float64(present)/float64(total)*10000) / 100,
	}
}

func (e Element) present(text, formRef string) bool {
	if e.FormReference && containsPhrase(text, formRef) {
		return true
	}
	for _, p := range e.Phrases {
		if containsPhrase(text, normalizeSpeech(p)) {
			return true
		}
	}
	return false
}

// containsPhrase reports whether phrase occurs in text on word boundaries.
// Both must already be normalized.
func containsPhrase(text, phrase string) bool {
	if phrase == "" {
		return false
	}
	return strings.Contains(" "+text+" ", " "+phrase+" ")
}

func (c *VerbalCollector) names() []string {
	out := make([]string, len(c.elements))
	for i, e := range c.elements {
		out[i] = e.Name
	}
	return out
}

// normalizeSpeech lowercases, NFC-normalizes and collapses whitespace and
// punctuation so phrase matching is insensitive to transcription noise.
func normalizeSpeech(s string) string {
	s = strings.ToLower(norm.NFC.String(s))
	var b strings.Builder
	space := false
	for _, r := range s {
		switch {
		case r == '\'' || r == '’':
			b.WriteRune('\'')
			space = false
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
			space = false
		default:
			if !space && b.Len() > 0 {
				b.WriteByte(' ')
				space = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}
