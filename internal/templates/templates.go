// Package templates renders the auto-reply messages owners send on loan events.
//
// Templates are plain text with a fixed set of {placeholder} tokens. Tokens
// outside that set are copied verbatim; nothing in a template is evaluated.
package templates

import (
	"strings"
	"time"
	"unicode/utf8"

	"booklend/internal/apperr"
	"booklend/internal/models"
)

// MaxLength is the longest template accepted, in characters
const MaxLength = 1000

// DateLayout formats {due_date}
const DateLayout = "02/01/2006"

// Kind selects one of the three templates
type Kind string

const (
	KindAccept Kind = "accept"
	KindReject Kind = "reject"
	KindReturn Kind = "return"
)

// Defaults used when the owner has not written a template
var Defaults = models.MessageTemplates{
	Accept: "Hi {borrower}, I accepted your request for \"{title}\". Please return it by {due_date}.",
	Reject: "Hi {borrower}, sorry, I cannot lend \"{title}\" right now.",
	Return: "Thanks {borrower}, I got \"{title}\" back.",
}

// Vars are the values substituted into a template
type Vars struct {
	Title    string
	Author   string
	DueDate  time.Time
	Borrower string
	Owner    string
}

func (v Vars) lookup(name string) (string, bool) {
	switch name {
	case "title", "titre":
		return v.Title, true
	case "author", "auteur":
		return v.Author, true
	case "due_date", "dateRetour":
		if v.DueDate.IsZero() {
			return "", true
		}
		return v.DueDate.Format(DateLayout), true
	case "borrower":
		return v.Borrower, true
	case "owner":
		return v.Owner, true
	}
	return "", false
}

// Render substitutes the known placeholders of tmpl
func Render(tmpl string, vars Vars) string {
	var sb strings.Builder
	sb.Grow(len(tmpl))

	for {
		start := strings.IndexByte(tmpl, '{')
		if start < 0 {
			sb.WriteString(tmpl)
			break
		}
		end := strings.IndexByte(tmpl[start:], '}')
		if end < 0 {
			sb.WriteString(tmpl)
			break
		}
		end += start

		sb.WriteString(tmpl[:start])
		if value, ok := vars.lookup(tmpl[start+1 : end]); ok {
			sb.WriteString(value)
			tmpl = tmpl[end+1:]
			continue
		}
		// unknown token: keep the brace and rescan after it
		sb.WriteByte('{')
		tmpl = tmpl[start+1:]
	}
	return sb.String()
}

// Pick returns the template of the given kind, falling back to the default
func Pick(t *models.MessageTemplates, kind Kind) string {
	var custom, fallback string
	switch kind {
	case KindAccept:
		fallback = Defaults.Accept
		if t != nil {
			custom = t.Accept
		}
	case KindReject:
		fallback = Defaults.Reject
		if t != nil {
			custom = t.Reject
		}
	case KindReturn:
		fallback = Defaults.Return
		if t != nil {
			custom = t.Return
		}
	}
	if strings.TrimSpace(custom) == "" {
		return fallback
	}
	return custom
}

// Validate checks the length limit of every template
func Validate(t models.MessageTemplates) error {
	for kind, tmpl := range map[Kind]string{
		KindAccept: t.Accept,
		KindReject: t.Reject,
		KindReturn: t.Return,
	} {
		if utf8.RuneCountInString(tmpl) > MaxLength {
			return apperr.Validation("%s template exceeds %d characters", kind, MaxLength)
		}
	}
	return nil
}

// WithDefaults fills empty templates with the defaults
func WithDefaults(t *models.MessageTemplates) models.MessageTemplates {
	return models.MessageTemplates{
		Accept: Pick(t, KindAccept),
		Reject: Pick(t, KindReject),
		Return: Pick(t, KindReturn),
	}
}
