// Package artifact renders PBX configuration fragments and appends them to
// the configuration sources the telephony process reads.
package artifact

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"strings"
	"text/template"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// Kind names a fragment type.
type Kind string

const (
	KindSIP       Kind = "sip"
	KindVoicemail Kind = "voicemail"
	KindDialplan  Kind = "dialplan"
)

// Kinds lists every fragment type in pipeline order.
var Kinds = []Kind{KindSIP, KindVoicemail, KindDialplan}

// Data is what the templates are rendered from.
type Data struct {
	Extension    string
	DisplayName  string
	Email        string
	Password     string
	VoicemailPIN string

	EndpointContext  string
	VoicemailContext string
	DialTimeout      int

	Voicemail   bool
	EmailNotify bool
}

// Artifact is one rendered fragment addressed to a source and context.
// Context is empty for sources that are not organised into contexts.
type Artifact struct {
	Kind    Kind
	Source  string
	Context string
	Body    string
}

// Renderer turns Data into artifacts. It has no side effects.
type Renderer struct {
	tmpl     *template.Template
	contexts map[Kind]string
}

// NewRenderer parses the embedded templates. dialplanContext and
// voicemailContext address the dialplan and voicemail artifacts.
func NewRenderer(dialplanContext, voicemailContext string) (*Renderer, error) {
	tmpl, err := template.New("artifact").Funcs(template.FuncMap{
		"clean":  clean,
		"field":  field,
		"secret": secret,
	}).ParseFS(templatesFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parsing artifact templates: %w", err)
	}
	return &Renderer{
		tmpl: tmpl,
		contexts: map[Kind]string{
			KindSIP:       "",
			KindVoicemail: voicemailContext,
			KindDialplan:  dialplanContext,
		},
	}, nil
}

// Render produces the artifact of the given kind. The source name equals
// the kind.
func (r *Renderer) Render(kind Kind, d Data) (Artifact, error) {
	ctxName, ok := r.contexts[kind]
	if !ok {
		return Artifact{}, fmt.Errorf("unknown artifact kind %q", kind)
	}
	if d.Extension == "" {
		return Artifact{}, fmt.Errorf("rendering %s: extension is empty", kind)
	}

	var buf bytes.Buffer
	if err := r.tmpl.ExecuteTemplate(&buf, string(kind)+".tmpl", d); err != nil {
		return Artifact{}, fmt.Errorf("rendering %s for %s: %w", kind, d.Extension, err)
	}
	body := strings.TrimRight(buf.String(), "\n") + "\n"
	return Artifact{Kind: kind, Source: string(kind), Context: ctxName, Body: body}, nil
}

// clean strips characters that end a value in Asterisk config files.
func clean(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', ';':
			return -1
		}
		return r
	}, s)
}

// secret passes credentials through unchanged. A credential that clean
// would alter is an error: rewriting it would leave the caller holding a
// secret the PBX never accepts.
func secret(s string) (string, error) {
	if clean(s) != s {
		return "", errors.New("credential contains a line break or ';'")
	}
	return s, nil
}

// field additionally strips the separators used inside a single line.
func field(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ',', '|', '(', ')':
			return -1
		}
		return r
	}, clean(s))
}
