// Package spawnform translates the spawn options form into an image key and
// renders the form itself.
package spawnform

import (
	"bytes"
	"fmt"
	"html/template"
	"net/url"
	"strings"

	"github.com/yungbote/notebookhub/internal/config"
	"github.com/yungbote/notebookhub/internal/orchestrator"
)

// Field is the form field carrying the image choice.
const Field = "image"

// ImageKey picks the requested image from raw form values. The first value
// wins; an absent or blank value selects the catalog default.
func ImageKey(values []string, catalog *config.Catalog) (string, error) {
	if len(values) == 0 {
		return catalog.DefaultKey(), nil
	}
	key := strings.TrimSpace(values[0])
	if key == "" {
		return catalog.DefaultKey(), nil
	}
	if _, ok := catalog.Lookup(key); !ok {
		return "", &orchestrator.ValidationError{Field: Field, Reason: fmt.Sprintf("%q is not an allowed image", key)}
	}
	return key, nil
}

func FromForm(form url.Values, catalog *config.Catalog) (string, error) {
	return ImageKey(form[Field], catalog)
}

var formTmpl = template.Must(template.New("spawn").Parse(
	`<label for="{{.Field}}">Select your desired image:</label>
<select class="form-control" name="{{.Field}}" id="{{.Field}}" required autofocus>
{{- range .Choices}}
<option value="{{.Key}}"{{if eq .Key $.Default}} selected{{end}}>{{.Key}}</option>
{{- end}}
</select>
`))

// Render returns the options form HTML listing every catalog entry.
func Render(catalog *config.Catalog) (string, error) {
	var buf bytes.Buffer
	err := formTmpl.Execute(&buf, struct {
		Field   string
		Default string
		Choices []config.ImageChoice
	}{Field, catalog.DefaultKey(), catalog.Choices()})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}
