package spawnform

import (
	"errors"
	"net/url"
	"strings"
	"testing"

	"github.com/yungbote/notebookhub/internal/config"
	"github.com/yungbote/notebookhub/internal/orchestrator"
)

func catalog(t *testing.T) *config.Catalog {
	t.Helper()
	cat, err := config.NewCatalog([]config.ImageChoice{
		{Key: "Jupyter base", Image: "jupyter/base-notebook:latest"},
		{Key: "Jupyter PySpark", Image: "jupyter/pyspark-notebook:latest"},
		{Key: "Jupyter DS", Image: "jupyter/datascience-notebook:latest"},
	})
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	return cat
}

func TestImageKey(t *testing.T) {
	cat := catalog(t)
	cases := []struct {
		name   string
		values []string
		want   string
	}{
		{"explicit", []string{"Jupyter DS"}, "Jupyter DS"},
		{"first wins", []string{"Jupyter PySpark", "Jupyter DS"}, "Jupyter PySpark"},
		{"trimmed", []string{"  Jupyter DS "}, "Jupyter DS"},
		{"absent", nil, "Jupyter base"},
		{"blank", []string{""}, "Jupyter base"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ImageKey(tc.values, cat)
			if err != nil {
				t.Fatalf("ImageKey: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %q want %q", got, tc.want)
			}
		})
	}
}

func TestImageKeyRejectsUnknown(t *testing.T) {
	_, err := ImageKey([]string{"Jupyter R"}, catalog(t))
	var ve *orchestrator.ValidationError
	if !errors.As(err, &ve) || ve.Field != Field {
		t.Fatalf("want ValidationError, got %v", err)
	}
}

func TestFromForm(t *testing.T) {
	got, err := FromForm(url.Values{"image": {"Jupyter DS"}}, catalog(t))
	if err != nil || got != "Jupyter DS" {
		t.Fatalf("got %q err=%v", got, err)
	}
}

func TestRender(t *testing.T) {
	html, err := Render(catalog(t))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	for _, want := range []string{
		`<select class="form-control" name="image"`,
		`<option value="Jupyter base" selected>Jupyter base</option>`,
		`<option value="Jupyter DS">Jupyter DS</option>`,
	} {
		if !strings.Contains(html, want) {
			t.Fatalf("missing %q in\n%s", want, html)
		}
	}
}
