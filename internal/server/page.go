package server

import (
	"bytes"
	"html/template"

	"github.com/labstack/echo/v4"
)

type ErrorPage struct {
	Status    int
	Title     string
	Message   string
	Reference string
}

// PageRenderer writes the failure page for requests outside the api mount.
type PageRenderer interface {
	RenderError(c echo.Context, page ErrorPage) error
}

var errorPageTmpl = template.Must(template.New("error").Parse(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
</head>
<body>
<main>
<h1>{{.Status}} {{.Title}}</h1>
<p>{{.Message}}</p>
{{if .Reference}}<p><small>reference: {{.Reference}}</small></p>{{end}}
<p><a href="/">Back to the start page</a></p>
</main>
</body>
</html>
`))

type templateRenderer struct {
	tmpl *template.Template
}

func DefaultPageRenderer() PageRenderer {
	return &templateRenderer{tmpl: errorPageTmpl}
}

func (r *templateRenderer) RenderError(c echo.Context, page ErrorPage) error {
	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, page); err != nil {
		return err
	}

	return c.HTMLBlob(page.Status, buf.Bytes())
}
