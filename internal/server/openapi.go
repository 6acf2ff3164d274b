package server

import (
	"encoding/json"
	"net/http"
	"path"
	"reflect"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"
)

// apiDocs is the rendered OpenAPI document and reference page. It is built
// once after every operation has been registered and is read-only afterwards.
type apiDocs struct {
	spec []byte
	page []byte
}

const bearerScheme = "bearerAuth"

func buildDocs(api huma.API, basePath string) (apiDocs, error) {
	oas := api.OpenAPI()
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.Schemas == nil {
		oas.Components.Schemas = huma.NewMapRegistry("#/components/schemas/", huma.DefaultSchemaNamer)
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes[bearerScheme] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
		Description:  "HS256 token whose subject is the acting user id.",
	}

	envelope := oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "")
	public := map[string]bool{path.Join(basePath, "health"): true}
	for route, item := range oas.Paths {
		for _, op := range operationsOf(item) {
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			if _, ok := op.Responses["default"]; !ok {
				op.Responses["default"] = &huma.Response{
					Description: "Error envelope",
					Content: map[string]*huma.MediaType{
						"application/json": {Schema: envelope},
					},
				}
			}
			if public[route] {
				op.Security = []map[string][]string{}
			} else {
				op.Security = []map[string][]string{{bearerScheme: {}}}
			}
		}
	}

	spec, err := json.Marshal(oas)
	if err != nil {
		return apiDocs{}, err
	}
	page := strings.ReplaceAll(referencePage, "{{spec}}", path.Join(basePath, "openapi.json"))
	return apiDocs{spec: spec, page: []byte(page)}, nil
}

func operationsOf(item *huma.PathItem) []*huma.Operation {
	if item == nil {
		return nil
	}
	var ops []*huma.Operation
	for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace} {
		if op != nil {
			ops = append(ops, op)
		}
	}
	return ops
}

func (d apiDocs) mount(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(d.spec)
	})
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(d.page)
	})
}

const referencePage = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <title>Freeflow API reference</title>
  <script src="https://unpkg.com/@stoplight/elements/web-components.min.js"></script>
  <link rel="stylesheet" href="https://unpkg.com/@stoplight/elements/styles.min.css">
</head>
<body style="height: 100vh">
  <elements-api apiDescriptionUrl="{{spec}}" router="hash" layout="sidebar"></elements-api>
</body>
</html>
`
