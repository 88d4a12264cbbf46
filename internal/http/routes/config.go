// Package routes assembles the HTTP surface of the automation server.
package routes

import (
	"github.com/danielgtaylor/huma/v2"

	"github.com/gujaehyung/s2b-extend/internal/http/mw"
	"github.com/gujaehyung/s2b-extend/internal/version"
)

const apiTitle = "s2b-extend API"

// NewHumaConfig creates the documented API configuration.
func NewHumaConfig() huma.Config {
	cfg := huma.DefaultConfig(apiTitle, version.Get().Version)
	cfg.Info.Description = "Automates price increases and deadline extensions of listings on the s2b.kr vendor portal."

	// No $schema field in responses.
	cfg.CreateHooks = nil

	cfg.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		mw.SecurityScheme: {
			Type:         "http",
			Scheme:       "bearer",
			BearerFormat: "JWT",
			Description:  "HS256 token issued by the web frontend. The frontend may instead send X-S2B-* signed headers.",
		},
	}

	cfg.Tags = []*huma.Tag{
		{Name: "Automation", Description: "Start, observe and cancel automation sessions"},
		{Name: "Schedule", Description: "Periodic automation of saved accounts"},
		{Name: "Accounts", Description: "Portal credentials"},
		{Name: "Usage", Description: "Quota and run history"},
		{Name: "Health", Description: "System health and status"},
	}
	return cfg
}

// newProtectedConfig registers operations into the shared document but
// serves no docs of its own.
func newProtectedConfig(shared *huma.OpenAPI) huma.Config {
	cfg := huma.DefaultConfig(apiTitle, version.Get().Version)
	cfg.OpenAPI = shared
	cfg.CreateHooks = nil
	cfg.DocsPath = ""
	cfg.OpenAPIPath = ""
	cfg.SchemasPath = ""
	return cfg
}
