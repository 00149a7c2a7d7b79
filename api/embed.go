// Package api embeds the OpenAPI document for the aoipipe HTTP API.
package api

import _ "embed"

// OpenAPISpec is served at GET /openapi.yaml.
//
//go:embed openapi.yaml
var OpenAPISpec []byte
