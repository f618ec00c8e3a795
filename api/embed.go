// Package api embeds the OpenAPI document for the cohort HTTP API.
package api

import _ "embed"

// OpenAPISpec is the OpenAPI 3.1 description of the operator API, served at
// GET /openapi.yaml.
//
//go:embed openapi.yaml
var OpenAPISpec []byte
