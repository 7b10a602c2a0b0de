package api

import (
	"net/http"
	"sort"
)

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the API. types are the
// request types currently served and become the enum of the submit body.
func buildOpenAPIDoc(types []string) map[string]any {
	typeSchema := map[string]any{"type": "string"}
	if len(types) > 0 {
		typeSchema["enum"] = types
	}
	bearer := []any{map[string]any{"BearerAuth": []string{}}}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "Job Server",
			"version": "1.0",
		},
		"paths": map[string]any{
			"/requests": map[string]any{
				"post": map[string]any{
					"operationId": "submitRequest",
					"summary":     "Queue a request",
					"security":    bearer,
					"requestBody": map[string]any{
						"required": true,
						"content": map[string]any{
							"application/json": map[string]any{
								"schema": map[string]any{
									"type":     "object",
									"required": []string{"type"},
									"properties": map[string]any{
										"type":      typeSchema,
										"parent_id": map[string]any{"type": "string"},
										"data": map[string]any{
											"type":                 "object",
											"additionalProperties": map[string]any{"type": "string"},
										},
									},
								},
							},
						},
					},
					"responses": map[string]any{
						"202": map[string]any{"description": "Request queued"},
						"400": map[string]any{"description": "Bad request"},
						"403": map[string]any{"description": "Insufficient scope"},
						"429": map[string]any{"description": "Rate limited"},
					},
				},
			},
			"/requests/{requestID}": map[string]any{
				"get": map[string]any{
					"operationId": "getRequest",
					"summary":     "Request status and responses",
					"security":    bearer,
					"responses": map[string]any{
						"200": map[string]any{"description": "Request record"},
						"404": map[string]any{"description": "Unknown request"},
					},
				},
			},
			"/events": map[string]any{
				"get": map[string]any{
					"operationId": "streamEvents",
					"summary":     "Server-sent event stream",
					"security":    bearer,
					"parameters": []any{
						map[string]any{
							"name":        "type",
							"in":          "query",
							"description": "Comma-separated event types to stream",
							"schema":      map[string]any{"type": "string"},
						},
						map[string]any{
							"name":   "Last-Event-ID",
							"in":     "header",
							"schema": map[string]any{"type": "integer"},
						},
					},
					"responses": map[string]any{"200": map[string]any{"description": "text/event-stream"}},
				},
			},
			"/healthz": map[string]any{
				"get": map[string]any{
					"operationId": "healthz",
					"responses": map[string]any{
						"200": map[string]any{"description": "Running"},
						"503": map[string]any{"description": "Not running"},
					},
				},
			},
		},
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

// servedTypes collects the request types of every handler, sorted.
func (s *Server) servedTypes() []string {
	if s.status == nil {
		return nil
	}
	seen := map[string]struct{}{}
	for _, h := range s.status.Handlers() {
		for _, t := range h.Types() {
			seen[t] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// handleOpenAPI handles GET /openapi.json (no auth).
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.servedTypes()))
}
