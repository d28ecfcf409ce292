// Package openapi builds the OpenAPI 3.1 document for the valve management
// and forward-auth APIs.
package openapi

import (
	"net/http"
	"strconv"

	"github.com/getkin/kin-openapi/openapi3"
)

// Options configures the generated document.
type Options struct {
	BaseURL      string
	Version      string
	APIKeyHeader string
}

const systemPrefix = "/api/v1/system"

// Generate returns the OpenAPI document for the management API.
func Generate(opts Options) *openapi3.T {
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.APIKeyHeader == "" {
		opts.APIKeyHeader = "X-API-Key"
	}

	doc := &openapi3.T{
		OpenAPI: "3.1.0",
		Info: &openapi3.Info{
			Title:       "Valve API",
			Description: "Issue, scope, rotate and rate limit API keys, and inspect their usage.",
			Version:     opts.Version,
		},
	}
	if opts.BaseURL != "" {
		doc.Servers = openapi3.Servers{{URL: opts.BaseURL}}
	}

	components := openapi3.NewComponents()
	components.Schemas = componentSchemas()
	components.SecuritySchemes = openapi3.SecuritySchemes{
		"apiKey": &openapi3.SecuritySchemeRef{
			Value: &openapi3.SecurityScheme{
				Type: "apiKey",
				In:   "header",
				Name: opts.APIKeyHeader,
			},
		},
		"bearerAuth": &openapi3.SecuritySchemeRef{
			Value: &openapi3.SecurityScheme{
				Type:         "http",
				Scheme:       "bearer",
				BearerFormat: "JWT",
			},
		},
	}
	doc.Components = &components

	// Management routes take an admin session unless an operation overrides it.
	doc.Security = openapi3.SecurityRequirements{{"bearerAuth": {}}}
	doc.Paths = openapi3.NewPaths()

	addSessionPaths(doc)
	addAdminPaths(doc)
	addKeyPaths(doc)
	addUsagePaths(doc)
	addAlertPaths(doc)
	addAuthCheckPath(doc, opts.APIKeyHeader)
	return doc
}

// ─── Path Groups ────────────────────────────────────────────────────────────

func addSessionPaths(doc *openapi3.T) {
	login := operation("admin", "login", "Log in as an admin",
		jsonBody("Credentials", ref("LoginRequest")),
		newResponses("200", "Session issued", ref("LoginResponse"), http.StatusTooManyRequests))
	login.Security = &openapi3.SecurityRequirements{}

	doc.Paths.Set(systemPrefix+"/admin/session", &openapi3.PathItem{
		Post: login,
		Delete: operation("admin", "logout", "End the session (client side)", nil,
			newResponses("200", "Session ended", ref("Success"))),
	})
}

func addAdminPaths(doc *openapi3.T) {
	doc.Paths.Set(systemPrefix+"/admin", &openapi3.PathItem{
		Get: operation("admin", "list_admins", "List admin accounts", nil,
			newResponses("200", "Admins", listOf(ref("Admin")))),
		Post: operation("admin", "create_admin", "Create an admin account",
			jsonBody("New admin", ref("CreateAdmin")),
			newResponses("201", "Created admin", ref("Admin"))),
	})
}

func addKeyPaths(doc *openapi3.T) {
	base := systemPrefix + "/api-key"
	item := base + "/{id}"

	list := operation("api-key", "list_keys", "List API keys", nil,
		newResponses("200", "Keys", listOf(ref("APIKey"))))
	list.Parameters = openapi3.Parameters{
		queryParam("state", "Only keys in this state.", enumProp("", "active", "rotating", "revoked")),
	}
	doc.Paths.Set(base, &openapi3.PathItem{
		Get: list,
		Post: operation("api-key", "create_key", "Issue an API key",
			jsonBody("Key settings", ref("CreateAPIKey")),
			newResponses("201", "Issued key with its secret", ref("APIKeyCreated"))),
	})

	doc.Paths.Set(item, &openapi3.PathItem{
		Parameters: idParam("API key id."),
		Get: operation("api-key", "get_key", "Get an API key", nil,
			newResponses("200", "Key", ref("APIKey"))),
		Patch: operation("api-key", "update_key", "Update an API key",
			jsonBody("Fields to change", ref("UpdateAPIKey")),
			newResponses("200", "Updated key", ref("APIKey"), http.StatusConflict, http.StatusGone)),
		Delete: operation("api-key", "delete_key", "Delete an API key", nil,
			newResponses("200", "Deleted", ref("Success"))),
	})

	doc.Paths.Set(item+"/rate-limit", &openapi3.PathItem{
		Parameters: idParam("API key id."),
		Put: operation("api-key", "set_rate_limit", "Replace the rate limit",
			jsonBody("New limit", ref("RateLimitUpdate")),
			newResponses("200", "Updated key", ref("APIKey"), http.StatusConflict, http.StatusGone)),
	})
	doc.Paths.Set(item+"/revoke", &openapi3.PathItem{
		Parameters: idParam("API key id."),
		Post: operation("api-key", "revoke_key", "Revoke an API key", nil,
			newResponses("200", "Revoked key", ref("APIKey"), http.StatusConflict, http.StatusGone)),
	})

	rotate := operation("api-key", "rotate_key", "Rotate an API key",
		jsonBody("Rotation settings", ref("RotateAPIKey")),
		newResponses("201", "Replacement key with its secret", ref("APIKeyRotated"), http.StatusConflict, http.StatusGone))
	rotate.RequestBody.Value.Required = false
	doc.Paths.Set(item+"/rotate", &openapi3.PathItem{
		Parameters: idParam("API key id."),
		Post:       rotate,
	})

	doc.Paths.Set(item+"/rotations", &openapi3.PathItem{
		Parameters: idParam("API key id."),
		Get: operation("api-key", "list_rotations", "Rotation history of a key", nil,
			newResponses("200", "Rotations", listOf(ref("RotationRecord")))),
	})

	usage := operation("api-key", "key_usage", "Usage statistics of a key", nil,
		newResponses("200", "Statistics", ref("UsageStats")))
	usage.Parameters = statsParameters()
	doc.Paths.Set(item+"/usage", &openapi3.PathItem{
		Parameters: idParam("API key id."),
		Get:        usage,
	})

	doc.Paths.Set(systemPrefix+"/template", &openapi3.PathItem{
		Get: operation("api-key", "list_templates", "List permission templates", nil,
			newResponses("200", "Templates", listOf(ref("PermissionTemplate")))),
	})
}

func addUsagePaths(doc *openapi3.T) {
	stats := operation("usage", "usage_stats", "Aggregate usage statistics", nil,
		newResponses("200", "Statistics", ref("UsageStats")))
	stats.Parameters = append(statsParameters(),
		queryParam("key_id", "Restrict to one key.", stringProp("")))
	doc.Paths.Set(systemPrefix+"/usage/stats", &openapi3.PathItem{Get: stats})

	logs := operation("usage", "usage_logs", "Query usage events", nil,
		newResponses("200", "Events", listOf(ref("UsageEvent"))))
	logs.Parameters = openapi3.Parameters{
		queryParam("key_id", "", stringProp("")),
		queryParam("endpoint", "Substring of the endpoint.", stringProp("")),
		queryParam("method", "", stringProp("")),
		queryParam("status", "Exact status code.", intProp("", bound(100), bound(599))),
		queryParam("from", "Inclusive lower bound (RFC 3339 or YYYY-MM-DD).", stringProp("")),
		queryParam("to", "Exclusive upper bound (RFC 3339 or YYYY-MM-DD).", stringProp("")),
		queryParam("limit", "", intProp("", bound(1), bound(1000))),
		queryParam("offset", "", intProp("", bound(0), nil)),
	}
	doc.Paths.Set(systemPrefix+"/usage/logs", &openapi3.PathItem{Get: logs})
}

func addAlertPaths(doc *openapi3.T) {
	base := systemPrefix + "/alert"

	list := operation("alert", "list_alerts", "List alert rules", nil,
		newResponses("200", "Rules", listOf(ref("AlertRule"))))
	list.Parameters = openapi3.Parameters{queryParam("key_id", "Only rules of this key.", stringProp(""))}
	doc.Paths.Set(base, &openapi3.PathItem{
		Get: list,
		Post: operation("alert", "create_alert", "Create an alert rule",
			jsonBody("Rule", ref("CreateAlertRule")),
			newResponses("201", "Created rule", ref("AlertRule"))),
	})

	doc.Paths.Set(base+"/evaluate", &openapi3.PathItem{
		Post: operation("alert", "evaluate_alerts", "Run one evaluation cycle", nil,
			newResponses("200", "Cycle report", ref("EvaluationReport"))),
	})

	doc.Paths.Set(base+"/{id}", &openapi3.PathItem{
		Parameters: idParam("Alert rule id."),
		Get: operation("alert", "get_alert", "Get an alert rule", nil,
			newResponses("200", "Rule", ref("AlertRule"))),
		Patch: operation("alert", "update_alert", "Update an alert rule",
			jsonBody("Fields to change", ref("UpdateAlertRule")),
			newResponses("200", "Updated rule", ref("AlertRule"))),
		Delete: operation("alert", "delete_alert", "Delete an alert rule", nil,
			newResponses("200", "Deleted", ref("Success"))),
	})
}

func addAuthCheckPath(doc *openapi3.T, header string) {
	check := func(id string) *openapi3.Operation {
		responses := openapi3.NewResponses()
		setResponse(responses, "204", "Allowed. Rate limit headers and X-Valve-Key-Id are set.", nil)
		errorRef := ref("ErrorResponse")
		setResponse(responses, "400", "Missing or invalid X-Original-URI", errorRef)
		setResponse(responses, "401", "Missing, unknown, expired or revoked key", errorRef)
		setResponse(responses, "403", "IP or permission denied", errorRef)
		setResponse(responses, "429", "Rate limit exceeded. Retry-After is set.", errorRef)

		return &openapi3.Operation{
			Tags:        []string{"auth"},
			Summary:     "Forward-auth decision",
			Description: "Decides whether the key in " + header + " may make the call described by X-Original-Method and X-Original-URI.",
			OperationID: id,
			Security:    &openapi3.SecurityRequirements{{"apiKey": {}}},
			Parameters: openapi3.Parameters{
				headerParam("X-Original-Method", "Method of the proxied call. Defaults to the request method.", false),
				headerParam("X-Original-URI", "URI of the proxied call.", true),
			},
			Responses: responses,
		}
	}
	doc.Paths.Set("/api/v1/auth/check", &openapi3.PathItem{
		Get:  check("auth_check"),
		Post: check("auth_check_post"),
	})
}

// ─── Operation Builders ─────────────────────────────────────────────────────

func operation(tag, id, summary string, body *openapi3.RequestBodyRef, responses *openapi3.Responses) *openapi3.Operation {
	return &openapi3.Operation{
		Tags:        []string{tag},
		Summary:     summary,
		OperationID: id,
		RequestBody: body,
		Responses:   responses,
	}
}

func jsonBody(description string, schema *openapi3.SchemaRef) *openapi3.RequestBodyRef {
	return &openapi3.RequestBodyRef{
		Value: &openapi3.RequestBody{
			Description: description,
			Required:    true,
			Content:     openapi3.NewContentWithJSONSchemaRef(schema),
		},
	}
}

func idParam(description string) openapi3.Parameters {
	return openapi3.Parameters{
		&openapi3.ParameterRef{
			Value: openapi3.NewPathParameter("id").
				WithDescription(description).
				WithSchema(openapi3.NewStringSchema()),
		},
	}
}

func queryParam(name, description string, schema *openapi3.SchemaRef) *openapi3.ParameterRef {
	p := openapi3.NewQueryParameter(name).WithDescription(description)
	p.Schema = schema
	return &openapi3.ParameterRef{Value: p}
}

func headerParam(name, description string, required bool) *openapi3.ParameterRef {
	p := openapi3.NewHeaderParameter(name).
		WithDescription(description).
		WithSchema(openapi3.NewStringSchema()).
		WithRequired(required)
	return &openapi3.ParameterRef{Value: p}
}

func statsParameters() openapi3.Parameters {
	return openapi3.Parameters{
		queryParam("days", "Trailing period in days. Defaults to 7.", intProp("", bound(1), bound(365))),
		queryParam("top", "Number of endpoints in by_endpoint. Defaults to 10.", intProp("", bound(1), bound(100))),
	}
}

// ─── Response Helpers ───────────────────────────────────────────────────────

var errorDescriptions = map[int]string{
	http.StatusConflict:        "Conflicting key state",
	http.StatusGone:            "Key is expired",
	http.StatusTooManyRequests: "Too many requests",
}

// newResponses builds a Responses map with a success response, the standard
// error responses and any extra error statuses the operation can return.
func newResponses(statusCode, description string, schema *openapi3.SchemaRef, extra ...int) *openapi3.Responses {
	responses := openapi3.NewResponses()
	setResponse(responses, statusCode, description, schema)

	errorRef := ref("ErrorResponse")
	setResponse(responses, "400", "Bad request", errorRef)
	setResponse(responses, "401", "Unauthorized", errorRef)
	setResponse(responses, "404", "Not found", errorRef)
	setResponse(responses, "500", "Internal server error", errorRef)
	for _, code := range extra {
		setResponse(responses, strconv.Itoa(code), errorDescriptions[code], errorRef)
	}
	return responses
}

func setResponse(responses *openapi3.Responses, status, description string, schema *openapi3.SchemaRef) {
	resp := &openapi3.Response{Description: &description}
	if schema != nil {
		resp.Content = openapi3.NewContentWithJSONSchemaRef(schema)
	}
	responses.Set(status, &openapi3.ResponseRef{Value: resp})
}

// metaSchema returns the schema for the "meta" field in list responses.
func metaSchema() *openapi3.SchemaRef {
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"count": &openapi3.SchemaRef{
					Value: &openapi3.Schema{
						Type:        &openapi3.Types{"integer"},
						Format:      "int64",
						Description: "Number of records in this response.",
					},
				},
				"total": &openapi3.SchemaRef{
					Value: &openapi3.Schema{
						Type:        &openapi3.Types{"integer"},
						Format:      "int64",
						Description: "Total number of records matching the query.",
					},
				},
				"limit": &openapi3.SchemaRef{
					Value: &openapi3.Schema{
						Type:        &openapi3.Types{"integer"},
						Format:      "int32",
						Description: "Maximum records returned per page.",
					},
				},
				"offset": &openapi3.SchemaRef{
					Value: &openapi3.Schema{
						Type:        &openapi3.Types{"integer"},
						Format:      "int32",
						Description: "Number of records skipped.",
					},
				},
			},
		},
	}
}
