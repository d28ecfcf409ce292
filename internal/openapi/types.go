package openapi

import "github.com/getkin/kin-openapi/openapi3"

// Schema constructors shared by the component definitions.

func ref(name string) *openapi3.SchemaRef {
	return openapi3.NewSchemaRef("#/components/schemas/"+name, nil)
}

func stringProp(description string) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type:        &openapi3.Types{"string"},
		Description: description,
	}}
}

func enumProp(description string, values ...interface{}) *openapi3.SchemaRef {
	s := stringProp(description)
	s.Value.Enum = values
	return s
}

func dateTimeProp(description string, nullable bool) *openapi3.SchemaRef {
	types := openapi3.Types{"string"}
	if nullable {
		types = append(types, "null")
	}
	return &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type:        &types,
		Format:      "date-time",
		Description: description,
	}}
}

func intProp(description string, min, max *float64) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type:        &openapi3.Types{"integer"},
		Format:      "int64",
		Description: description,
		Min:         min,
		Max:         max,
	}}
}

func numberProp(description string) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type:        &openapi3.Types{"number"},
		Format:      "double",
		Description: description,
	}}
}

func boolProp(description string) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type:        &openapi3.Types{"boolean"},
		Description: description,
	}}
}

func arrayOf(items *openapi3.SchemaRef, description string) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type:        &openapi3.Types{"array"},
		Items:       items,
		Description: description,
	}}
}

func object(props openapi3.Schemas, required ...string) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type:       &openapi3.Types{"object"},
		Properties: props,
		Required:   required,
	}}
}

// listOf wraps items in the {"resource": [...], "meta": {...}} envelope.
func listOf(items *openapi3.SchemaRef) *openapi3.SchemaRef {
	return object(openapi3.Schemas{
		"resource": arrayOf(items, ""),
		"meta":     metaSchema(),
	}, "resource")
}

func bound(v float64) *float64 { return &v }

// permissionsProp describes the wire form of a permission set.
func permissionsProp() *openapi3.SchemaRef {
	items := &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type:    &openapi3.Types{"string"},
		Pattern: `^(GET|POST|PUT|PATCH|DELETE|HEAD|OPTIONS):/.*$`,
		Example: "GET:/api/users",
	}}
	return arrayOf(items, "METHOD:PATH grants matched exactly. An empty array means full access.")
}

func componentSchemas() openapi3.Schemas {
	rateLimit := func() *openapi3.SchemaRef {
		return intProp("Requests per minute.", bound(1), bound(10000))
	}
	threshold := func() *openapi3.SchemaRef {
		return intProp("Percentage that fires the rule.", bound(1), bound(100))
	}

	apiKey := object(openapi3.Schemas{
		"id":           stringProp("Key identifier."),
		"name":         stringProp(""),
		"description":  stringProp(""),
		"key_prefix":   stringProp("Leading characters of the secret, for identification only."),
		"permissions":  permissionsProp(),
		"full_access":  boolProp("True when the permission set is empty."),
		"rate_limit":   rateLimit(),
		"ip_whitelist": arrayOf(stringProp("IP address or CIDR block."), "Empty means any address."),
		"is_active":    boolProp(""),
		"state":        enumProp("Rotation lifecycle state.", "active", "rotating", "revoked"),
		"expires_at":   dateTimeProp("", true),
		"created_at":   dateTimeProp("", false),
		"created_by":   stringProp(""),
		"updated_at":   dateTimeProp("", false),
		"usage_count":  intProp("", nil, nil),
		"last_used_at": dateTimeProp("", true),
	}, "id", "name", "key_prefix", "permissions", "rate_limit", "is_active", "state", "created_at")

	created := &openapi3.SchemaRef{Value: &openapi3.Schema{
		AllOf: openapi3.SchemaRefs{
			ref("APIKey"),
			object(openapi3.Schemas{
				"api_key": stringProp("Plaintext secret. Returned only in this response."),
			}, "api_key"),
		},
	}}

	rotated := &openapi3.SchemaRef{Value: &openapi3.Schema{
		AllOf: openapi3.SchemaRefs{
			ref("APIKeyCreated"),
			object(openapi3.Schemas{"rotation": ref("RotationRecord")}, "rotation"),
		},
	}}

	return openapi3.Schemas{
		"ErrorResponse": object(openapi3.Schemas{
			"error": object(openapi3.Schemas{
				"code":    &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int32"}},
				"message": stringProp(""),
				"context": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"object"}}},
			}, "code", "message"),
		}, "error"),
		"APIKey":        apiKey,
		"APIKeyCreated": created,
		"APIKeyRotated": rotated,
		"CreateAPIKey": object(openapi3.Schemas{
			"name":         stringProp("Required, non-empty after trimming."),
			"description":  stringProp(""),
			"permissions":  permissionsProp(),
			"template":     stringProp("Permission template to expand. Exclusive with permissions."),
			"rate_limit":   rateLimit(),
			"expires_at":   dateTimeProp("Must be in the future.", false),
			"ip_whitelist": arrayOf(stringProp(""), ""),
		}, "name"),
		"UpdateAPIKey": object(openapi3.Schemas{
			"name":         stringProp(""),
			"description":  stringProp(""),
			"permissions":  permissionsProp(),
			"template":     stringProp(""),
			"rate_limit":   rateLimit(),
			"expires_at":   dateTimeProp("null removes the expiry.", true),
			"is_active":    boolProp(""),
			"ip_whitelist": arrayOf(stringProp(""), ""),
		}),
		"RateLimitUpdate": object(openapi3.Schemas{"rate_limit": rateLimit()}, "rate_limit"),
		"RotateAPIKey": object(openapi3.Schemas{
			"grace_period_days": intProp("Days the old key keeps working. Defaults to 7; 0 revokes it at once.", bound(0), bound(30)),
			"name":              stringProp(""),
			"permissions":       permissionsProp(),
			"template":          stringProp(""),
			"rate_limit":        rateLimit(),
			"expires_at":        dateTimeProp("", false),
			"ip_whitelist":      arrayOf(stringProp(""), ""),
		}),
		"RotationRecord": object(openapi3.Schemas{
			"id":                stringProp(""),
			"old_key_id":        stringProp(""),
			"new_key_id":        stringProp(""),
			"grace_period_days": intProp("", bound(0), bound(30)),
			"grace_expires_at":  dateTimeProp("", false),
			"rotated_at":        dateTimeProp("", false),
			"rotated_by":        stringProp(""),
		}),
		"UsageStats": object(openapi3.Schemas{
			"total_requests": intProp("", nil, nil),
			"by_status": arrayOf(object(openapi3.Schemas{
				"status_code": intProp("", nil, nil),
				"count":       intProp("", nil, nil),
			}), ""),
			"by_endpoint": arrayOf(object(openapi3.Schemas{
				"endpoint": stringProp(""),
				"count":    intProp("", nil, nil),
			}), "Top endpoints by count, ties broken by endpoint."),
			"avg_response_time_ms": numberProp(""),
			"period_days":          intProp("", nil, nil),
		}),
		"UsageEvent": object(openapi3.Schemas{
			"id":          stringProp(""),
			"key_id":      stringProp(""),
			"timestamp":   dateTimeProp("", false),
			"endpoint":    stringProp(""),
			"method":      stringProp(""),
			"status_code": intProp("", nil, nil),
			"latency_ms":  intProp("", nil, nil),
			"ip":          stringProp(""),
		}),
		"AlertRule": object(openapi3.Schemas{
			"id":                stringProp(""),
			"key_id":            stringProp(""),
			"alert_type":        enumProp("", "rate_limit", "error_rate", "usage"),
			"threshold_percent": threshold(),
			"enabled":           boolProp(""),
			"last_triggered":    dateTimeProp("", true),
			"trigger_count":     intProp("", nil, nil),
			"created_at":        dateTimeProp("", false),
			"updated_at":        dateTimeProp("", false),
		}),
		"CreateAlertRule": object(openapi3.Schemas{
			"key_id":            stringProp(""),
			"alert_type":        enumProp("", "rate_limit", "error_rate", "usage"),
			"threshold_percent": threshold(),
			"enabled":           boolProp("Defaults to true."),
		}, "key_id", "alert_type", "threshold_percent"),
		"UpdateAlertRule": object(openapi3.Schemas{
			"threshold_percent": threshold(),
			"enabled":           boolProp(""),
		}),
		"EvaluationReport": object(openapi3.Schemas{
			"evaluated": intProp("", nil, nil),
			"triggered": intProp("", nil, nil),
			"failed":    intProp("", nil, nil),
		}),
		"PermissionTemplate": object(openapi3.Schemas{
			"name":        stringProp(""),
			"description": stringProp(""),
			"permissions": permissionsProp(),
			"full_access": boolProp(""),
		}),
		"Admin": object(openapi3.Schemas{
			"id":            stringProp(""),
			"email":         stringProp(""),
			"name":          stringProp(""),
			"is_active":     boolProp(""),
			"created_at":    dateTimeProp("", false),
			"last_login_at": dateTimeProp("", true),
		}),
		"CreateAdmin": object(openapi3.Schemas{
			"email":    stringProp(""),
			"password": stringProp("At least 8 characters."),
			"name":     stringProp(""),
		}, "email", "password"),
		"LoginRequest": object(openapi3.Schemas{
			"email":    stringProp(""),
			"password": stringProp(""),
		}, "email", "password"),
		"LoginResponse": object(openapi3.Schemas{
			"session_token": stringProp("JWT for the Authorization header."),
			"token_type":    stringProp(""),
			"expires_in":    intProp("Seconds until the token expires.", nil, nil),
			"admin_id":      stringProp(""),
			"email":         stringProp(""),
			"name":          stringProp(""),
		}),
		"Success": object(openapi3.Schemas{
			"success": boolProp(""),
			"id":      stringProp("Id of the removed resource, when one was removed."),
			"message": stringProp(""),
		}, "success"),
	}
}
