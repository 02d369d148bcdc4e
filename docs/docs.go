// Package docs registers the OpenAPI document for the payments API with swag.
// It follows the layout produced by `swag init -g cmd/payments/api.go`.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/payments": {
            "get": {
                "description": "Returns a page of the caller's payments, newest first. Supports weak ETag via If-None-Match and may return 304.",
                "produces": ["application/json"],
                "tags": ["Payments"],
                "summary": "List payments (paginated)",
                "operationId": "listPayments",
                "parameters": [
                    {"type": "string", "description": "Caller ID (UUID)", "name": "X-User-Id", "in": "header", "required": true},
                    {"type": "string", "description": "Return 304 if ETag matches", "name": "If-None-Match", "in": "header"},
                    {"minimum": 1, "type": "integer", "default": 1, "description": "Page number", "name": "page", "in": "query"},
                    {"maximum": 100, "minimum": 1, "type": "integer", "default": 20, "description": "Items per page", "name": "page_size", "in": "query"}
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {"$ref": "#/definitions/handlers.ListPaymentsResponse"},
                        "headers": {"ETag": {"type": "string", "description": "Weak ETag for current result"}}
                    },
                    "304": {"description": "Not Modified", "schema": {"type": "string"}},
                    "500": {"description": "Internal error", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            },
            "post": {
                "description": "Stores a Pending payment and its PaymentCreated event in one transaction. Retries with the same Idempotency-Key replay the first result.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Payments"],
                "summary": "Create a payment",
                "operationId": "createPayment",
                "parameters": [
                    {"type": "string", "description": "Caller ID (UUID)", "name": "X-User-Id", "in": "header", "required": true},
                    {"type": "string", "description": "Client-chosen key, unique per logical request", "name": "Idempotency-Key", "in": "header", "required": true},
                    {"description": "Payment", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/services.CreatePaymentRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.Envelope"}},
                    "400": {"description": "Missing or malformed header", "schema": {"type": "string"}},
                    "409": {"description": "Duplicate request still in flight", "schema": {"$ref": "#/definitions/handlers.Envelope"}},
                    "422": {"description": "Key reused with a different body", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "500": {"description": "Internal error", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/payments/{id}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["Payments"],
                "summary": "Get a payment",
                "operationId": "getPayment",
                "parameters": [
                    {"type": "string", "description": "Caller ID (UUID)", "name": "X-User-Id", "in": "header", "required": true},
                    {"type": "string", "format": "uuid", "description": "Transaction ID", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/domain.Payment"}},
                    "404": {"description": "Not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/payments/{id}/events": {
            "get": {
                "produces": ["application/json"],
                "tags": ["Payments"],
                "summary": "Payment audit trail",
                "operationId": "listPaymentEvents",
                "parameters": [
                    {"type": "string", "description": "Caller ID (UUID)", "name": "X-User-Id", "in": "header", "required": true},
                    {"type": "string", "format": "uuid", "description": "Transaction ID", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.ListEventsResponse"}},
                    "404": {"description": "Not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/payments/{id}/status": {
            "patch": {
                "description": "Moves a payment forward (Pending → Processing → Success|Failed) and appends a PaymentStatusChanged audit event. No broker message is published.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Payments"],
                "summary": "Advance a payment's status",
                "operationId": "updatePaymentStatus",
                "parameters": [
                    {"type": "string", "description": "Caller ID (UUID)", "name": "X-User-Id", "in": "header", "required": true},
                    {"type": "string", "format": "uuid", "description": "Transaction ID", "name": "id", "in": "path", "required": true},
                    {"description": "Target status", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.UpdateStatusRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/domain.Payment"}},
                    "400": {"description": "Unknown status", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "404": {"description": "Not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "409": {"description": "Not a forward move", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        }
    },
    "definitions": {
        "domain.EventLog": {
            "type": "object",
            "properties": {
                "created_at": {"type": "string"},
                "event_type": {"type": "string"},
                "id": {"type": "string"},
                "payload": {"type": "string"},
                "transaction_id": {"type": "string"}
            }
        },
        "domain.Payment": {
            "type": "object",
            "properties": {
                "amount": {"type": "number"},
                "created_at": {"type": "string"},
                "currency": {"type": "string"},
                "id": {"type": "string"},
                "provider_id": {"type": "integer"},
                "status": {"$ref": "#/definitions/domain.TransactionStatus"},
                "updated_at": {"type": "string"},
                "user_id": {"type": "string"}
            }
        },
        "domain.TransactionStatus": {
            "type": "string",
            "enum": ["New", "Pending", "Processing", "Success", "Failed"]
        },
        "handlers.Envelope": {
            "type": "object",
            "properties": {
                "data": {"type": "object"},
                "message": {"type": "string"}
            }
        },
        "handlers.ErrorResponse": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "request_id": {"type": "string"}
            }
        },
        "handlers.ListEventsResponse": {
            "type": "object",
            "properties": {
                "events": {"type": "array", "items": {"$ref": "#/definitions/domain.EventLog"}},
                "transactionId": {"type": "string"}
            }
        },
        "handlers.ListPaymentsResponse": {
            "type": "object",
            "properties": {
                "pagination": {"$ref": "#/definitions/handlers.Pagination"},
                "payments": {"type": "array", "items": {"$ref": "#/definitions/domain.Payment"}}
            }
        },
        "handlers.Pagination": {
            "type": "object",
            "properties": {
                "has_next": {"type": "boolean"},
                "page": {"type": "integer"},
                "page_size": {"type": "integer"},
                "total": {"type": "integer"},
                "total_pages": {"type": "integer"}
            }
        },
        "handlers.UpdateStatusRequest": {
            "type": "object",
            "required": ["status"],
            "properties": {
                "status": {"type": "string", "example": "Processing"}
            }
        },
        "services.CreatePaymentRequest": {
            "type": "object",
            "properties": {
                "amount": {"type": "number", "example": 125.5},
                "currency": {"type": "string", "example": "EUR"},
                "providerId": {"type": "integer", "example": 3}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "Payments API",
	Description:      "Idempotent payment intake with transactional outbox delivery.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
