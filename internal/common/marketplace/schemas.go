package marketplace

import "deal-pipeline/internal/common/validation"

const fundingRequestDef = `{
	"type": "object",
	"required": ["id", "status", "amount"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"status": {"type": "string", "minLength": 1},
		"amount": {"type": "number", "minimum": 0},
		"equity": {"type": "number", "minimum": 0, "maximum": 100},
		"valuation": {"type": ["number", "null"]},
		"negotiationHistory": {"type": ["array", "null"], "items": {"$ref": "#/definitions/message"}},
		"acceptanceTerms": {
			"type": ["object", "null"],
			"properties": {
				"finalAmount": {"type": "number"},
				"finalEquity": {"type": "number"}
			}
		}
	}
}`

const messageDef = `{
	"type": "object",
	"required": ["author"],
	"properties": {
		"author": {"enum": ["investor", "entrepreneur", "system"]},
		"text": {"type": "string"},
		"proposedAmount": {"type": ["number", "null"]},
		"proposedEquity": {"type": ["number", "null"]},
		"kind": {"type": "string"}
	}
}`

const definitions = `"definitions": {
	"fundingRequest": ` + fundingRequestDef + `,
	"message": ` + messageDef + `
}`

var pipelineSchema = validation.MustCompile("pipeline", `{
	`+definitions+`,
	"type": "object",
	"required": ["pipeline"],
	"properties": {
		"pipeline": {
			"type": "object",
			"properties": {
				"new": {"type": ["array", "null"], "items": {"$ref": "#/definitions/fundingRequest"}},
				"viewed": {"type": ["array", "null"], "items": {"$ref": "#/definitions/fundingRequest"}},
				"negotiating": {"type": ["array", "null"], "items": {"$ref": "#/definitions/fundingRequest"}},
				"accepted": {"type": ["array", "null"], "items": {"$ref": "#/definitions/fundingRequest"}},
				"declined": {"type": ["array", "null"], "items": {"$ref": "#/definitions/fundingRequest"}}
			}
		},
		"stats": {
			"type": ["object", "null"],
			"properties": {
				"total": {"type": "integer", "minimum": 0},
				"totalInvested": {"type": "number", "minimum": 0}
			}
		}
	}
}`)

var requestListSchema = validation.MustCompile("fundingRequests", `{
	`+definitions+`,
	"type": ["array", "null"],
	"items": {"$ref": "#/definitions/fundingRequest"}
}`)

var requestSchema = validation.MustCompile("fundingRequest", `{
	`+definitions+`,
	"type": "object",
	"allOf": [{"$ref": "#/definitions/fundingRequest"}]
}`)

var historySchema = validation.MustCompile("negotiationHistory", `{
	`+definitions+`,
	"type": ["array", "null"],
	"items": {"$ref": "#/definitions/message"}
}`)
