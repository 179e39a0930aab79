// Package observability provides metrics for the distribution service.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

const (
	attrMethod   = "method"
	attrPath     = "path"
	attrStatus   = "status"
	attrAgent    = "agent"
	attrState    = "state"
	attrFrom     = "from"
	attrQueue    = "queue"
	attrEndpoint = "endpoint"
	attrOp       = "op"
	attrOutcome  = "outcome"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}

func statusNameAttr(s string) attribute.KeyValue {
	return attribute.String(attrStatus, s)
}

func agentAttr(name string) attribute.KeyValue {
	return attribute.String(attrAgent, name)
}

func stateAttr(state string) attribute.KeyValue {
	return attribute.String(attrState, state)
}

func fromStateAttr(state string) attribute.KeyValue {
	return attribute.String(attrFrom, state)
}

func queueAttr(name string) attribute.KeyValue {
	return attribute.String(attrQueue, name)
}

func endpointAttr(host string) attribute.KeyValue {
	return attribute.String(attrEndpoint, host)
}

func opAttr(op string) attribute.KeyValue {
	return attribute.String(attrOp, op)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

// normalizePath replaces resource names with placeholders so the path
// label stays bounded.
//
//	/distribution/agents/publish/queues/default -> /distribution/agents/{agent}/queues/{queue}
func normalizePath(path string) string {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(parts) < 3 || parts[0] != "distribution" {
		return path
	}
	for i := 2; i < len(parts); i++ {
		if p, ok := placeholders[parts[i-1]]; ok {
			parts[i] = p
		}
	}
	return "/" + strings.Join(parts, "/")
}

var placeholders = map[string]string{
	"agents":    "{agent}",
	"exporters": "{exporter}",
	"importers": "{importer}",
	"triggers":  "{trigger}",
	"queues":    "{queue}",
}
