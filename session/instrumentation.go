package session

import "go.opentelemetry.io/otel"

const scopeName = "github.com/room4-2/voicebridge/session"

var tracer = otel.Tracer(scopeName)
