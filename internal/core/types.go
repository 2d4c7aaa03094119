package core

import (
	"fieldops/internal/events"
	"fieldops/internal/mutation"
	"fieldops/internal/observability"
	"fieldops/internal/tree"
)

type (
	Logger          = observability.Logger
	MetricsRecorder = observability.MetricsRecorder
	Tracer          = observability.Tracer
	TraceSpan       = observability.TraceSpan

	Node         = tree.Node
	Mutation     = mutation.Mutation
	Pending      = mutation.Pending
	Result       = mutation.Result
	Subscription = events.Subscription
	Notification = events.Notification
)
