package consumer

import "context"

type routingKeyContextKey struct{}

// ContextWithRoutingKey stores the delivery routing key in ctx. The harness
// sets it before invoking the handler; handlers that need the key (for
// example audit trails) read it back with RoutingKeyFromContext.
func ContextWithRoutingKey(ctx context.Context, routingKey string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	return context.WithValue(ctx, routingKeyContextKey{}, routingKey)
}

// RoutingKeyFromContext returns the delivery routing key, or "" when the
// context does not carry one.
func RoutingKeyFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}

	routingKey, _ := ctx.Value(routingKeyContextKey{}).(string)

	return routingKey
}
