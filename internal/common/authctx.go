package common

import "context"

type ctxKey string

const buyerIDKey ctxKey = "auth/buyer-id"

// WithBuyerID stores the authenticated buyer identifier on the provided context.
func WithBuyerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, buyerIDKey, id)
}

// BuyerID extracts the authenticated buyer identifier from the context if present.
func BuyerID(ctx context.Context) (string, bool) {
	v := ctx.Value(buyerIDKey)
	if v == nil {
		return "", false
	}
	id, ok := v.(string)
	return id, ok
}
