package reqscope

import "context"

type ctxKey struct{}

// NewContext returns a child context carrying req, so nested protected
// regions and resumed continuations reach the same request.
func NewContext(parent context.Context, req *Request) context.Context {
	return context.WithValue(parent, ctxKey{}, req)
}

// FromContext extracts the request from ctx if present.
func FromContext(ctx context.Context) (*Request, bool) {
	v := ctx.Value(ctxKey{})
	if v == nil {
		return nil, false
	}
	req, ok := v.(*Request)
	return req, ok
}
