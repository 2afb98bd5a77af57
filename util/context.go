package util

import (
	"context"
	"fmt"
)

type CtxKey string

const (
	CorrelationIdKey CtxKey = "CorrelationId"
	SubjectKey       CtxKey = "Subject"
)

func ValueToCtx[T any](ctx context.Context, key CtxKey, value T) context.Context {
	return context.WithValue(ctx, key, value)
}

func ValueFromCtx[T any](ctx context.Context, key CtxKey) (T, error) {
	raw := ctx.Value(key)
	if raw == nil {
		return *new(T), newUtilError(ErrCodeValueNotFoundInContext, fmt.Sprintf("%v not found in context", key))
	}
	value, ok := raw.(T)
	if !ok {
		return *new(T), newUtilError(ErrCodeInvalidValueInContext, fmt.Sprintf("%v is not of type %T on context", key, *new(T)))
	}
	return value, nil
}

func CorrelationIdToCtx(ctx context.Context, correlationId string) context.Context {
	return ValueToCtx(ctx, CorrelationIdKey, correlationId)
}

func CorrelationIdFromCtx(ctx context.Context) (string, error) {
	return ValueFromCtx[string](ctx, CorrelationIdKey)
}

// SubjectToCtx stores the authenticated caller of a request.
func SubjectToCtx(ctx context.Context, subject string) context.Context {
	return ValueToCtx(ctx, SubjectKey, subject)
}

func SubjectFromCtx(ctx context.Context) (string, error) {
	return ValueFromCtx[string](ctx, SubjectKey)
}
