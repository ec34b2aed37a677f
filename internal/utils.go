package internal

import (
	"context"
	"fmt"
)

// ContextKey is a context key bound to the type of its value. Two keys with the same name but different value types
// never collide.
type ContextKey[T any] struct {
	name string
}

func NewContextKey[T any](name string) ContextKey[T] {
	return ContextKey[T]{name: name}
}

func (k ContextKey[T]) String() string {
	return fmt.Sprintf("multiraft.ContextKey[%T](%s)", *new(T), k.name)
}

// With returns a copy of ctx carrying value under k
func (k ContextKey[T]) With(ctx context.Context, value T) context.Context {
	return context.WithValue(ctx, k, value)
}

// From returns the value stored under k, false if ctx carries none
func (k ContextKey[T]) From(ctx context.Context) (T, bool) {
	value, ok := ctx.Value(k).(T)
	return value, ok
}

// FromOr returns the value stored under k or def
func (k ContextKey[T]) FromOr(ctx context.Context, def T) T {
	if value, ok := k.From(ctx); ok {
		return value
	}
	return def
}
