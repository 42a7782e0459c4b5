// Package ptr contains a very small helper function to create
// pointers from non-pointer values, used for optional configuration
// fields.
package ptr

func Pointer[T any](v T) *T {
	return &v
}
