package rklog

import (
	"reflect"
)

// GetPointer returns the memory address of the given value as an unsigned integer.
// It does the same thing as fmt.Sprintf("%p", &num) but fast.
func GetPointer(value any) uint {
	ptr := reflect.ValueOf(value).Pointer()
	uintPtr := uintptr(ptr)
	return uint(uintPtr)
}
