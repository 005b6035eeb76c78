package lineheap

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// OutOfMemoryError is the error returned when the operating system declines to provide backing memory for a block
var OutOfMemoryError error = errors.New("the operating system declined the memory request")
