package lineheap

// Validatable is implemented by types that can run internal consistency checks on themselves
type Validatable interface {
	Validate() error
}
