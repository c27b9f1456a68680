package lazyarr

import "errors"

var (
	// ErrShapeMismatch indicates two operand shapes cannot be broadcast
	// together
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrUnknownOperand indicates an expression references a name with no
	// bound operand
	ErrUnknownOperand = errors.New("unknown operand")
	// ErrUnknownFunction indicates a call to a function name outside the
	// supported set
	ErrUnknownFunction = errors.New("unknown function")
	// ErrSerialization indicates a malformed or unresolvable persisted
	// expression
	ErrSerialization = errors.New("invalid expression document")
	// ErrUnpersistableOperand indicates an attempt to save an expression
	// bound to an operand with no durable storage location
	ErrUnpersistableOperand = errors.New("operand has no persistent storage")
)
