package app

import "rv-go/internal/rv"

// Operation tracks a CLI invocation. The id is assigned up front because
// remote calls are logged against it; only commands that mutate state
// persist the record itself.
type Operation struct {
	ID         string
	Name       string
	Parameters string
	Status     string // "success" or "error"

	persisted bool
}

// NewOperation creates a new in-memory operation.
func NewOperation(id, name, parameters string) *Operation {
	return &Operation{
		ID:         id,
		Name:       name,
		Parameters: parameters,
		Status:     rv.OperationStatusSuccess,
	}
}

// Persisted returns true if this operation has been saved to the database.
func (op *Operation) Persisted() bool {
	return op.persisted
}

// Fail marks the operation as failed when err is non-nil and returns err.
func (op *Operation) Fail(err error) error {
	if err != nil {
		op.Status = rv.OperationStatusError
	}
	return err
}
