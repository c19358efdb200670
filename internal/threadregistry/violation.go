package threadregistry

import "fmt"

// ContractViolation is the panic value raised when a lifecycle call is made
// out of sequence or on an unknown id. It is a programming error, never a
// recoverable condition.
type ContractViolation struct {
	Op     string
	ID     ThreadID
	Status Status
	Reason string
}

func (e *ContractViolation) Error() string {
	if e.ID == InvalidTID {
		return fmt.Sprintf("thread registry: %s: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("thread registry: %s(tid=%d, status=%s): %s", e.Op, e.ID, e.Status, e.Reason)
}

func (r *Registry) violate(op string, id ThreadID, status Status, reason string) {
	v := &ContractViolation{Op: op, ID: id, Status: status, Reason: reason}
	r.log.Error().
		Str("op", op).
		Uint32("tid", uint32(id)).
		Str("status", status.String()).
		Msg(reason)
	panic(v)
}
