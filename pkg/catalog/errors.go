package catalog

import "fmt"

// ProtocolError reports a snapshot that does not follow the catalog schema.
// Index is -1 for document-level problems.
type ProtocolError struct {
	Index  int
	Field  string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := "catalog: "
	if e.Index >= 0 {
		msg += fmt.Sprintf("entry %d: ", e.Index)
	}
	if e.Field != "" {
		msg += fmt.Sprintf("field %q: ", e.Field)
	}
	msg += e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
