package search

// BadQueryError marks a user-caused query failure, as opposed to a
// pipeline failure. Serving surfaces map it to a 400.
type BadQueryError struct {
	Err error
}

func (e *BadQueryError) Error() string { return e.Err.Error() }
func (e *BadQueryError) Unwrap() error { return e.Err }

func badQuery(err error) error { return &BadQueryError{Err: err} }
