package txn

import "errors"

var (
	ErrTxnNotFound          = errors.New("rsdb: transaction not found")
	ErrTxnNotActive         = errors.New("rsdb: transaction not active")
	ErrSerializationFailure = errors.New("rsdb: serialization failure")
	ErrSavepointNotFound    = errors.New("rsdb: savepoint not found")
)
