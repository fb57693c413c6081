package repository

import "errors"

var (
	// ErrKeyNotFound is returned when a KV key does not exist.
	ErrKeyNotFound = errors.New("key not found")

	// ErrObjectNotFound is returned when a bucket object does not exist.
	ErrObjectNotFound = errors.New("object not found")

	// ErrBucketNotFound is returned when a configured bucket binding does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrRangeNotSatisfiable is returned when a requested byte range lies
	// entirely beyond the object.
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")
)
