package datastore

// Compile-time assertion that PostgresStore satisfies Store; exercising the
// SQL itself requires a live Postgres instance and is not covered by the
// tests in this repository.
var _ Store = (*PostgresStore)(nil)
