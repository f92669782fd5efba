// Package deposit is the entry point of the library. A Deposit owns one storage
// adapter (the in-memory/snapshot key-value backend or the SQLite backend) and adds
// queries, optimistic transactions across tables and concurrent patches:
//
//	cfg := common.DefaultConfig()
//	cfg.Schema = schema.Schema{"users": {KeyField: "id"}}
//	d, err := deposit.New(ctx, cfg)
//	...
//	d.Put(ctx, "users", schema.Record{"id": 1, "name": "Ann"}, 0)
//	adults, err := d.Query("users").Between("age", 18, 150).ToArray(ctx)
//
// Data methods follow the adapter contract: failures are logged and counted but
// not returned. Only construction, Transaction, Patch and the typed helpers return errors.
package deposit
