// Package bunstore implements the store using the Bun ORM with PostgreSQL
// dialect. Suitable for teams already running Bun elsewhere in their stack
// who want the queue tables managed through the same query layer.
//
// The caller usually owns the *bun.DB lifecycle and passes it through New;
// NewFromDSN opens a pgdriver connection that Close releases:
//
//	import (
//	    "github.com/uptrace/bun"
//	    "github.com/uptrace/bun/dialect/pgdialect"
//	    "github.com/uptrace/bun/driver/pgdriver"
//	    bunstore "github.com/xraph/sluice/store/bun"
//	)
//
//	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
//	db := bun.NewDB(sqldb, pgdialect.New())
//	store := bunstore.New(db)
//	store.Migrate(ctx)
package bunstore
