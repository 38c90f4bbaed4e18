/*
Package database opens the SQL store and manages its connection pool.

Open selects the GORM driver (postgres, mysql, or the pure-Go sqlite used
by tests) and always enables translated errors, which the guarded state
transitions rely on for unique-violation detection. PoolManager wraps the
underlying sql.DB: pool sizing, background health checks, statistics, and
transaction helpers with retry for deadlocks and serialization failures.
*/
package database
