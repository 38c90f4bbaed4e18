/*
Package migration manages versioned schema migrations for the batch store,
built on golang-migrate with SQL files embedded per dialect (PostgreSQL,
MySQL, SQLite).

Migrator wraps a migrate instance over the embedded source and a live
database connection; Open builds one from a Dialect and connection URL.
Factory helpers derive those from the application config or a raw URL, and
CLI adds the formatted terminal output the migrate subcommand prints.
*/
package migration
