// Package naturalquery is a small SQL statement builder with a positional-parameter binding discipline. A Builder collects a table, columns, predicates, joins and modifiers through fluent calls and renders them in SQL clause order, returning the statement together with its parameters: values written by INSERT/UPDATE first, predicate parameters after, matching the markers it numbers ($1, ?, :1 or @p1, chosen once per builder). Predicate fragments are taken as written and never renumbered. An Executor runs rendered statements over a database/sql connection pool (pgx by default), one pooled connection per statement.

package naturalquery
