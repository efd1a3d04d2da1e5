// Package tsql compiles SQL templates with #{...} placeholders into driver-ready SQL, binds their parameters through a registry of type converters, and materializes result rows into values and structs. Templates name either the logical type of each positional argument (#{int64}, #{uuid}) or the getter of a bound object (#{getId}, #{getTotal/setTotal} for in/out call parameters); a #{refcursor} first placeholder reserves slot 1 for a Postgres cursor. Getters and setters come from an explicit Mapping per type, or from StructMapping for structs with `db` tags.

package tsql
