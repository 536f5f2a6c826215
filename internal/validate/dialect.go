package validate

// Rules is the keyword policy of a SQL dialect.
type Rules interface {
	ForbiddenKeywords() []string
	DDLKeywords() []string
	DMLKeywords() []string
}

// Dialect is the closed set of supported SQL variants. Adding a dialect means
// adding a constant and its keyword sets below.
type Dialect int

const (
	PostgreSQL Dialect = iota
	Trino
)

var _ Rules = PostgreSQL

func (d Dialect) String() string {
	switch d {
	case PostgreSQL:
		return "postgresql"
	case Trino:
		return "trino"
	default:
		return "unknown"
	}
}

func (d Dialect) ForbiddenKeywords() []string {
	switch d {
	case Trino:
		return []string{
			"DROP SCHEMA", "DROP CATALOG", "DROP USER", "DROP ROLE",
			"ALTER SCHEMA", "ALTER CATALOG", "GRANT", "REVOKE",
			"CREATE USER", "CREATE ROLE",
		}
	default:
		return []string{
			"DROP DATABASE", "DROP SCHEMA", "DROP USER", "DROP ROLE",
			"ALTER USER", "ALTER ROLE", "GRANT", "REVOKE",
			"VACUUM", "REINDEX", "CLUSTER",
		}
	}
}

func (d Dialect) DDLKeywords() []string {
	switch d {
	case Trino:
		return []string{
			"CREATE TABLE", "CREATE VIEW", "CREATE SCHEMA",
			"DROP TABLE", "DROP VIEW", "ALTER TABLE",
		}
	default:
		return []string{
			"CREATE TABLE", "CREATE INDEX", "CREATE VIEW", "ALTER TABLE",
			"DROP TABLE", "DROP INDEX", "DROP VIEW",
		}
	}
}

func (d Dialect) DMLKeywords() []string {
	switch d {
	case Trino:
		return []string{
			"SELECT", "INSERT", "DELETE", "WITH", "UNION", "INTERSECT", "EXCEPT",
			"DESCRIBE", "SHOW TABLES", "SHOW SCHEMAS",
		}
	default:
		return []string{
			"SELECT", "INSERT", "UPDATE", "DELETE", "WITH", "UNION", "INTERSECT", "EXCEPT",
		}
	}
}

// advisory is a dialect-specific pattern worth a warning.
type advisory struct {
	pattern string
	message string
}

func (d Dialect) advisories() []advisory {
	if d != Trino {
		return nil
	}
	return []advisory{
		{"UNNEST", "uses UNNEST, check compatibility"},
		{"ROW_NUMBER() OVER", "uses window functions, may be slow"},
		{"S3://", "reads S3 data, expect extra latency"},
		{"S3A://", "reads S3 data, expect extra latency"},
		{"S3N://", "reads S3 data, expect extra latency"},
	}
}

// modificationKeywords trigger a warning on query submissions.
var modificationKeywords = []string{"DELETE", "UPDATE", "INSERT", "TRUNCATE"}
