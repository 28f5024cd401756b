package models

// Query is the canonical record of a SQL text seen at least once. The
// fingerprint is the identity; the SQL text is retained for observability
// and replay. Queries are created on first submission and never mutated.
type Query struct {
	Fingerprint Fingerprint `json:"fingerprint" goqu:"skipupdate" db:"query_fingerprint"`
	SQL         string      `json:"sql" goqu:"skipupdate" db:"query_sql"`
	CreatedAt   Time        `json:"created_at" goqu:"skipupdate" db:"query_created_at"`
}

func NewQuery(sql string, now Time) *Query {
	return &Query{
		Fingerprint: FingerprintSQL(sql),
		SQL:         sql,
		CreatedAt:   now,
	}
}
