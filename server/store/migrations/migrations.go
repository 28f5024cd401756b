package migrations

// DialectTemplate is used as the templating control for differing SQL syntax between our supported databases
type DialectTemplate struct {
	Binary            string
	IntegerPrimaryKey string
}

// MigrationSet provides a set of migrations that can be applied to a database.
type MigrationSet []MigrationData

// MigrationData provides the data for a single migration, including Up and Down SQL.
// Templated values are supported and will be substituted for database-specific values
// before the migrations are applied.
type MigrationData struct {
	SequenceNumber int64
	Name           string
	UpSQL          string
	DownSQL        string
}

// RegistryMigrations is the set of migrations that sets up the job registry database.
var RegistryMigrations = MigrationSet{
	{
		SequenceNumber: 1,
		Name:           "create_queries",
		UpSQL: `CREATE TABLE IF NOT EXISTS queries
				(
					query_fingerprint text NOT NULL PRIMARY KEY,
					query_sql text NOT NULL,
					query_created_at timestamp without time zone NOT NULL
				);`,
		DownSQL: `DROP TABLE queries;`,
	},
	{
		SequenceNumber: 2,
		Name:           "create_jobs",
		UpSQL: `CREATE TABLE IF NOT EXISTS jobs
				(
					job_id text NOT NULL PRIMARY KEY,
					job_fingerprint text NOT NULL REFERENCES queries (query_fingerprint) ON UPDATE NO ACTION ON DELETE NO ACTION,
					job_status text NOT NULL,
					job_format text NOT NULL,
					job_created_at timestamp without time zone NOT NULL,
					job_completed_at timestamp without time zone,
					job_row_count bigint,
					job_artifact_bytes bigint,
					job_artifact_key text NOT NULL,
					job_error_code text
				);
				CREATE INDEX IF NOT EXISTS jobs_fingerprint_index ON jobs(job_fingerprint);
				CREATE INDEX IF NOT EXISTS jobs_status_index ON jobs(job_status);
				CREATE INDEX IF NOT EXISTS jobs_created_at_index ON jobs(job_created_at DESC);`,
		DownSQL: `DROP INDEX jobs_fingerprint_index;
				  DROP INDEX jobs_status_index;
				  DROP INDEX jobs_created_at_index;
				  DROP TABLE jobs;`,
	},
	{
		SequenceNumber: 3,
		Name:           "create_discovered_files",
		UpSQL: `CREATE TABLE IF NOT EXISTS discovered_files
				(
					file_path text NOT NULL PRIMARY KEY,
					file_size_bytes bigint NOT NULL,
					file_last_modified timestamp without time zone NOT NULL,
					file_registered_at timestamp without time zone NOT NULL,
					file_type text NOT NULL
				);
				CREATE INDEX IF NOT EXISTS discovered_files_type_index ON discovered_files(file_type);`,
		DownSQL: `DROP INDEX discovered_files_type_index;
				  DROP TABLE discovered_files;`,
	},
}
