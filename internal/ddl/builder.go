// Package ddl builds the DuckDB DDL and DML statements issued by the
// remote-table orchestrator and credential manager: secrets, extension
// bootstrap, and CREATE TABLE AS SELECT registration for external files.
package ddl

import (
	"fmt"
	"strings"
)

// InstallExtensions returns the statements needed to make httpfs available.
// Safe to call without any credentials configured — it only loads the
// extension, it does not touch any remote storage.
func InstallExtensions() []string {
	return []string{
		"INSTALL httpfs",
		"LOAD httpfs",
	}
}

// SecretSpec carries the credential material for one cloud provider secret.
// Which fields matter depends on Provider: s3/r2 use the key pair plus
// optional endpoint and region, azure-blob prefers a connection string over
// the account pair, gcs takes a service-account key file path.
type SecretSpec struct {
	Provider string // provider tag: s3, r2, gcs, azure-blob

	KeyID    string
	Secret   string
	Endpoint string
	Region   string
	URLStyle string // "path" or "vhost"; defaults to path when an endpoint is set

	AccountName      string
	AccountKey       string
	ConnectionString string

	KeyFilePath string
}

// CreateSecret builds the CREATE OR REPLACE SECRET statement that lets the
// engine's httpfs reads authenticate against spec.Provider. Direct-mode
// table registration depends on these secrets existing before the first
// read_* call touches a private bucket.
func CreateSecret(name string, spec SecretSpec) (string, error) {
	if err := ValidateIdentifier(name); err != nil {
		return "", fmt.Errorf("invalid secret name: %w", err)
	}

	var pairs []string
	addPair := func(key, value string) {
		pairs = append(pairs, fmt.Sprintf("\t%s %s", key, QuoteLiteral(value)))
	}

	var secretType string
	switch spec.Provider {
	case "s3", "r2":
		secretType = "S3"
		if spec.KeyID == "" || spec.Secret == "" {
			return "", fmt.Errorf("provider %q secret requires a key id and secret", spec.Provider)
		}
		addPair("KEY_ID", spec.KeyID)
		addPair("SECRET", spec.Secret)
		if spec.Endpoint != "" {
			addPair("ENDPOINT", spec.Endpoint)
			style := spec.URLStyle
			if style == "" {
				style = "path"
			}
			addPair("URL_STYLE", style)
		}
		if spec.Region != "" {
			addPair("REGION", spec.Region)
		}
	case "azure-blob":
		secretType = "AZURE"
		switch {
		case spec.ConnectionString != "":
			addPair("CONNECTION_STRING", spec.ConnectionString)
		case spec.AccountName != "" && spec.AccountKey != "":
			addPair("ACCOUNT_NAME", spec.AccountName)
			addPair("ACCOUNT_KEY", spec.AccountKey)
		default:
			return "", fmt.Errorf("azure-blob secret requires a connection string or an account name and key")
		}
	case "gcs":
		secretType = "GCS"
		if spec.KeyFilePath == "" {
			return "", fmt.Errorf("gcs secret requires a service-account key file path")
		}
		addPair("KEY_FILE_PATH", spec.KeyFilePath)
	default:
		return "", fmt.Errorf("no secret type for provider %q", spec.Provider)
	}

	return fmt.Sprintf("CREATE OR REPLACE SECRET %s (\n\tTYPE %s,\n%s\n)",
		QuoteIdentifier(name), secretType, strings.Join(pairs, ",\n")), nil
}

// DropSecret builds DROP SECRET IF EXISTS for a secret of any provider type.
func DropSecret(name string) (string, error) {
	if err := ValidateIdentifier(name); err != nil {
		return "", fmt.Errorf("invalid secret name: %w", err)
	}
	return "DROP SECRET IF EXISTS " + QuoteIdentifier(name), nil
}

// ReadFunction maps a file-format tag to the DuckDB table function that reads it.
func ReadFunction(format string) (string, error) {
	switch strings.ToLower(format) {
	case "parquet", "arrow":
		return "read_parquet", nil
	case "csv":
		return "read_csv_auto", nil
	case "json", "jsonl":
		return "read_json_auto", nil
	default:
		return "", fmt.Errorf("unsupported format %q", format)
	}
}

// CreateTableAsSelectSpec describes a CREATE TABLE ... AS SELECT statement
// that registers a remote or virtual file as a queryable table.
type CreateTableAsSelectSpec struct {
	TableName  string   // destination table identifier
	ReadFunc   string   // e.g. read_parquet, read_csv_auto, read_json_auto
	Path       string   // URL or virtual filename passed to ReadFunc
	Projection []string // column list; empty means "*"
	Filter     string   // raw WHERE predicate, empty means no filter
}

// CreateTableAsSelect builds:
//
//	CREATE OR REPLACE TABLE <name> AS SELECT <cols> FROM <read_func>('<path>') [WHERE <filter>]
//
// Column names and filter text are not re-validated here — the orchestrator
// contract treats projection/filter as caller-supplied SQL fragments.
func CreateTableAsSelect(spec CreateTableAsSelectSpec) (string, error) {
	if err := ValidateIdentifier(spec.TableName); err != nil {
		return "", fmt.Errorf("invalid table name: %w", err)
	}
	if spec.ReadFunc == "" {
		return "", fmt.Errorf("read function is required")
	}
	if spec.Path == "" {
		return "", fmt.Errorf("source path is required")
	}

	cols := "*"
	if len(spec.Projection) > 0 {
		cols = strings.Join(spec.Projection, ", ")
	}

	stmt := fmt.Sprintf("CREATE OR REPLACE TABLE %s AS SELECT %s FROM %s(%s)",
		QuoteIdentifier(spec.TableName),
		cols,
		spec.ReadFunc,
		QuoteLiteral(spec.Path),
	)
	if spec.Filter != "" {
		stmt += " WHERE " + spec.Filter
	}
	return stmt, nil
}

// DropTable returns a DuckDB DDL statement: DROP TABLE IF EXISTS "<name>".
func DropTable(name string) (string, error) {
	if err := ValidateIdentifier(name); err != nil {
		return "", fmt.Errorf("invalid table name: %w", err)
	}
	return fmt.Sprintf("DROP TABLE IF EXISTS %s", QuoteIdentifier(name)), nil
}

// DescribeSelect builds a DESCRIBE statement used to peek a file's schema
// through the SQL engine rather than a hand-rolled parser.
func DescribeSelect(readFunc, path string) (string, error) {
	if readFunc == "" {
		return "", fmt.Errorf("read function is required")
	}
	if path == "" {
		return "", fmt.Errorf("source path is required")
	}
	return fmt.Sprintf("DESCRIBE SELECT * FROM %s(%s) LIMIT 0", readFunc, QuoteLiteral(path)), nil
}
