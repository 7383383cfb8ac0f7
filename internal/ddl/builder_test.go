package ddl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateSecret_S3(t *testing.T) {
	stmt, err := CreateSecret("dataprism_s3", SecretSpec{
		Provider: "s3",
		KeyID:    "AKIA",
		Secret:   "secret",
		Region:   "us-east-1",
	})
	require.NoError(t, err)
	assert.Contains(t, stmt, `CREATE OR REPLACE SECRET "dataprism_s3"`)
	assert.Contains(t, stmt, "TYPE S3")
	assert.Contains(t, stmt, "KEY_ID 'AKIA'")
	assert.Contains(t, stmt, "REGION 'us-east-1'")
	assert.NotContains(t, stmt, "ENDPOINT", "endpoint omitted when unset")
}

func TestCreateSecret_R2EndpointDefaultsToPathStyle(t *testing.T) {
	stmt, err := CreateSecret("dataprism_r2", SecretSpec{
		Provider: "r2",
		KeyID:    "k",
		Secret:   "s",
		Endpoint: "acct.r2.cloudflarestorage.com",
	})
	require.NoError(t, err)
	assert.Contains(t, stmt, "TYPE S3")
	assert.Contains(t, stmt, "ENDPOINT 'acct.r2.cloudflarestorage.com'")
	assert.Contains(t, stmt, "URL_STYLE 'path'")
}

func TestCreateSecret_AzureConnectionStringPreferred(t *testing.T) {
	stmt, err := CreateSecret("dataprism_az", SecretSpec{
		Provider:         "azure-blob",
		AccountName:      "acct",
		AccountKey:       "key",
		ConnectionString: "AccountName=acct;AccountKey=key",
	})
	require.NoError(t, err)
	assert.Contains(t, stmt, "TYPE AZURE")
	assert.Contains(t, stmt, "CONNECTION_STRING")
	assert.NotContains(t, stmt, "ACCOUNT_NAME")

	stmt, err = CreateSecret("dataprism_az", SecretSpec{
		Provider:    "azure-blob",
		AccountName: "acct",
		AccountKey:  "key",
	})
	require.NoError(t, err)
	assert.Contains(t, stmt, "ACCOUNT_NAME 'acct'")
	assert.Contains(t, stmt, "ACCOUNT_KEY 'key'")
}

func TestCreateSecret_GCS(t *testing.T) {
	stmt, err := CreateSecret("dataprism_gcs", SecretSpec{
		Provider:    "gcs",
		KeyFilePath: "/path/to/key.json",
	})
	require.NoError(t, err)
	assert.Contains(t, stmt, "TYPE GCS")
	assert.Contains(t, stmt, "KEY_FILE_PATH '/path/to/key.json'")
}

func TestCreateSecret_Incomplete(t *testing.T) {
	_, err := CreateSecret("bad name", SecretSpec{Provider: "s3", KeyID: "k", Secret: "s"})
	require.Error(t, err)

	_, err = CreateSecret("x", SecretSpec{Provider: "s3"})
	require.Error(t, err, "missing key pair")

	_, err = CreateSecret("x", SecretSpec{Provider: "azure-blob"})
	require.Error(t, err, "no connection string or account pair")

	_, err = CreateSecret("x", SecretSpec{Provider: "gcs"})
	require.Error(t, err, "missing key file path")

	_, err = CreateSecret("x", SecretSpec{Provider: "ftp"})
	require.Error(t, err, "unknown provider")
}

func TestDropSecret(t *testing.T) {
	stmt, err := DropSecret("dataprism_s3")
	require.NoError(t, err)
	assert.Equal(t, `DROP SECRET IF EXISTS "dataprism_s3"`, stmt)

	_, err = DropSecret("")
	assert.Error(t, err)
}

func TestReadFunction(t *testing.T) {
	tests := []struct {
		format string
		want   string
	}{
		{"parquet", "read_parquet"},
		{"ARROW", "read_parquet"},
		{"csv", "read_csv_auto"},
		{"json", "read_json_auto"},
		{"jsonl", "read_json_auto"},
	}
	for _, tt := range tests {
		got, err := ReadFunction(tt.format)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := ReadFunction("avro")
	assert.ErrorContains(t, err, "unsupported format")
}

func TestCreateTableAsSelect(t *testing.T) {
	stmt, err := CreateTableAsSelect(CreateTableAsSelectSpec{
		TableName: "events",
		ReadFunc:  "read_parquet",
		Path:      "s3://bucket/events.parquet",
	})
	require.NoError(t, err)
	assert.Equal(t,
		`CREATE OR REPLACE TABLE "events" AS SELECT * FROM read_parquet('s3://bucket/events.parquet')`,
		stmt,
	)
}

func TestCreateTableAsSelect_ProjectionAndFilter(t *testing.T) {
	stmt, err := CreateTableAsSelect(CreateTableAsSelectSpec{
		TableName:  "events",
		ReadFunc:   "read_csv_auto",
		Path:       "events.csv",
		Projection: []string{"a", "b"},
		Filter:     "a > 10",
	})
	require.NoError(t, err)
	assert.Equal(t,
		`CREATE OR REPLACE TABLE "events" AS SELECT a, b FROM read_csv_auto('events.csv') WHERE a > 10`,
		stmt,
	)
}

func TestCreateTableAsSelect_InvalidTableName(t *testing.T) {
	_, err := CreateTableAsSelect(CreateTableAsSelectSpec{
		TableName: "bad;name",
		ReadFunc:  "read_parquet",
		Path:      "x.parquet",
	})
	assert.Error(t, err)
}

func TestDropTable(t *testing.T) {
	stmt, err := DropTable("events")
	require.NoError(t, err)
	assert.Equal(t, `DROP TABLE IF EXISTS "events"`, stmt)
}

func TestDescribeSelect(t *testing.T) {
	stmt, err := DescribeSelect("read_parquet", "s3://bucket/f.parquet")
	require.NoError(t, err)
	assert.Equal(t, `DESCRIBE SELECT * FROM read_parquet('s3://bucket/f.parquet') LIMIT 0`, stmt)
}
