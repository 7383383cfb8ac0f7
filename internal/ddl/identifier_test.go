package ddl

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateIdentifier_AcceptsCloudTableNames(t *testing.T) {
	for _, name := range []string{
		"sales",
		"sales_2026",
		"_staging",
		"MixedCase",
		strings.Repeat("x", 128),
	} {
		assert.NoError(t, ValidateIdentifier(name), name)
	}
}

func TestValidateIdentifier_RejectsUnsafeNames(t *testing.T) {
	tests := []struct {
		input   string
		wantErr string
	}{
		{"", "empty"},
		{strings.Repeat("x", 129), "exceeds 128"},
		{"2026_sales", "starts with a digit"},
		{"sales report", "only letters, digits, and underscores"},
		{"sales-report", "only letters, digits, and underscores"},
		{"main.sales", "only letters, digits, and underscores"},
		{"t'); DROP TABLE sales; --", "only letters, digits, and underscores"},
		{`t"`, "only letters, digits, and underscores"},
	}
	for _, tt := range tests {
		err := ValidateIdentifier(tt.input)
		require.Error(t, err, tt.input)
		assert.Contains(t, err.Error(), tt.wantErr, tt.input)
	}
}

func TestQuoteIdentifier_DoublesEmbeddedQuotes(t *testing.T) {
	assert.Equal(t, `"sales"`, QuoteIdentifier("sales"))
	assert.Equal(t, `"a""b"`, QuoteIdentifier(`a"b`))
}

func TestQuoteLiteral_HandlesURLsAndQuotes(t *testing.T) {
	assert.Equal(t, "'https://bucket.s3.amazonaws.com/f.parquet'",
		QuoteLiteral("https://bucket.s3.amazonaws.com/f.parquet"))
	assert.Equal(t, "'it''s'", QuoteLiteral("it's"))
}

func TestValidateColumnType(t *testing.T) {
	valid := []string{
		"INTEGER",
		"varchar",
		"VARCHAR(255)",
		"DECIMAL(10,2)",
		"DECIMAL(10, 2)",
		"INTEGER[]",
		"VARCHAR(255)[]",
		"TIMESTAMP WITH TIME ZONE",
	}
	for _, tt := range valid {
		assert.NoError(t, ValidateColumnType(tt), tt)
	}

	invalid := []string{
		"",
		strings.Repeat("V", 65),
		"VARCHAR(255",
		"VARCHAR(abc)",
		"INTEGER; DROP TABLE sales",
		"VARCHAR(255) -- comment",
		`VARCHAR"`,
		"(INTEGER)",
	}
	for _, tt := range invalid {
		assert.Error(t, ValidateColumnType(tt), tt)
	}
}
