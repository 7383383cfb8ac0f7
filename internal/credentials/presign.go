package credentials

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
	"github.com/aws/aws-sdk-go-v2/aws"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/srnarasim/dataprism-core/internal/taxonomy"
)

// PresignURL produces a time-limited URL for rawURL that embeds the
// provider's authentication in the query string instead of request headers.
// Browsers blocked from attaching Authorization headers cross-origin can
// still GET a presigned URL directly.
func (m *Manager) PresignURL(ctx context.Context, provider, rawURL string, expiry time.Duration) (string, error) {
	m.mu.RLock()
	creds, ok := m.credentials[provider]
	m.mu.RUnlock()
	if !ok {
		return "", taxonomy.New(taxonomy.CodeUnsupportedAuthMethod, "credentials", "no credentials configured for provider %q", provider)
	}
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}

	switch provider {
	case "s3", "r2":
		return presignS3(ctx, creds, rawURL, expiry)
	case "azure-blob":
		return presignAzure(creds, rawURL, expiry)
	case "gcs":
		return presignGCS(creds, rawURL, expiry)
	default:
		return "", taxonomy.New(taxonomy.CodeUnsupportedAuthMethod, "credentials", "presigning is not supported for provider %q", provider)
	}
}

// objectFromURL splits an object URL into bucket and key, handling both
// virtual-hosted style (bucket.s3.region.amazonaws.com/key) and path style
// (endpoint/bucket/key).
func objectFromURL(rawURL string) (bucket, key string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("parse object URL: %w", err)
	}
	path := strings.TrimPrefix(u.Path, "/")
	host := u.Hostname()

	// Virtual-hosted style: first host label is the bucket when the
	// remainder is a known storage domain.
	if i := strings.Index(host, "."); i > 0 && host[:i] != "s3" {
		rest := host[i+1:]
		for _, domain := range []string{"amazonaws.com", "r2.cloudflarestorage.com", "storage.googleapis.com"} {
			if strings.HasSuffix(rest, domain) || rest == domain {
				return host[:i], path, nil
			}
		}
	}

	bucket, key, ok := strings.Cut(path, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("cannot derive bucket/key from %q", rawURL)
	}
	return bucket, key, nil
}

func presignS3(ctx context.Context, creds Credentials, rawURL string, expiry time.Duration) (string, error) {
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return "", taxonomy.New(taxonomy.CodeUnsupportedAuthMethod, "credentials", "S3 presigning requires a key id and secret")
	}
	bucket, key, err := objectFromURL(rawURL)
	if err != nil {
		return "", err
	}

	region := creds.Region
	if region == "" {
		region = "auto"
	}
	client := s3.New(s3.Options{
		Region:      region,
		Credentials: awscreds.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, ""),
	})
	presigner := s3.NewPresignClient(client)
	out, err := presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("presign s3 object: %w", err)
	}
	return out.URL, nil
}

func presignAzure(creds Credentials, rawURL string, expiry time.Duration) (string, error) {
	if creds.AccountName == "" || creds.AccountKey == "" {
		return "", taxonomy.New(taxonomy.CodeUnsupportedAuthMethod, "credentials", "Azure presigning requires an account name and key")
	}
	container, blob, err := objectFromURL(rawURL)
	if err != nil {
		return "", err
	}

	shared, err := azblob.NewSharedKeyCredential(creds.AccountName, creds.AccountKey)
	if err != nil {
		return "", fmt.Errorf("azure shared key credential: %w", err)
	}
	values := sas.BlobSignatureValues{
		Protocol:      sas.ProtocolHTTPS,
		ExpiryTime:    time.Now().Add(expiry).UTC(),
		Permissions:   (&sas.BlobPermissions{Read: true}).String(),
		ContainerName: container,
		BlobName:      blob,
	}
	query, err := values.SignWithSharedKey(shared)
	if err != nil {
		return "", fmt.Errorf("sign azure SAS: %w", err)
	}
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + query.Encode(), nil
}

func presignGCS(creds Credentials, rawURL string, expiry time.Duration) (string, error) {
	if creds.GoogleAccessID == "" || creds.PrivateKey == "" {
		return "", taxonomy.New(taxonomy.CodeUnsupportedAuthMethod, "credentials", "GCS presigning requires a service account access id and private key")
	}
	bucket, object, err := objectFromURL(rawURL)
	if err != nil {
		return "", err
	}

	signed, err := storage.SignedURL(bucket, object, &storage.SignedURLOptions{
		GoogleAccessID: creds.GoogleAccessID,
		PrivateKey:     []byte(creds.PrivateKey),
		Method:         "GET",
		Expires:        time.Now().Add(expiry),
		Scheme:         storage.SigningSchemeV4,
	})
	if err != nil {
		return "", fmt.Errorf("sign gcs URL: %w", err)
	}
	return signed, nil
}
