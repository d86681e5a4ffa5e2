package bom_test

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"math/big"
	"testing"
	"time"

	cdx "github.com/CycloneDX/cyclonedx-go"
	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/Ingestor/internal/bom"
	"github.com/CZERTAINLY/Ingestor/internal/ingest"
	"github.com/CZERTAINLY/Ingestor/internal/model"
)

func certDER(t *testing.T) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	templ := &x509.Certificate{
		SerialNumber: big.NewInt(7),
		Subject:      pkix.Name{CommonName: "example.net"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, templ, templ, &key.PublicKey, key)
	require.NoError(t, err)
	return der
}

func TestAppendResults(t *testing.T) {
	t.Parallel()

	der := certDER(t)
	files := map[int64]ingest.File{
		1: {ID: 1, DataSource: "/srv/", Path: "tls/cert.pem"},
		2: {ID: 2, DataSource: "/srv/", Path: "backup/cert.pem"},
		3: {ID: 3, DataSource: "/srv/", Path: "app/.env"},
	}
	cert := func(fileID int64) ingest.Result {
		return ingest.Result{
			JobID:  1,
			FileID: fileID,
			Module: "certs",
			Type:   model.ResultCertificate,
			Value:  "fingerprint",
			Attributes: map[string]string{
				model.AttrSource:  "PEM",
				model.AttrContent: base64.StdEncoding.EncodeToString(der),
			},
		}
	}
	results := []ingest.Result{
		{JobID: 1, FileID: 1, Module: "hash", Type: model.ResultHash, Value: "abcd", Attributes: map[string]string{model.AttrAlgorithm: "sha256"}},
		{JobID: 1, FileID: 1, Module: "filetype", Type: model.ResultMIMEType, Value: "text/plain"},
		cert(1),
		cert(2),
		{JobID: 1, FileID: 3, Module: "secrets", Type: model.ResultSecret, Value: "github-pat", Attributes: map[string]string{model.AttrLine: "2", model.AttrDescription: "GitHub token"}},
		{JobID: 1, FileID: 3, Module: "secrets", Type: model.ResultSecret, Value: "private-key"},
		{JobID: 1, FileID: 99, Module: "hash", Type: model.ResultHash, Value: "ffff"},
		{JobID: 1, Module: "inventory", Type: model.ResultInventory, Value: "/srv/", Attributes: map[string]string{model.AttrFiles: "3", model.AttrBytes: "10"}},
	}

	b := bom.NewBuilder().AppendResults(t.Context(), files, results)
	doc := b.BOM()

	byType := map[cdx.ComponentType][]cdx.Component{}
	for _, c := range *doc.Components {
		byType[c.Type] = append(byType[c.Type], c)
	}
	require.Len(t, byType[cdx.ComponentTypeFile], 3)
	require.Len(t, byType[cdx.ComponentTypeCryptographicAsset], 2)

	first := byType[cdx.ComponentTypeFile][0]
	require.Equal(t, "/srv/tls/cert.pem", (*first.Evidence.Occurrences)[0].Location)
	require.Equal(t, "text/plain", first.MIMEType)
	require.Equal(t, []cdx.Hash{{Algorithm: cdx.HashAlgoSHA256, Value: "abcd"}}, *first.Hashes)

	var certComp cdx.Component
	for _, c := range byType[cdx.ComponentTypeCryptographicAsset] {
		if c.CryptoProperties.AssetType == cdx.CryptoAssetTypeCertificate {
			certComp = c
		}
	}
	require.Equal(t, "example.net", certComp.Name)
	require.Len(t, *certComp.Evidence.Occurrences, 2)

	require.Len(t, *doc.Dependencies, 3)
	require.Equal(t, []cdx.Property{{Name: "czertainly:ingest:inventory:/srv/", Value: "bytes=10 files=3"}}, *doc.Properties)

	var buf bytes.Buffer
	require.NoError(t, b.AsJSON(&buf))
	require.Contains(t, buf.String(), "example.net")
	require.NotContains(t, buf.String(), "private-key")
}

func TestLocation(t *testing.T) {
	t.Parallel()
	var tests = []struct {
		scenario string
		given    ingest.File
		then     string
	}{
		{"dir", ingest.File{DataSource: "/srv", Path: "a/b"}, "/srv/a/b"},
		{"trailing slash", ingest.File{DataSource: "/srv/", Path: "a"}, "/srv/a"},
		{"image", ingest.File{DataSource: "alpine:3.20", Path: "/etc/ssl/cert.pem"}, "alpine:3.20/etc/ssl/cert.pem"},
		{"no data source", ingest.File{Path: "a"}, "a"},
	}
	for _, tt := range tests {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.then, bom.Location(tt.given))
		})
	}
}
