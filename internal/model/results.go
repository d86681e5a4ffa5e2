package model

// Result types posted by the ingest modules.
const (
	ResultHash        = "hash"
	ResultMIMEType    = "mime_type"
	ResultSecret      = "secret"
	ResultCertificate = "certificate"
	ResultCommand     = "command"
	ResultInventory   = "inventory"
)

// Result attribute keys.
const (
	AttrAlgorithm   = "algorithm"
	AttrExtension   = "extension"
	AttrDescription = "description"
	AttrLine        = "line"
	AttrSource      = "source" // container format of a certificate: PEM, DER, PKCS7, PKCS12
	AttrContent     = "content"
	AttrSubject     = "subject"
	AttrIssuer      = "issuer"
	AttrSerial      = "serial"
	AttrNotBefore   = "not_before"
	AttrNotAfter    = "not_after"
	AttrExitCode    = "exit_code"
	AttrFiles       = "files"
	AttrBytes       = "bytes"
)
