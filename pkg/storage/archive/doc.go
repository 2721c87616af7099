// Package archive stores finalized billing documents in S3-compatible object
// storage (AWS S3 or MinIO with path-style addressing).
package archive
