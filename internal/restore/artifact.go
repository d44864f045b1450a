package restore

import (
	"fmt"
	"strings"
)

// DumpArtifact represents a downloaded backup file. It exists only during
// the download -> load window of a run.
type DumpArtifact struct {
	Bucket    string
	Key       string
	LocalPath string
	Size      int64
	ETag      string // integrity token reported by the object store, if any
	Checksum  string // hex MD5 of the bytes written to LocalPath
}

// Verify checks the downloaded bytes against the store's integrity token.
// Multipart-upload ETags (they contain a dash) are not content digests, so
// only the observed size can be checked for those. A store that reports no
// token at all leaves nothing to verify.
func (a *DumpArtifact) Verify() error {
	etag := strings.Trim(a.ETag, `"`)
	if etag == "" {
		return nil
	}
	if strings.Contains(etag, "-") {
		return nil
	}
	if !strings.EqualFold(etag, a.Checksum) {
		return fmt.Errorf("%w: etag %s, local md5 %s (%s)", ErrIntegrity, etag, a.Checksum, a.LocalPath)
	}
	return nil
}
