package imagestore

import (
	"archive/tar"
	"bytes"
	"io"
	"path/filepath"
)

// extractFile scans an uncompressed layer tar stream for a regular file
// matching wantName (by base name) and returns its contents. found is
// false if the stream was exhausted without a match.
//
// Grounded on cocoon's scanBootFiles: a single tar.Reader pass over the
// layer's uncompressed stream, matching entries by base name and
// Typeflag, adapted from extracting to a working directory on disk to
// buffering the one wanted entry in memory (bpfman's dispatcher objects
// and tracked programs are ELF objects in the tens of kilobytes, not
// boot images).
func extractFile(r io.Reader, wantName string) (data []byte, found bool, err error) {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if filepath.Base(filepath.Clean(hdr.Name)) != wantName {
			continue
		}
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, tr); err != nil {
			return nil, false, err
		}
		return buf.Bytes(), true, nil
	}
}
