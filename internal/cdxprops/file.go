package cdxprops

import (
	"path"
	"slices"

	cdx "github.com/CycloneDX/cyclonedx-go"
)

var hashAlgo = map[string]cdx.HashAlgorithm{
	"md5":    cdx.HashAlgoMD5,
	"sha1":   cdx.HashAlgoSHA1,
	"sha256": cdx.HashAlgoSHA256,
}

// FileComponent describes an ingested file. hashes maps algorithm names
// (md5, sha1, sha256) to hex digests.
func FileComponent(location, mimeType string, hashes map[string]string) cdx.Component {
	c := cdx.Component{
		BOMRef:   "file/" + location,
		Type:     cdx.ComponentTypeFile,
		Name:     path.Base(location),
		MIMEType: mimeType,
	}
	if len(hashes) > 0 {
		names := make([]string, 0, len(hashes))
		for name := range hashes {
			names = append(names, name)
		}
		slices.Sort(names)
		hs := make([]cdx.Hash, 0, len(names))
		for _, name := range names {
			algo, ok := hashAlgo[name]
			if !ok {
				continue
			}
			hs = append(hs, cdx.Hash{Algorithm: algo, Value: hashes[name]})
		}
		c.Hashes = &hs
	}
	AddEvidenceLocation(&c, location)
	return c
}
