package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"sort"

	"github.com/hollomancer/sbir-analytics-sub004/pkg/errors"
)

// Fingerprint derives the content address of an asset materialization:
// SHA-256 over the code version, the canonical JSON of the asset's config
// slice, and the sorted upstream fingerprints. Any change to code, config,
// or inputs yields a new fingerprint; everything else reuses the old one.
func Fingerprint(codeVersion string, configSlice map[string]any, upstream []string) (string, error) {
	h := sha256.New()
	io.WriteString(h, codeVersion)
	h.Write([]byte{0})

	// json.Marshal sorts map keys, giving a canonical encoding.
	cfg, err := json.Marshal(configSlice)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeFingerprint, "config slice is not fingerprintable")
	}
	h.Write(cfg)
	h.Write([]byte{0})

	sorted := append([]string(nil), upstream...)
	sort.Strings(sorted)
	for _, fp := range sorted {
		io.WriteString(h, fp)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
