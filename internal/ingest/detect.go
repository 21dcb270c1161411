package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"

	"github.com/sessionlog/sessiondb/internal/store"
)

// readArtifact reads the artifact's full content, fingerprints it, and
// compares the hash against the store's last recorded fingerprint for the
// path. When changed is false the artifact can be skipped without parsing.
//
// The whole file is always reread on change; no byte-offset tracking is
// attempted, since appends by a live writer are not assumed atomic.
func readArtifact(ctx context.Context, st store.Store, path string) (data []byte, fp store.Fingerprint, changed bool, err error) {
	data, err = os.ReadFile(path)
	if err != nil {
		return nil, store.Fingerprint{}, false, err
	}

	sum := sha256.Sum256(data)
	fp = store.Fingerprint{Path: path, Hash: hex.EncodeToString(sum[:])}

	prev, err := st.ArtifactFingerprint(ctx, path)
	if err != nil {
		return nil, store.Fingerprint{}, false, err
	}
	return data, fp, prev != fp.Hash, nil
}
