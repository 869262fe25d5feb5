package repository

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/cuemby/snapvault/pkg/blobstore"
)

// VerificationHandle identifies one in-progress access probe.
type VerificationHandle struct {
	Seed string
}

// Verifier runs the start-verification/end-verification protocol of spec.md
// §6: a cheap, destructive-nothing probe that every node in the cluster can
// use to confirm it can actually reach the blob store.
type Verifier struct {
	store  blobstore.Store
	layout Layout
}

// NewVerifier builds a verifier writing through store/layout.
func NewVerifier(store blobstore.Store, layout Layout) *Verifier {
	return &Verifier{store: store, layout: layout}
}

// Start picks a random seed, writes the scratch master.dat blob under
// tests-{seed}/, and returns the handle every node will use.
func (v *Verifier) Start(ctx context.Context) (VerificationHandle, error) {
	seedBytes := make([]byte, 16)
	if _, err := rand.Read(seedBytes); err != nil {
		return VerificationHandle{}, fmt.Errorf("generating verification seed: %w", err)
	}
	seed := hex.EncodeToString(seedBytes)

	container := v.layout.TestsContainer(seed)
	err := v.store.Write(ctx, blobstore.PurposeSnapshotMeta, container, "master.dat", bytes.NewReader(seedBytes), int64(len(seedBytes)), true)
	if err != nil {
		return VerificationHandle{}, wrapErr("", "start-verification", fmt.Errorf("%w: %v", ErrRepositoryVerification, err))
	}
	return VerificationHandle{Seed: seed}, nil
}

// VerifyNode reads master.dat back and writes this node's own data-{nodeID}
// blob, confirming round-trip read/write access from this node.
func (v *Verifier) VerifyNode(ctx context.Context, handle VerificationHandle, nodeID string) error {
	container := v.layout.TestsContainer(handle.Seed)

	rc, err := v.store.Read(ctx, blobstore.PurposeSnapshotMeta, container, "master.dat")
	if err != nil {
		return fmt.Errorf("%w: node %s could not read master.dat: %v", ErrRepositoryVerification, nodeID, err)
	}
	seedBytes, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil {
		return fmt.Errorf("%w: node %s: %v", ErrRepositoryVerification, nodeID, err)
	}

	name := "data-" + nodeID + ".dat"
	if err := v.store.Write(ctx, blobstore.PurposeSnapshotMeta, container, name, bytes.NewReader(seedBytes), int64(len(seedBytes)), true); err != nil {
		return fmt.Errorf("%w: node %s could not write %s: %v", ErrRepositoryVerification, nodeID, name, err)
	}
	return nil
}

// End recursively deletes the scratch tests-{seed}/ container.
func (v *Verifier) End(ctx context.Context, handle VerificationHandle) error {
	container := v.layout.TestsContainer(handle.Seed)
	return v.store.Delete(ctx, blobstore.PurposeSnapshotMeta, container)
}
