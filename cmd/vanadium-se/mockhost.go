package main

import (
	"context"
	"fmt"
	"os"

	"github.com/vanadium-vm/vanadium/hostio"
	"github.com/vanadium-vm/vanadium/manifest"
	"github.com/vanadium-vm/vanadium/merkle"
	"github.com/vanadium-vm/vanadium/pagecodec"
)

// splitPages breaks data into pagecodec.PageSize chunks, zero-padding the
// last one, stopping (or padding with empty pages) at exactly count pages.
func splitPages(data []byte, count int) [][]byte {
	pages := make([][]byte, count)
	for i := 0; i < count; i++ {
		page := make([]byte, pagecodec.PageSize)
		start := i * pagecodec.PageSize
		if start < len(data) {
			copy(page, data[start:])
		}
		pages[i] = page
	}
	return pages
}

// seedMockCode loads the V-App binary from vappPath, encrypts each of its
// CodePages pages under keys at counter 0, and seeds them into oracle --
// standing in for whatever out-of-scope transport a real deployment uses
// to place CODE pages on the host before the SE ever boots (spec.md §1's
// "serialized transport framing used to talk to the host" is explicitly
// out of scope; -mock needs a concrete stand-in to be runnable at all).
func seedMockCode(oracle *hostio.Mock, m *manifest.Manifest, vappPath string, keys pagecodec.Keys) error {
	data, err := os.ReadFile(vappPath)
	if err != nil {
		return fmt.Errorf("vanadium-se: read V-App image %s: %w", vappPath, err)
	}
	maxBytes := int(m.CodePages) * pagecodec.PageSize
	if len(data) > maxBytes {
		return fmt.Errorf("vanadium-se: V-App image %s is %d bytes, manifest declares only %d code pages (%d bytes)", vappPath, len(data), m.CodePages, maxBytes)
	}

	pages := splitPages(data, int(m.CodePages))
	for i, plaintext := range pages {
		addr := m.CodeStart + uint32(i)*pagecodec.PageSize
		ciphertext, tag, err := pagecodec.Encrypt(keys, addr, 0, plaintext)
		if err != nil {
			return fmt.Errorf("vanadium-se: encrypt code page %d: %w", i, err)
		}
		oracle.Seed(hostio.SectionCode, uint32(i), ciphertext, 0, nil, tag)
	}
	return nil
}

// readDataImage loads the initial DATA section plaintext from path (or
// returns all-zero pages when path is empty), split into manifest.DataPages
// pages in page order, as session.Boot's dataImage parameter expects.
func readDataImage(m *manifest.Manifest, path string) ([][]byte, error) {
	if path == "" {
		return splitPages(nil, int(m.DataPages)), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("vanadium-se: read data image %s: %w", path, err)
	}
	maxBytes := int(m.DataPages) * pagecodec.PageSize
	if len(data) > maxBytes {
		return nil, fmt.Errorf("vanadium-se: data image %s is %d bytes, manifest declares only %d data pages (%d bytes)", path, len(data), m.DataPages, maxBytes)
	}
	return splitPages(data, int(m.DataPages)), nil
}

// fetchCodePageHashes reads back every CODE page through oracle and hashes
// its ciphertext, the page_hash_i stream session.Boot's attestation step
// needs (spec.md §4.7 step 4) -- the same read-back the SE itself has to
// do, since it never sees plaintext CODE bytes directly from the host.
func fetchCodePageHashes(oracle hostio.Oracle, m *manifest.Manifest) ([]merkle.Digest, error) {
	ctx := context.Background()
	hashes := make([]merkle.Digest, m.CodePages)
	for i := uint32(0); i < m.CodePages; i++ {
		resp, err := oracle.GetPage(ctx, hostio.SectionCode, i)
		if err != nil {
			return nil, fmt.Errorf("vanadium-se: fetch code page %d: %w", i, err)
		}
		addr := m.CodeStart + i*pagecodec.PageSize
		hashes[i] = pagecodec.PageHash(addr, resp.Counter, resp.Ciphertext)
	}
	return hashes, nil
}
