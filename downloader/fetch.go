// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package downloader

import (
	"bufio"
	"bytes"
	"context"
	"fmt"

	"github.com/luxfi/meshcore/baostream"
	"github.com/luxfi/meshcore/blobs"
	"github.com/luxfi/meshcore/errs"
	"github.com/luxfi/meshcore/hashid"
	"github.com/luxfi/meshcore/provider"
	"github.com/luxfi/meshcore/rangespec"
	"github.com/luxfi/meshcore/transport"
	"github.com/luxfi/meshcore/wire"
)

// NewBlobFetch returns the FetchFunc a node runs in production: it
// opens a bidirectional stream on the established connection, sends a
// Get request for every chunk of hash, decodes the verified frames,
// and commits the result into db as a complete entry. The verified
// bytes are buffered before the temp entry is created because the
// blob's size is only learned (and proven) from the stream itself.
//
// A stream that ends before a request is answered reports NotFound:
// the provider finishes cleanly without writing when it does not have
// the blob. Verification failures report Integrity, which the
// scheduler treats the same way for the offending peer.
func NewBlobFetch(db blobs.BaoMapMut) FetchFunc {
	return func(ctx context.Context, conn transport.Conn, hash hashid.Hash) (int64, error) {
		stream, err := conn.OpenBi(ctx)
		if err != nil {
			return 0, fmt.Errorf("%w: open stream: %v", errs.ErrTransport, err)
		}
		defer stream.Close()

		spec, err := rangespec.NewSpec(rangespec.Entry{Offset: 0, Set: rangespec.All()})
		if err != nil {
			return 0, fmt.Errorf("%w: build range spec: %v", errs.ErrProtocol, err)
		}
		req := provider.Request{Kind: provider.KindGet, Get: &provider.GetRequest{Hash: hash, Ranges: spec}}
		if err := wire.WriteLPValue(stream, req); err != nil {
			return 0, fmt.Errorf("%w: send request: %v", errs.ErrTransport, err)
		}
		if err := stream.CloseSend(); err != nil {
			return 0, fmt.Errorf("%w: finish request: %v", errs.ErrTransport, err)
		}

		br := bufio.NewReader(stream)
		if _, err := br.Peek(1); err != nil {
			// Clean close with no response bytes: the peer does not
			// have the blob.
			return 0, fmt.Errorf("%w: peer has no data for %s", errs.ErrNotFound, hash)
		}

		var verified bytes.Buffer
		size, err := baostream.Decode(br, hash, -1, rangespec.All(), &verified)
		if err != nil {
			return 0, err
		}

		te, err := db.CreateTempEntry(hash, size)
		if err != nil {
			return 0, err
		}
		w, err := te.DataWriter()
		if err != nil {
			return 0, err
		}
		if _, err := w.WriteAt(verified.Bytes(), 0); err != nil {
			return 0, fmt.Errorf("%w: write fetched data: %v", errs.ErrResource, err)
		}
		if err := te.Finalize(); err != nil {
			return 0, err
		}
		if err := db.InsertTempEntry(te); err != nil {
			return 0, err
		}
		// The insert commits under the entry's own derived root; if
		// that is not the hash we asked for, the decode above was
		// broken, not the peer.
		if _, ok := db.Get(hash); !ok {
			return 0, fmt.Errorf("%w: fetched data for %s committed under a different root", errs.ErrIntegrity, hash)
		}
		return size, nil
	}
}
