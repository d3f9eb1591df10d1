// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package zstd compresses sync transport bodies. Envelopes are
// already encrypted and therefore incompressible; what compresses
// well is the surrounding JSON framing of large push and pull
// batches.
package zstd

import (
	"bytes"
	"io"
	"sync"

	"github.com/grailbio/zksync/errors"
	kzstd "github.com/klauspost/compress/zstd"
)

// MaxDecodedSize bounds the size of a decompressed body.
const MaxDecodedSize = 64 << 20

var (
	encOnce sync.Once
	enc     *kzstd.Encoder
	encErr  error

	decOnce sync.Once
	dec     *kzstd.Decoder
	decErr  error
)

func encoder() (*kzstd.Encoder, error) {
	encOnce.Do(func() {
		enc, encErr = kzstd.NewWriter(nil, kzstd.WithEncoderLevel(kzstd.SpeedDefault))
	})
	return enc, encErr
}

func decoder() (*kzstd.Decoder, error) {
	decOnce.Do(func() {
		dec, decErr = kzstd.NewReader(nil, kzstd.WithDecoderMaxMemory(MaxDecodedSize))
	})
	return dec, decErr
}

// CompressLevel compresses in at the given zstd level, appending to
// scratch[:0]. A negative level selects the default.
func CompressLevel(scratch []byte, in []byte, level int) ([]byte, error) {
	if level < 0 {
		e, err := encoder()
		if err != nil {
			return nil, errors.E(errors.Invalid, "zstd encoder", err)
		}
		return e.EncodeAll(in, scratch[:0]), nil
	}
	wBuf := bytes.NewBuffer(scratch[:0])
	w, err := kzstd.NewWriter(wBuf, kzstd.WithEncoderLevel(kzstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, errors.E(errors.Invalid, "zstd encoder", err)
	}
	if _, err := w.Write(in); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return wBuf.Bytes(), nil
}

// Compress compresses in at the default level.
func Compress(in []byte) ([]byte, error) {
	return CompressLevel(nil, in, -1)
}

// Decompress decompresses in, appending to scratch[:0]. Bodies that
// would exceed MaxDecodedSize are rejected.
func Decompress(scratch []byte, in []byte) ([]byte, error) {
	d, err := decoder()
	if err != nil {
		return nil, errors.E(errors.Invalid, "zstd decoder", err)
	}
	out, err := d.DecodeAll(in, scratch[:0])
	if err != nil {
		return nil, errors.E(errors.Invalid, "zstd decompress", err)
	}
	return out, nil
}

type readerWrapper struct {
	*kzstd.Decoder
}

func (r *readerWrapper) Close() error {
	r.Decoder.Close()
	return nil
}

// NewReader returns a streaming decompressor reading from r.
func NewReader(r io.Reader) (io.ReadCloser, error) {
	zr, err := kzstd.NewReader(r, kzstd.WithDecoderMaxMemory(MaxDecodedSize))
	if err != nil {
		return nil, err
	}
	return &readerWrapper{zr}, nil
}

// NewWriter returns a streaming compressor writing to w.
func NewWriter(w io.Writer) (io.WriteCloser, error) {
	return kzstd.NewWriter(w)
}
