// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package dcc

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// maxBurstSize é o tamanho máximo de burst para o rate limiter (256KB).
const maxBurstSize = 256 * 1024

// ThrottledReader é um io.Reader com rate limiting baseado em token bucket.
// Limita a taxa de leitura a bytesPerSec bytes/segundo; o back-pressure
// resultante propaga ao sender via flow control TCP.
type ThrottledReader struct {
	r       io.Reader
	limiter *rate.Limiter
	ctx     context.Context
}

// NewThrottledReader cria um ThrottledReader com a taxa máxima em
// bytes/segundo. Se bytesPerSec <= 0, retorna o reader original (bypass).
func NewThrottledReader(ctx context.Context, r io.Reader, bytesPerSec int64) io.Reader {
	if bytesPerSec <= 0 {
		return r
	}

	burst := int(bytesPerSec)
	if burst > maxBurstSize {
		burst = maxBurstSize
	}

	return &ThrottledReader{
		r:       r,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		ctx:     ctx,
	}
}

// Read implementa io.Reader com rate limiting.
// Limita cada leitura ao burst e espera tokens para os bytes lidos.
func (tr *ThrottledReader) Read(p []byte) (int, error) {
	if len(p) > tr.limiter.Burst() {
		p = p[:tr.limiter.Burst()]
	}

	n, err := tr.r.Read(p)
	if n > 0 {
		if werr := tr.limiter.WaitN(tr.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
