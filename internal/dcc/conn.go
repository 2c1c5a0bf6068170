// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package dcc

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"time"
)

// dialTimeout limita a abertura da conexão de dados com o peer.
const dialTimeout = 30 * time.Second

// Dial abre a conexão de dados DCC com o peer. Com useTLS o socket é
// envolto em TLS sem validação de hostname nem de certificado: peers DCC
// raramente apresentam certificados válidos, então o TLS aqui é cifra de
// transporte, não autenticação.
func Dial(ctx context.Context, addr net.IP, port int, useTLS bool) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: dialTimeout}
	target := net.JoinHostPort(addr.String(), strconv.Itoa(port))

	if useTLS {
		td := &tls.Dialer{
			NetDialer: dialer,
			Config:    &tls.Config{InsecureSkipVerify: true},
		}
		return td.DialContext(ctx, "tcp", target)
	}
	return dialer.DialContext(ctx, "tcp", target)
}
