// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package web expõe a API HTTP/WebSocket de controle do dccagent.
package web

import (
	"net"
	"net/http"
)

// ACL controla acesso HTTP por IP/CIDR. Sem CIDRs configurados
// (http.allow_origins vazio) todo acesso é permitido; com pelo menos um,
// apenas IPs contidos em algum CIDR passam.
type ACL struct {
	nets []*net.IPNet
}

// NewACL cria uma ACL a partir de CIDRs já parseados (config.HTTPConfig.ParsedCIDRs).
func NewACL(cidrs []*net.IPNet) *ACL {
	return &ACL{nets: cidrs}
}

// Middleware retorna um http.Handler que verifica o IP remoto contra a ACL.
// Se o IP não estiver em nenhum CIDR permitido, retorna 403 Forbidden.
func (a *ACL) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Allowed(r.RemoteAddr) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Allowed verifica se o endereço remoto (host:port) é permitido pela ACL.
func (a *ACL) Allowed(remoteAddr string) bool {
	if len(a.nets) == 0 {
		return true
	}

	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		// Tenta tratar como IP puro (sem porta)
		host = remoteAddr
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}

	for _, cidr := range a.nets {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}
