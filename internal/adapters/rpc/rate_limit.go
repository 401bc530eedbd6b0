package rpc

import (
	"net"
	"net/http"
	"strings"
)

// rpcRateLimitKey identifies a client by token when it has one, otherwise
// by remote host.
func rpcRateLimitKey(r *http.Request, token string) string {
	if strings.TrimSpace(token) != "" {
		return "token:" + token
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if remote == "" {
		return "ip:unknown"
	}
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return "ip:" + remote
	}
	if strings.TrimSpace(host) == "" {
		return "ip:unknown"
	}
	return "ip:" + host
}
