package rpc

import (
	"net"
	"net/http"
	"strings"

	"eblusha/keeper/internal/platform/privacylog"
)

// rpcRateLimitKey buckets requests by RPC token when one is presented,
// otherwise by remote host.
func rpcRateLimitKey(r *http.Request, token string) string {
	if strings.TrimSpace(token) != "" {
		return "token:" + privacylog.FingerprintID(token)
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
